package repository

import (
	"context"

	"studyroom/core/domain/entity"
)

// PresenceRepository 在线状态仓储接口
// 记录用户长连接由哪个实例持有，带租约，实例崩溃后自动过期
type PresenceRepository interface {
	// Register 覆盖旧记录并重置租约
	Register(ctx context.Context, presence *entity.UserPresence) error

	// Refresh 仅当 connRef 仍是当前连接时续约
	Refresh(ctx context.Context, userID, connRef string) (bool, error)

	// Unregister 仅当 connRef 匹配时删除，connRef 为空时无条件删除
	Unregister(ctx context.Context, userID, connRef string) error

	// Lookup 不存在返回 ErrPresenceNotFound，其他错误表示状态未知
	Lookup(ctx context.Context, userID string) (*entity.UserPresence, error)

	// CountOnline 当前在线用户数
	CountOnline(ctx context.Context) (int64, error)
}
