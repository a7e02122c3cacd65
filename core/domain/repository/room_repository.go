package repository

import (
	"context"
	"time"

	"studyroom/core/domain/entity"
	"studyroom/core/domain/vo"
)

// RoomRepository 房间仓储接口，房间与成员在同一文档中
type RoomRepository interface {
	// CreateRoomWithMembers 一次写入房间和全部成员
	CreateRoomWithMembers(ctx context.Context, room *entity.Room) error

	// FindRoom 不存在返回 ErrRoomNotFound
	FindRoom(ctx context.Context, roomID string) (*entity.Room, error)

	// FindRoomByExternalRef 按外部媒体房间名查找
	FindRoomByExternalRef(ctx context.Context, externalRef string) (*entity.Room, error)

	// FindActiveMembershipForUser 用户在未关闭房间中的 JOINED 成员关系，没有返回 ErrMembershipNotFound
	FindActiveMembershipForUser(ctx context.Context, userID string) (*entity.Room, error)

	// UpdateMembershipStatus 原子更新成员状态，返回更新后的房间
	// 更新为 LEFT 时要求成员当前为 JOINED，否则返回 ErrMembershipNotFound，并发离开只有一个成功
	UpdateMembershipStatus(ctx context.Context, roomID, userID string, status vo.MemberStatus) (*entity.Room, error)

	// CountActiveMembers 未离开的成员数
	CountActiveMembers(ctx context.Context, roomID string) (int, error)

	// ActivateRoom WAITING -> ACTIVE
	ActivateRoom(ctx context.Context, roomID string) error

	// CloseRoom 标记关闭并记录结束时间，成员状态不变，只有第一次关闭返回 true
	CloseRoom(ctx context.Context, roomID string, endedAt time.Time) (bool, error)

	// DeleteRoom 回滚时删除房间
	DeleteRoom(ctx context.Context, roomID string) error

	// CountActiveRoomsByTopic 未关闭房间按话题计数
	CountActiveRoomsByTopic(ctx context.Context) (map[string]int64, error)
}
