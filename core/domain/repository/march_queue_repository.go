package repository

import (
	"context"
	"time"

	"studyroom/core/domain/entity"
)

// MarchQueueRepository 匹配队列仓储接口
// 每个话题一个先进先出队列，一个用户同一时刻最多在一个话题中等待
type MarchQueueRepository interface {
	// ClaimUser 占用用户，同一用户同一时刻只有一个加入请求在处理，已被占用返回 ErrUserClaimed
	ClaimUser(ctx context.Context, userID, owner string, ttl time.Duration) error

	// ReleaseUser 只释放自己持有的占用
	ReleaseUser(ctx context.Context, userID, owner string) error

	// Enqueue 追加到话题队列尾部，用户已在任一队列或正在成团时返回 ErrPlayerAlreadyInQueue
	Enqueue(ctx context.Context, topic string, entry *entity.QueueEntry) error

	// Remove 原子地扫描并移除用户的等待项，返回是否真的移除了
	Remove(ctx context.Context, topic, userID string) (bool, error)

	// TryMatch 队列长度不足 groupSize 时返回 nil 且不修改队列
	// 否则取出最早的 groupSize 个，并以 batchID 记录为处理中的批次，直到 AckBatch
	TryMatch(ctx context.Context, topic string, groupSize int, batchID string) (*entity.MatchBatch, error)

	// TakeBatch 认领处理中的批次，已被认领或已确认返回 ErrBatchNotFound
	TakeBatch(ctx context.Context, batchID string) (*entity.MatchBatch, error)

	// TakeStaleBatches 认领创建时间早于 before 的批次，最多 limit 个
	TakeStaleBatches(ctx context.Context, before time.Time, limit int) ([]*entity.MatchBatch, error)

	// AckBatch 批次处理完成（成团或已放回队列），删除批次记录
	AckBatch(ctx context.Context, batchID string) error

	// Requeue 按原顺序放回队列头部，已重新排队的用户跳过，返回实际放回的用户
	Requeue(ctx context.Context, topic string, entries []*entity.QueueEntry) ([]string, error)

	// Length 队列长度
	Length(ctx context.Context, topic string) (int64, error)

	// WaitingTopic 用户正在等待（或正在成团）的话题，空闲返回 ErrPlayerNotInQueue
	WaitingTopic(ctx context.Context, userID string) (string, error)
}
