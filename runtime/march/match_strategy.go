package march

import (
	"context"
	"errors"
	"time"

	"studyroom/common/log"
	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"

	"github.com/google/uuid"
)

const restoreTimeout = 2 * time.Second

// MatchStrategy 匹配策略接口
// 定义如何从队列中取出一组用户，返回的批次在处理完后必须 AckBatch
type MatchStrategy interface {
	Match(ctx context.Context, queueRepo repository.MarchQueueRepository, topic string, groupSize int) *entity.MatchBatch
}

// FIFOStrategy 先来先服务，从队列头部取出最早的一组
// 存储不可达时按"暂未匹配"处理，宁可都等待也不能重复匹配
type FIFOStrategy struct {
	timeout time.Duration
}

func NewFIFOStrategy(timeout time.Duration) MatchStrategy {
	return &FIFOStrategy{timeout: timeout}
}

func (s *FIFOStrategy) Match(ctx context.Context, queueRepo repository.MarchQueueRepository, topic string, groupSize int) *entity.MatchBatch {
	if groupSize <= 0 {
		return nil
	}
	batchID := uuid.NewString()
	mctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	batch, err := queueRepo.TryMatch(mctx, topic, groupSize, batchID)
	if err != nil {
		log.Warn("话题 %s 匹配失败，按未匹配处理: %v", topic, err)
		s.restore(ctx, queueRepo, batchID)
		return nil
	}
	return batch
}

// restore 脚本可能已在服务端执行，把这次取出的用户按原顺序放回
// 找不到批次说明脚本没有执行；存储仍不可达时由超时扫描找回
func (s *FIFOStrategy) restore(ctx context.Context, queueRepo repository.MarchQueueRepository, batchID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()

	batch, err := queueRepo.TakeBatch(rctx, batchID)
	if errors.Is(err, repository.ErrBatchNotFound) {
		return
	}
	if err != nil {
		log.Warn("认领批次 %s 失败，等待超时扫描: %v", batchID, err)
		return
	}
	requeued, err := queueRepo.Requeue(rctx, batch.Topic, batch.Entries)
	if err != nil {
		log.Error("批次 %s 放回队列失败 %v: %v", batchID, batch.UserIDs(), err)
		return
	}
	if err := queueRepo.AckBatch(rctx, batchID); err != nil {
		log.Warn("确认批次 %s 失败: %v", batchID, err)
	}
	log.Info("话题 %s 匹配超时，已放回 %v", batch.Topic, requeued)
}
