package march

import (
	"context"
	"time"

	"studyroom/common/log"
)

// BatchRecoverer 找回超时未确认的匹配批次，返回重新排队的人数
type BatchRecoverer interface {
	RecoverStaleBatches(ctx context.Context, olderThan time.Duration) int
}

// BatchSweeper 定期找回调用方超时或实例崩溃后遗留在处理中的批次
// 所有实例都可以运行，批次的认领是原子的
type BatchSweeper struct {
	recoverer BatchRecoverer
	interval  time.Duration
	age       time.Duration
}

func NewBatchSweeper(recoverer BatchRecoverer, interval, age time.Duration) *BatchSweeper {
	return &BatchSweeper{recoverer: recoverer, interval: interval, age: age}
}

func (s *BatchSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("BatchSweeper 收到停止信号，退出")
			return
		case <-ticker.C:
			if n := s.recoverer.RecoverStaleBatches(ctx, s.age); n > 0 {
				log.Info("BatchSweeper 找回 %d 个超时批次中的用户", n)
			}
		}
	}
}
