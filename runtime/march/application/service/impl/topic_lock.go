package impl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studyroom/common/metrics"
	"studyroom/runtime/march/application/service"
)

// topicLocks 每个话题一把带超时的锁，缓冲为 1 的 channel 即信号量
type topicLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	wait  time.Duration
}

func newTopicLocks(wait time.Duration) *topicLocks {
	return &topicLocks{locks: make(map[string]chan struct{}), wait: wait}
}

func (l *topicLocks) get(topic string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[topic]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[topic] = ch
	}
	return ch
}

// acquire 超时返回 ErrUnavailable，成功时返回释放函数
func (l *topicLocks) acquire(ctx context.Context, topic string) (func(), error) {
	ch := l.get(topic)
	start := time.Now()
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		metrics.TopicLockWait.WithLabelValues(topic).Observe(time.Since(start).Seconds())
		return func() { <-ch }, nil
	case <-timer.C:
		metrics.TopicLockWait.WithLabelValues(topic).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: 话题 %s 繁忙", service.ErrUnavailable, topic)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", service.ErrUnavailable, ctx.Err())
	}
}
