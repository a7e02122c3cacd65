package march

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	mu    sync.Mutex
	loads []float64
	err   error
}

func (r *fakeReporter) UpdateLoad(load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, load)
	return r.err
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loads)
}

type fixedConns int

func (c fixedConns) ConnectionCount() int { return int(c) }

func TestMonitor_ReportsLoad(t *testing.T) {
	reporter := &fakeReporter{}
	m := NewMonitor(fixedConns(5000), reporter, time.Hour)
	m.reportLoad()
	require.Equal(t, 1, reporter.count())
	// 连接数占一半，至少贡献 15 分
	require.GreaterOrEqual(t, reporter.loads[0], 15.0)
}

func TestLoadInfo_CalculateLoad(t *testing.T) {
	info := &LoadInfo{Connections: 5000, CPUUsage: 50, MemUsage: 20}
	require.InDelta(t, 50*0.4+20*0.3+50*0.3, info.CalculateLoad(10000), 1e-9)

	// 连接数超过上限按满载计算
	info = &LoadInfo{Connections: 30000}
	require.InDelta(t, 30.0, info.CalculateLoad(10000), 1e-9)

	info = &LoadInfo{Connections: 10}
	require.Zero(t, info.CalculateLoad(0))
}

func TestMonitor_ReportsUntilCancelled(t *testing.T) {
	reporter := &fakeReporter{}
	m := NewMonitor(fixedConns(3), reporter, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return reporter.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("取消后 Monitor 应退出")
	}
}

func TestMonitor_StopAndReportError(t *testing.T) {
	reporter := &fakeReporter{err: errors.New("etcd down")}
	m := NewMonitor(nil, reporter, time.Hour)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	// 启动时立即上报一次，失败只记录日志
	require.Eventually(t, func() bool { return reporter.count() == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop 后 Monitor 应退出")
	}
}

type countingRecoverer struct {
	mu    sync.Mutex
	calls int
	age   time.Duration
}

func (r *countingRecoverer) RecoverStaleBatches(_ context.Context, olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.age = olderThan
	return 1
}

func (r *countingRecoverer) snapshot() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.age
}

func TestBatchSweeper_RunsUntilCancelled(t *testing.T) {
	r := &countingRecoverer{}
	s := NewBatchSweeper(r, 10*time.Millisecond, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		calls, _ := r.snapshot()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)
	_, age := r.snapshot()
	require.Equal(t, 30*time.Second, age)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("取消后 BatchSweeper 应退出")
	}
}
