package march

import (
	"context"
	"time"

	"studyroom/common/log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const defaultMaxConnections = 10000

// LoadReporter 负载上报目标（etcd 注册器）
type LoadReporter interface {
	UpdateLoad(load float64) error
}

// ConnCounter 当前长连接数
type ConnCounter interface {
	ConnectionCount() int
}

// Monitor 监控器
// 负责收集负载信息并上报给 etcd
type Monitor struct {
	conns          ConnCounter
	registry       LoadReporter
	updateInterval time.Duration
	maxConnections int
	stopCh         chan struct{}
}

func NewMonitor(conns ConnCounter, registry LoadReporter, updateInterval time.Duration) *Monitor {
	return &Monitor{
		conns:          conns,
		registry:       registry,
		updateInterval: updateInterval,
		maxConnections: defaultMaxConnections,
		stopCh:         make(chan struct{}),
	}
}

// Start 在独立的 goroutine 中定期收集负载信息并上报
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.updateInterval)
	defer ticker.Stop()

	// 立即执行一次
	m.reportLoad()

	for {
		select {
		case <-ctx.Done():
			log.Info("Monitor 收到停止信号，退出监控")
			return
		case <-m.stopCh:
			log.Info("Monitor 收到停止信号，退出监控")
			return
		case <-ticker.C:
			m.reportLoad()
		}
	}
}

func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) reportLoad() {
	info := m.collectLoadInfo()
	load := info.CalculateLoad(m.maxConnections)

	if err := m.registry.UpdateLoad(load); err != nil {
		log.Error("Monitor 上报负载信息失败: %v", err)
		return
	}
	log.Debug("Monitor 上报负载信息成功: Load=%.2f, Conns=%d, CPU=%.2f%%, Mem=%.2f%%",
		load, info.Connections, info.CPUUsage, info.MemUsage)
}

func (m *Monitor) collectLoadInfo() *LoadInfo {
	info := &LoadInfo{}
	if m.conns != nil {
		info.Connections = m.conns.ConnectionCount()
	}
	// interval 为 0 时与上一次调用比较，不阻塞
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info.CPUUsage = percents[0]
	} else if err != nil {
		log.Debug("获取 CPU 使用率失败: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemUsage = vm.UsedPercent
	} else {
		log.Debug("获取内存使用率失败: %v", err)
	}
	return info
}
