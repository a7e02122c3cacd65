package march

// LoadInfo 负载信息
// 用于计算 march 实例的综合负载评分
type LoadInfo struct {
	Connections int     // 本实例持有的长连接数
	CPUUsage    float64 // CPU 使用率（0-100）
	MemUsage    float64 // 内存使用率（0-100）
}

// CalculateLoad 计算综合负载评分
// 权重：CPU 40%、内存 30%、连接数 30%
// 返回值越小表示负载越低
func (li *LoadInfo) CalculateLoad(maxConnections int) float64 {
	normalizedConns := 0.0
	if maxConnections > 0 {
		normalizedConns = float64(li.Connections) / float64(maxConnections)
	}
	if normalizedConns > 1.0 {
		normalizedConns = 1.0
	}
	return li.CPUUsage*0.4 + li.MemUsage*0.3 + normalizedConns*100*0.3
}
