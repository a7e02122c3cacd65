package metrics

import (
	"net/http"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JoinTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "march",
		Name:      "join_total",
		Help:      "join 请求结果计数",
	}, []string{"topic", "result"})

	MatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "march",
		Name:      "match_total",
		Help:      "本实例成功组建的房间数",
	}, []string{"topic"})

	ClusterMatchObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "march",
		Name:      "cluster_match_observed_total",
		Help:      "通过 relay 诊断事件观察到的全集群成团数",
	}, []string{"topic"})

	ProvisionFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "march",
		Name:      "provision_failure_total",
		Help:      "房间创建失败并回滚的次数",
	}, []string{"topic", "stage"})

	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "march",
		Name:      "relay_events_total",
		Help:      "跨实例事件收发计数",
	}, []string{"kind", "direction"})

	TopicLockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "march",
		Name:      "topic_lock_wait_seconds",
		Help:      "单进程模式下话题临界区的等待时间",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	}, []string{"topic"})

	OnlineConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "march",
		Name:      "online_connections",
		Help:      "本实例持有的长连接数",
	})
)

func init() {
	prometheus.MustRegister(JoinTotal, MatchTotal, ClusterMatchObserved, ProvisionFailure,
		RelayEvents, TopicLockWait, OnlineConnections)
}

// Serve 启动监控服务：/debug/statsviz/ 运行时面板，/metrics prometheus 指标
func Serve(addr string) error {
	mux := http.NewServeMux()
	if err := statsviz.Register(mux); err != nil {
		return err
	}
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
