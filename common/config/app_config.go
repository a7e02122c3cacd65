package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	ModeDistributed = "distributed" // redis + nats，多实例部署
	ModeLocal       = "local"       // 进程内数据结构，单实例部署
)

var MarchNodeConfig MarchConfiguration

type BaseConfig struct {
	ID         string `mapstructure:"id"`
	ServerType string `mapstructure:"serverType"`
	MetricPort int    `mapstructure:"metricPort"`
	HttpPort   int    `mapstructure:"httpPort"`
	WsAddr     string `mapstructure:"wsAddr"`
}

type MarchConfiguration struct {
	BaseConfig   `mapstructure:",squash"`
	DatabaseConf `mapstructure:"database"`
	JwtConf      `mapstructure:"jwt"`
	EtcdConf     `mapstructure:"etcd"`
	LogConf      `mapstructure:"log"`
	NatsConfig   `mapstructure:"nats"`
	MatchConf    `mapstructure:"march"`
	MediaConf    `mapstructure:"media"`
}

type LogConf struct {
	Level string `mapstructure:"level"`
}

type EtcdConf struct {
	Addrs       []string       `mapstructure:"addrs"`
	DialTimeout int            `mapstructure:"dialTimeout"`
	Register    RegisterServer `mapstructure:"register"`
}

type RegisterServer struct {
	Addr    string `mapstructure:"addr"`
	Domain  string `mapstructure:"domain"`
	Version string `mapstructure:"version"`
	Weight  int    `mapstructure:"weight"`
	Ttl     int    `mapstructure:"ttl"`
}

type JwtConf struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"`
}

type DatabaseConf struct {
	MongoConf MongoConf `mapstructure:"mongo"`
	RedisConf RedisConf `mapstructure:"redis"`
}

type MongoConf struct {
	Url         string `mapstructure:"url"`
	Db          string `mapstructure:"db"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	MinPoolSize int    `mapstructure:"minPoolSize"`
	MaxPoolSize int    `mapstructure:"maxPoolSize"`
}

type RedisConf struct {
	Addr         string   `mapstructure:"addr"`
	ClusterAddrs []string `mapstructure:"clusterAddrs"`
	Password     string   `mapstructure:"password"`
	PoolSize     int      `mapstructure:"poolSize"`
	MinIdleConns int      `mapstructure:"minIdleConns"`
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	// 单位毫秒，共享存储必须快速失败
	DialTimeout  int `mapstructure:"dialTimeout"`
	ReadTimeout  int `mapstructure:"readTimeout"`
	WriteTimeout int `mapstructure:"writeTimeout"`
}

type NatsConfig struct {
	URL string `json:"url" mapstructure:"url"`
}

// TopicConf 匹配话题，GroupSize 为一次成组的人数（2 即两两配对）
type TopicConf struct {
	Name      string `mapstructure:"name"`
	GroupSize int    `mapstructure:"groupSize"`
}

type MatchConf struct {
	Mode             string      `mapstructure:"mode"`
	Topics           []TopicConf `mapstructure:"topics"`
	DefaultGroupSize int         `mapstructure:"defaultGroupSize"`
	StoreTimeoutMs   int         `mapstructure:"storeTimeoutMs"`
	PresenceTTL      int         `mapstructure:"presenceTTL"` // 秒
	LockWaitMs       int         `mapstructure:"lockWaitMs"`
	TokenTTL         int         `mapstructure:"tokenTTL"` // 秒
}

type MediaConf struct {
	URL              string `mapstructure:"url"`
	APIKey           string `mapstructure:"apiKey"`
	APISecret        string `mapstructure:"apiSecret"`
	EmptyTimeout     int    `mapstructure:"emptyTimeout"` // 秒
	RequestTimeoutMs int    `mapstructure:"requestTimeoutMs"`
	CanPublish       bool   `mapstructure:"canPublish"`
	CanSubscribe     bool   `mapstructure:"canSubscribe"`
}

func (c MatchConf) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

func (c MatchConf) PresenceLease() time.Duration {
	return time.Duration(c.PresenceTTL) * time.Second
}

func (c MatchConf) LockWait() time.Duration {
	return time.Duration(c.LockWaitMs) * time.Millisecond
}

func (c MatchConf) AccessTokenTTL() time.Duration {
	return time.Duration(c.TokenTTL) * time.Second
}

// GroupSizes 话题 -> 成组人数
func (c MatchConf) GroupSizes() map[string]int {
	sizes := make(map[string]int, len(c.Topics))
	for _, topic := range c.Topics {
		size := topic.GroupSize
		if size <= 0 {
			size = c.DefaultGroupSize
		}
		sizes[topic.Name] = size
	}
	return sizes
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serverType", "march")
	v.SetDefault("metricPort", 9100)
	v.SetDefault("httpPort", 8080)
	v.SetDefault("wsAddr", "0.0.0.0:8082")
	v.SetDefault("log.level", "info")
	v.SetDefault("march.mode", ModeDistributed)
	v.SetDefault("march.defaultGroupSize", 2)
	v.SetDefault("march.storeTimeoutMs", 500)
	v.SetDefault("march.presenceTTL", 60)
	v.SetDefault("march.lockWaitMs", 2000)
	v.SetDefault("march.tokenTTL", 6*3600)
	v.SetDefault("media.emptyTimeout", 300)
	v.SetDefault("media.requestTimeoutMs", 3000)
	v.SetDefault("media.canPublish", true)
	v.SetDefault("media.canSubscribe", true)
	v.SetDefault("database.redis.dialTimeout", 500)
	v.SetDefault("database.redis.readTimeout", 300)
	v.SetDefault("database.redis.writeTimeout", 300)
	v.SetDefault("etcd.dialTimeout", 3)
	v.SetDefault("etcd.register.ttl", 10)
}

var (
	watcher   *viper.Viper
	watcherMu sync.Mutex
)

// Load 读取配置文件，nodeID 为空时读取 NODE_ID 环境变量
func Load(configFile string, nodeID string) error {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	cfg, err := decode(v, nodeID)
	if err != nil {
		return err
	}
	MarchNodeConfig = cfg

	watcherMu.Lock()
	watcher = v
	watcherMu.Unlock()
	return nil
}

func decode(v *viper.Viper, nodeID string) (MarchConfiguration, error) {
	var cfg MarchConfiguration
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if nodeID == "" {
		nodeID = os.Getenv("NODE_ID")
	}
	if nodeID != "" {
		cfg.ID = nodeID
	}
	if cfg.ID == "" {
		return cfg, fmt.Errorf("NODE_ID environment variable or identifier is required")
	}
	if cfg.Mode != ModeDistributed && cfg.Mode != ModeLocal {
		return cfg, fmt.Errorf("unknown march mode: %s", cfg.Mode)
	}
	if len(cfg.Topics) == 0 {
		return cfg, fmt.Errorf("march.topics must not be empty")
	}
	for name, size := range cfg.GroupSizes() {
		if size < 2 {
			return cfg, fmt.Errorf("topic %s groupSize must be >= 2", name)
		}
	}
	return cfg, nil
}

// Watch 监听配置文件变更，解析成功后回调；nodeID 不允许热更新
func Watch(onChange func(MarchConfiguration)) {
	watcherMu.Lock()
	v := watcher
	watcherMu.Unlock()
	if v == nil {
		return
	}

	nodeID := MarchNodeConfig.ID
	v.OnConfigChange(func(in fsnotify.Event) {
		if !in.Has(fsnotify.Write) && !in.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v, nodeID)
		if err != nil {
			// 新配置不合法时保留旧配置
			return
		}
		MarchNodeConfig = cfg
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
}
