package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studyroom/common/config"
	"studyroom/common/discovery"
	"studyroom/common/log"
	"studyroom/core/infrastructure/media"
	"studyroom/core/infrastructure/memory"
	"studyroom/core/infrastructure/message/node"
	"studyroom/core/infrastructure/message/transfer"
	"studyroom/core/infrastructure/persistence"
	"studyroom/core/infrastructure/realtime"
	"studyroom/runtime/march"
	"studyroom/runtime/march/application/service"
	"studyroom/runtime/march/application/service/impl"

	"go.uber.org/multierr"
)

const relayBufferSize = 1024

// Coordinator 匹配服务以及连接层绑定、配置热更新、超时批次找回入口
type Coordinator interface {
	service.MatchService
	march.BatchRecoverer
	Bind(sender impl.LocalSender)
	UpdateTopics(sizes map[string]int)
}

/*
MarchContainer 按部署模式装配依赖
	distributed: redis 队列与在线状态，mongo 房间存储，nats relay，etcd 实例注册
	local: 全部使用进程内数据结构，只允许单实例部署
*/
type MarchContainer struct {
	*BaseContainer
	NodeID       string
	Mode         string
	MatchService Coordinator
	Provider     *media.LiveKitProvider
	Registry     *discovery.Registry
	relay        *node.Relay
	closed       bool
	mu           sync.Mutex
}

func NewMarchContainer(cfg config.MarchConfiguration) (_ *MarchContainer, err error) {
	provider := media.NewLiveKitProvider(cfg.MediaConf)
	opts := march.ProvisionOptions{
		EmptyTimeout: time.Duration(cfg.MediaConf.EmptyTimeout) * time.Second,
		TokenTTL:     cfg.MatchConf.AccessTokenTTL(),
		CanPublish:   cfg.MediaConf.CanPublish,
		CanSubscribe: cfg.MediaConf.CanSubscribe,
	}
	deps := impl.Dependencies{
		InstanceID:   cfg.ID,
		Mode:         cfg.MatchConf.Mode,
		Topics:       cfg.MatchConf.GroupSizes(),
		StoreTimeout: cfg.MatchConf.StoreTimeout(),
	}
	c := &MarchContainer{NodeID: cfg.ID, Mode: cfg.MatchConf.Mode, Provider: provider}

	if cfg.MatchConf.Mode == config.ModeLocal {
		queue := memory.NewMarchQueue()
		presence := memory.NewPresenceStore(cfg.MatchConf.PresenceLease())
		rooms := memory.NewRoomStore()
		deps.Queue, deps.Presence, deps.Rooms = queue, presence, rooms
		deps.Provisioner = march.NewProvisioner(rooms, queue, presence, provider, opts)
		c.MatchService = impl.NewLocalMatchService(deps, cfg.MatchConf.LockWait())
		log.Info("march 以单进程模式启动，不允许部署多个实例")
		return c, nil
	}

	// 装配到一半失败时释放已经建立的连接
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.BaseContainer = NewBase(cfg.DatabaseConf)
	queue := realtime.NewRedisMarchQueueRepository(c.redis)
	presence := realtime.NewRedisPresenceRepository(c.redis, cfg.MatchConf.PresenceLease())
	rooms := persistence.NewMongoRoomRepository(c.mongo)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = rooms.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("创建房间索引失败: %w", err)
	}

	c.Registry = discovery.NewRegistry()
	if err = c.Registry.Register(cfg.EtcdConf, cfg.ID); err != nil {
		return nil, fmt.Errorf("march 注册 etcd 失败: %w", err)
	}

	readChan := make(chan []byte, relayBufferSize)
	cli := node.NewNatsClient(transfer.RelaySubject, readChan)
	if err = cli.Run(cfg.NatsConfig.URL); err != nil {
		return nil, fmt.Errorf("nats 启动失败: %w", err)
	}
	c.relay = node.NewRelay(cfg.ID, cli, readChan)

	deps.Queue, deps.Presence, deps.Rooms = queue, presence, rooms
	deps.Provisioner = march.NewProvisioner(rooms, queue, presence, provider, opts)
	deps.Instances = c.Registry
	c.MatchService = impl.NewMatchService(deps, c.relay)
	c.relay.Start()
	return c, nil
}

// Close 关闭容器资源，可以重复调用
func (c *MarchContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs error
	if c.relay != nil {
		errs = multierr.Append(errs, c.relay.Close())
	}
	if c.Registry != nil {
		c.Registry.Close()
	}
	if c.BaseContainer != nil {
		errs = multierr.Append(errs, c.BaseContainer.Close())
	}
	if errs != nil {
		log.Error("关闭 march 容器时发生错误: %v", errs)
		return errs
	}
	log.Info("MarchContainer 已关闭")
	return nil
}
