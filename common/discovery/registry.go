package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"studyroom/common/config"
	"studyroom/common/log"

	clientv3 "go.etcd.io/etcd/client/v3"
)

/*
etcd 实例注册器
	1.每个 march 实例以 nodeID 注册，租约过期即视为实例下线
	2.实例定时上报负载，stats 接口据此统计存活实例
	3.presence 中的 ownerInstanceId 与此处的 nodeID 一致
*/

type Registry struct {
	etcdCli     *clientv3.Client
	leaseID     clientv3.LeaseID
	DialTimeout int
	keepAliveCh <-chan *clientv3.LeaseKeepAliveResponse
	info        Server
	infoMu      sync.Mutex
	closeCh     chan struct{}
	doneCh      chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		DialTimeout: 3,
	}
}

func (r *Registry) Register(conf config.EtcdConf, nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("nodeID 不能为空，NATS 通信需要 nodeID")
	}
	if conf.DialTimeout > 0 {
		r.DialTimeout = conf.DialTimeout
	}

	r.info = Server{
		Domain:  conf.Register.Domain,
		Addr:    conf.Register.Addr,
		Weight:  conf.Register.Weight,
		Version: conf.Register.Version,
		Ttl:     conf.Register.Ttl,
		NodeID:  nodeID,
	}
	if r.info.Ttl <= 0 {
		r.info.Ttl = 10
	}

	var err error
	r.etcdCli, err = clientv3.New(clientv3.Config{
		Endpoints:   conf.Addrs,
		DialTimeout: time.Duration(r.DialTimeout) * time.Second,
	})
	if err != nil {
		return err
	}

	if err = r.doRegister(); err != nil {
		return err
	}

	r.closeCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.watch()
	return nil
}

func (r *Registry) doRegister() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.DialTimeout)*time.Second)
	defer cancel()

	lease, err := r.etcdCli.Grant(ctx, int64(r.info.Ttl))
	if err != nil {
		return err
	}
	r.leaseID = lease.ID

	if err = r.put(ctx); err != nil {
		log.Error("租约绑定失败: %v", err)
		return err
	}
	log.Info("etcd 注册信息: %s", r.info.buildKey())

	// keepAlive 使用 Background context，因为需要长期运行
	r.keepAliveCh, err = r.etcdCli.KeepAlive(context.Background(), r.leaseID)
	if err != nil {
		log.Error("租约续期失败: %v", err)
		return err
	}
	return nil
}

func (r *Registry) put(ctx context.Context) error {
	r.infoMu.Lock()
	data, err := json.Marshal(r.info)
	key := r.info.buildKey()
	r.infoMu.Unlock()
	if err != nil {
		return err
	}
	_, err = r.etcdCli.Put(ctx, key, string(data), clientv3.WithLease(r.leaseID))
	return err
}

func (r *Registry) watch() {
	// 定时器间隔为 TTL 的一半，用于兜底检查
	ticker := time.NewTicker(time.Duration(r.info.Ttl) * time.Second / 2)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case res, ok := <-r.keepAliveCh:
			if !ok || res == nil {
				log.Warn("keepAlive 连接断开，重新注册实例")
				r.keepAliveCh = nil
				if err := r.doRegister(); err != nil {
					log.Error("重新注册失败: %v", err)
				}
			}
		case <-ticker.C:
			if r.keepAliveCh == nil {
				if err := r.doRegister(); err != nil {
					log.Error("定时器重新注册失败: %v", err)
				}
			}
		case <-r.closeCh:
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.DialTimeout)*time.Second)
			if _, err := r.etcdCli.Delete(ctx, r.info.buildKey()); err != nil {
				log.Error("注销实例失败: %v", err)
			}
			if _, err := r.etcdCli.Revoke(ctx, r.leaseID); err != nil {
				log.Error("撤销租约失败: %v", err)
			}
			cancel()
			log.Info("关闭租约续期")
			return
		}
	}
}

// UpdateLoad 更新实例负载信息（不重新创建租约）
func (r *Registry) UpdateLoad(load float64) error {
	r.infoMu.Lock()
	r.info.Load = load
	r.infoMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.DialTimeout)*time.Second)
	defer cancel()
	if err := r.put(ctx); err != nil {
		log.Error("更新负载信息失败: %v", err)
		return err
	}
	return nil
}

// ListInstances 列出同一 domain 下存活的实例
func (r *Registry) ListInstances(ctx context.Context) ([]Server, error) {
	res, err := r.etcdCli.Get(ctx, r.info.Domain+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("从 etcd 获取实例列表失败: %w", err)
	}

	servers := make([]Server, 0, len(res.Kvs))
	for _, kv := range res.Kvs {
		server, err := ParseValue(kv.Value)
		if err != nil {
			log.Error("解析实例信息失败, key=%s, err=%v", string(kv.Key), err)
			continue
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func (r *Registry) Close() {
	if r.closeCh != nil {
		close(r.closeCh)
		<-r.doneCh
	}
	if r.etcdCli != nil {
		_ = r.etcdCli.Close()
	}
}
