package node

import (
	"context"
	"sync"

	"studyroom/common/log"
	"studyroom/common/metrics"
	"studyroom/core/infrastructure/message/transfer"
)

// Handler 处理投递到本实例的事件，可能涉及 IO
type Handler func(env *transfer.Envelope, event transfer.Event)

// Relay 跨实例事件中继
// 所有实例订阅同一个广播频道，按 TargetInstance 过滤，诊断事件所有实例都处理
// 至多一次投递：不确认、不重试，目标实例宕机时事件丢失
type Relay struct {
	instanceID string
	cli        Client
	readChan   chan []byte

	mu       sync.RWMutex
	handlers map[transfer.Kind]Handler

	closeCh  chan struct{}
	doneCh   chan struct{}
	inflight sync.WaitGroup
}

func NewRelay(instanceID string, cli Client, readChan chan []byte) *Relay {
	return &Relay{
		instanceID: instanceID,
		cli:        cli,
		readChan:   readChan,
		handlers:   make(map[transfer.Kind]Handler),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (r *Relay) InstanceID() string {
	return r.instanceID
}

// On 注册本地处理器，同一 kind 后注册的覆盖先注册的
func (r *Relay) On(kind transfer.Kind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Start 启动读循环，每个实例只调用一次
func (r *Relay) Start() {
	go r.readLoop()
}

func (r *Relay) Publish(_ context.Context, event transfer.Event, targetInstance, targetUser string) error {
	data, err := transfer.Encode(event, r.instanceID, targetInstance, targetUser)
	if err != nil {
		return err
	}
	if err := r.cli.SendMessage(transfer.RelaySubject, data); err != nil {
		log.Error("relay 发送失败 kind=%s target=%s: %v", event.Kind(), targetInstance, err)
		return err
	}
	metrics.RelayEvents.WithLabelValues(string(event.Kind()), "out").Inc()
	return nil
}

func (r *Relay) readLoop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.closeCh:
			return
		case raw := <-r.readChan:
			r.dispatch(raw)
		}
	}
}

func (r *Relay) dispatch(raw []byte) {
	env, event, err := transfer.Decode(raw)
	if err != nil {
		log.Warn("relay 事件解析失败: %v", err)
		return
	}
	if env.TargetInstance != r.instanceID && !transfer.IsDiagnostic(env.Kind) {
		return
	}

	r.mu.RLock()
	handler := r.handlers[env.Kind]
	r.mu.RUnlock()
	if handler == nil {
		log.Debug("relay 没有处理器 kind=%s", env.Kind)
		return
	}

	metrics.RelayEvents.WithLabelValues(string(env.Kind), "in").Inc()
	// 处理器可能涉及 IO 操作，新开一个协程去处理
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		handler(env, event)
	}()
}

// Close 停止读循环并等待正在执行的处理器
func (r *Relay) Close() error {
	select {
	case <-r.closeCh:
		return nil
	default:
		close(r.closeCh)
	}
	<-r.doneCh
	r.inflight.Wait()
	if r.cli != nil {
		return r.cli.Close()
	}
	return nil
}
