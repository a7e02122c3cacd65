package impl

import (
	"context"
	"errors"
	"sync"
	"time"

	"studyroom/common/log"
	"studyroom/common/metrics"
	"studyroom/core/domain/repository"
	"studyroom/core/infrastructure/message/node"
	"studyroom/core/infrastructure/message/transfer"
)

// LocalSender 连接层，只能投递到本实例持有的连接
type LocalSender interface {
	SendToUser(userID, route string, payload any) error
}

type notifier interface {
	// Notify 投递给用户，失败只记录日志，用户可以通过 status 恢复
	Notify(ctx context.Context, userID string, event transfer.Event)
	// Broadcast 诊断事件
	Broadcast(ctx context.Context, event transfer.Event)
	Bind(sender LocalSender)
}

type senderRef struct {
	mu     sync.RWMutex
	sender LocalSender
}

func (r *senderRef) Bind(sender LocalSender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

func (r *senderRef) deliver(userID string, event transfer.Event) {
	route, ok := transfer.PushRoute(event.Kind())
	if !ok {
		return
	}
	r.mu.RLock()
	sender := r.sender
	r.mu.RUnlock()
	if sender == nil {
		log.Warn("连接层未绑定，丢弃推送 user=%s kind=%s", userID, event.Kind())
		return
	}
	if err := sender.SendToUser(userID, route, event); err != nil {
		log.Warn("推送失败 user=%s kind=%s: %v", userID, event.Kind(), err)
	}
}

// localNotifier 单进程模式，所有连接都在本实例
type localNotifier struct {
	senderRef
}

func (n *localNotifier) Notify(_ context.Context, userID string, event transfer.Event) {
	n.deliver(userID, event)
}

func (n *localNotifier) Broadcast(_ context.Context, event transfer.Event) {
	if mf, ok := event.(transfer.MatchFormed); ok {
		metrics.ClusterMatchObserved.WithLabelValues(mf.Topic).Inc()
	}
}

// relayNotifier 按在线状态路由：本实例直接推送，其他实例经 relay 转发
type relayNotifier struct {
	senderRef
	instanceID   string
	presence     repository.PresenceRepository
	relay        *node.Relay
	storeTimeout time.Duration
}

func newRelayNotifier(instanceID string, presence repository.PresenceRepository, relay *node.Relay, storeTimeout time.Duration) *relayNotifier {
	n := &relayNotifier{
		instanceID:   instanceID,
		presence:     presence,
		relay:        relay,
		storeTimeout: storeTimeout,
	}
	for _, kind := range []transfer.Kind{transfer.KindMatchFound, transfer.KindPeerLeft, transfer.KindPeerDisconnected, transfer.KindRoomClosed} {
		relay.On(kind, func(env *transfer.Envelope, event transfer.Event) {
			n.deliver(env.TargetUser, event)
		})
	}
	relay.On(transfer.KindMatchFormed, func(_ *transfer.Envelope, event transfer.Event) {
		if mf, ok := event.(transfer.MatchFormed); ok {
			metrics.ClusterMatchObserved.WithLabelValues(mf.Topic).Inc()
		}
	})
	return n
}

func (n *relayNotifier) Notify(ctx context.Context, userID string, event transfer.Event) {
	lookupCtx, cancel := context.WithTimeout(ctx, n.storeTimeout)
	p, err := n.presence.Lookup(lookupCtx, userID)
	cancel()
	if errors.Is(err, repository.ErrPresenceNotFound) {
		log.Info("用户 %s 不在线，丢弃通知 kind=%s", userID, event.Kind())
		return
	}
	if err != nil {
		log.Warn("用户 %s 在线状态未知，丢弃通知 kind=%s: %v", userID, event.Kind(), err)
		return
	}

	if p.InstanceID == n.instanceID {
		n.deliver(userID, event)
		return
	}
	if err := n.relay.Publish(ctx, event, p.InstanceID, userID); err != nil {
		log.Warn("跨实例通知失败 user=%s instance=%s: %v", userID, p.InstanceID, err)
	}
}

func (n *relayNotifier) Broadcast(ctx context.Context, event transfer.Event) {
	if err := n.relay.Publish(ctx, event, "", ""); err != nil {
		log.Debug("诊断事件发送失败 kind=%s: %v", event.Kind(), err)
	}
}
