package impl

import (
	"context"

	"studyroom/core/domain/vo"
	"studyroom/core/infrastructure/message/node"
	"studyroom/runtime/march/application/service"
)

// MatchServiceImpl 分布式实现：共享 redis 队列与在线状态，跨实例通知经 nats relay
// 队列的原子性由 redis 脚本保证，实例之间不需要额外的锁
type MatchServiceImpl struct {
	*coordinator
}

var _ service.MatchService = (*MatchServiceImpl)(nil)

func NewMatchService(deps Dependencies, relay *node.Relay) *MatchServiceImpl {
	c := newCoordinator(deps, nil, noHooks{})
	c.notifier = newRelayNotifier(deps.InstanceID, deps.Presence, relay, c.storeTimeout)
	return &MatchServiceImpl{coordinator: c}
}

func (s *MatchServiceImpl) Connect(ctx context.Context, userID, connRef string) error {
	return s.connect(ctx, userID, connRef)
}

func (s *MatchServiceImpl) Heartbeat(ctx context.Context, userID, connRef string) (bool, error) {
	return s.heartbeat(ctx, userID, connRef)
}

func (s *MatchServiceImpl) Disconnect(ctx context.Context, userID, connRef string) error {
	return s.disconnect(ctx, userID, connRef)
}

func (s *MatchServiceImpl) Join(ctx context.Context, userID, topic string) (*service.JoinResult, error) {
	result, err := s.join(ctx, userID, topic)
	observeJoin(topic, result, err)
	return result, err
}

func (s *MatchServiceImpl) Cancel(ctx context.Context, userID string) error {
	return s.cancel(ctx, userID)
}

func (s *MatchServiceImpl) Status(ctx context.Context, userID string) (*service.StatusResult, error) {
	return s.status(ctx, userID)
}

func (s *MatchServiceImpl) Leave(ctx context.Context, roomID, userID string) error {
	return s.leave(ctx, roomID, userID, vo.LeaveVoluntary)
}

func (s *MatchServiceImpl) CloseByExternalRef(ctx context.Context, externalRef string) error {
	return s.closeByExternalRef(ctx, externalRef)
}

func (s *MatchServiceImpl) Stats(ctx context.Context) (*service.StatsResult, error) {
	return s.stats(ctx)
}
