package impl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studyroom/common/log"
	"studyroom/core/domain/vo"
	"studyroom/runtime/march/application/service"
)

const defaultLockWait = 2 * time.Second

type localState struct {
	state  vo.MatchState
	topic  string
	roomID string
}

// stateTable 显式的用户状态表，只有一个进程时作为状态的唯一来源
type stateTable struct {
	mu    sync.Mutex
	users map[string]localState
}

func (t *stateTable) get(userID string) localState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.users[userID]; ok {
		return s
	}
	return localState{state: vo.StateIdle}
}

func (t *stateTable) waiting(userID, topic string) {
	t.mu.Lock()
	t.users[userID] = localState{state: vo.StateWaiting, topic: topic}
	t.mu.Unlock()
}

func (t *stateTable) inRoom(userIDs []string, roomID string) {
	t.mu.Lock()
	for _, id := range userIDs {
		t.users[id] = localState{state: vo.StateInRoom, roomID: roomID}
	}
	t.mu.Unlock()
}

func (t *stateTable) idle(userIDs ...string) {
	t.mu.Lock()
	for _, id := range userIDs {
		delete(t.users, id)
	}
	t.mu.Unlock()
}

// LocalMatchService 单进程实现：进程内队列，话题级临界区保证同一话题的匹配串行
type LocalMatchService struct {
	*coordinator
	table *stateTable
	locks *topicLocks
}

var _ service.MatchService = (*LocalMatchService)(nil)

func NewLocalMatchService(deps Dependencies, lockWait time.Duration) *LocalMatchService {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	table := &stateTable{users: make(map[string]localState)}
	c := newCoordinator(deps, &localNotifier{}, table)
	return &LocalMatchService{
		coordinator: c,
		table:       table,
		locks:       newTopicLocks(lockWait),
	}
}

func (s *LocalMatchService) Connect(ctx context.Context, userID, connRef string) error {
	return s.connect(ctx, userID, connRef)
}

func (s *LocalMatchService) Heartbeat(ctx context.Context, userID, connRef string) (bool, error) {
	return s.heartbeat(ctx, userID, connRef)
}

func (s *LocalMatchService) Disconnect(ctx context.Context, userID, connRef string) error {
	st := s.table.get(userID)
	if st.state == vo.StateWaiting {
		release, err := s.locks.acquire(ctx, st.topic)
		if err != nil {
			return err
		}
		defer release()
	}
	return s.disconnect(ctx, userID, connRef)
}

func (s *LocalMatchService) Join(ctx context.Context, userID, topic string) (*service.JoinResult, error) {
	result, err := s.lockedJoin(ctx, userID, topic)
	observeJoin(topic, result, err)
	return result, err
}

func (s *LocalMatchService) lockedJoin(ctx context.Context, userID, topic string) (*service.JoinResult, error) {
	if _, ok := s.topics.GroupSize(topic); !ok {
		return nil, fmt.Errorf("%w: %s", service.ErrUnknownTopic, topic)
	}
	switch st := s.table.get(userID); st.state {
	case vo.StateWaiting:
		return nil, fmt.Errorf("%w: 用户 %s 已在话题 %s 等待", service.ErrConflict, userID, st.topic)
	case vo.StateInRoom:
		return nil, fmt.Errorf("%w: 用户 %s 已在房间 %s 中", service.ErrConflict, userID, st.roomID)
	}

	release, err := s.locks.acquire(ctx, topic)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.join(ctx, userID, topic)
}

func (s *LocalMatchService) Cancel(ctx context.Context, userID string) error {
	st := s.table.get(userID)
	if st.state != vo.StateWaiting {
		return fmt.Errorf("%w: 用户 %s 不在等待中", service.ErrConflict, userID)
	}
	release, err := s.locks.acquire(ctx, st.topic)
	if err != nil {
		return err
	}
	defer release()
	return s.cancel(ctx, userID)
}

// Status 直接读状态表，房间中的用户仍需查询房间以签发令牌
func (s *LocalMatchService) Status(ctx context.Context, userID string) (*service.StatusResult, error) {
	st := s.table.get(userID)
	switch st.state {
	case vo.StateWaiting:
		return &service.StatusResult{State: vo.StateWaiting, Topic: st.topic}, nil
	case vo.StateInRoom:
		result, err := s.status(ctx, userID)
		if err != nil {
			return nil, err
		}
		if result.State != vo.StateInRoom {
			log.Warn("状态表与房间存储不一致 user=%s room=%s", userID, st.roomID)
		}
		return result, nil
	default:
		return &service.StatusResult{State: vo.StateIdle}, nil
	}
}

func (s *LocalMatchService) Leave(ctx context.Context, roomID, userID string) error {
	return s.leave(ctx, roomID, userID, vo.LeaveVoluntary)
}

func (s *LocalMatchService) CloseByExternalRef(ctx context.Context, externalRef string) error {
	return s.closeByExternalRef(ctx, externalRef)
}

func (s *LocalMatchService) Stats(ctx context.Context) (*service.StatsResult, error) {
	return s.stats(ctx)
}

// State 状态表快照，仅用于诊断
func (s *LocalMatchService) State(userID string) vo.MatchState {
	return s.table.get(userID).state
}
