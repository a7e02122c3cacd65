package memory

import (
	"context"
	"sync"
	"time"

	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
)

// PresenceStore 进程内在线状态，过期记录在读取时清理
type PresenceStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]entity.UserPresence
	now     func() time.Time
}

func NewPresenceStore(ttl time.Duration) *PresenceStore {
	return &PresenceStore{
		ttl:     ttl,
		records: make(map[string]entity.UserPresence),
		now:     time.Now,
	}
}

func (s *PresenceStore) Register(_ context.Context, presence *entity.UserPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	presence.Expiry = s.now().Add(s.ttl)
	s.records[presence.UserID] = *presence
	return nil
}

func (s *PresenceStore) Refresh(_ context.Context, userID, connRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live(userID)
	if !ok || p.ConnRef != connRef {
		return false, nil
	}
	p.Expiry = s.now().Add(s.ttl)
	s.records[userID] = p
	return true, nil
}

func (s *PresenceStore) Unregister(_ context.Context, userID, connRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[userID]
	if !ok {
		return nil
	}
	if connRef != "" && p.ConnRef != connRef {
		return nil
	}
	delete(s.records, userID)
	return nil
}

func (s *PresenceStore) Lookup(_ context.Context, userID string) (*entity.UserPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live(userID)
	if !ok {
		return nil, repository.ErrPresenceNotFound
	}
	return &p, nil
}

func (s *PresenceStore) CountOnline(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for userID := range s.records {
		if _, ok := s.live(userID); ok {
			n++
		}
	}
	return n, nil
}

// live 调用方持有锁
func (s *PresenceStore) live(userID string) (entity.UserPresence, bool) {
	p, ok := s.records[userID]
	if !ok {
		return p, false
	}
	if p.Expired(s.now()) {
		delete(s.records, userID)
		return p, false
	}
	return p, true
}
