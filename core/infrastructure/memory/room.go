package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
	"studyroom/core/domain/vo"
)

// RoomStore 进程内房间仓储，所有读取返回副本
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*entity.Room
}

func NewRoomStore() *RoomStore {
	return &RoomStore{rooms: make(map[string]*entity.Room)}
}

func (s *RoomStore) CreateRoomWithMembers(_ context.Context, room *entity.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return fmt.Errorf("房间 %s 已存在", room.ID)
	}
	s.rooms[room.ID] = room.Clone()
	return nil
}

func (s *RoomStore) FindRoom(_ context.Context, roomID string) (*entity.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	return room.Clone(), nil
}

func (s *RoomStore) FindRoomByExternalRef(_ context.Context, externalRef string) (*entity.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.rooms {
		if room.ExternalRoomRef == externalRef {
			return room.Clone(), nil
		}
	}
	return nil, repository.ErrRoomNotFound
}

func (s *RoomStore) FindActiveMembershipForUser(_ context.Context, userID string) (*entity.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.rooms {
		if room.IsActiveMember(userID) {
			return room.Clone(), nil
		}
	}
	return nil, repository.ErrMembershipNotFound
}

func (s *RoomStore) UpdateMembershipStatus(_ context.Context, roomID, userID string, status vo.MemberStatus) (*entity.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	member, ok := room.Member(userID)
	if !ok {
		return nil, repository.ErrMembershipNotFound
	}
	// 只有 JOINED 的成员可以离开，重复离开视为不在房间中
	if status == vo.MemberLeft && member.Status != vo.MemberJoined {
		return nil, repository.ErrMembershipNotFound
	}
	member.Status = status
	if status == vo.MemberLeft {
		now := time.Now()
		member.LeftAt = &now
	} else {
		member.LeftAt = nil
	}
	return room.Clone(), nil
}

func (s *RoomStore) CountActiveMembers(_ context.Context, roomID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return 0, repository.ErrRoomNotFound
	}
	return len(room.ActiveMemberIDs()), nil
}

func (s *RoomStore) ActivateRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return repository.ErrRoomNotFound
	}
	if room.Status == vo.RoomWaiting {
		room.Status = vo.RoomActive
	}
	return nil
}

func (s *RoomStore) CloseRoom(_ context.Context, roomID string, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false, repository.ErrRoomNotFound
	}
	if room.IsClosed() {
		return false, nil
	}
	room.Status = vo.RoomClosed
	room.EndedAt = &endedAt
	return true, nil
}

func (s *RoomStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *RoomStore) CountActiveRoomsByTopic(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64)
	for _, room := range s.rooms {
		if !room.IsClosed() {
			counts[room.Topic]++
		}
	}
	return counts, nil
}
