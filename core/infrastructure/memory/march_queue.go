package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
)

type userClaim struct {
	owner  string
	expiry time.Time
}

type pendingBatch struct {
	batch *entity.MatchBatch
	taken bool
}

// MarchQueue 进程内匹配队列，仅用于单实例部署
type MarchQueue struct {
	mu       sync.Mutex
	queues   map[string][]*entity.QueueEntry
	waiting  map[string]string // userID -> topic
	matching map[string]string // userID -> batchID
	batches  map[string]*pendingBatch
	claims   map[string]userClaim
}

func NewMarchQueue() *MarchQueue {
	return &MarchQueue{
		queues:   make(map[string][]*entity.QueueEntry),
		waiting:  make(map[string]string),
		matching: make(map[string]string),
		batches:  make(map[string]*pendingBatch),
		claims:   make(map[string]userClaim),
	}
}

func (q *MarchQueue) ClaimUser(_ context.Context, userID, owner string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if c, ok := q.claims[userID]; ok && now.Before(c.expiry) {
		return repository.ErrUserClaimed
	}
	q.claims[userID] = userClaim{owner: owner, expiry: now.Add(ttl)}
	return nil
}

func (q *MarchQueue) ReleaseUser(_ context.Context, userID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.claims[userID]; ok && c.owner == owner {
		delete(q.claims, userID)
	}
	return nil
}

func (q *MarchQueue) Enqueue(_ context.Context, topic string, entry *entity.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.busy(entry.UserID) {
		return repository.ErrPlayerAlreadyInQueue
	}
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = time.Now()
	}
	e := *entry
	q.queues[topic] = append(q.queues[topic], &e)
	q.waiting[entry.UserID] = topic
	return nil
}

func (q *MarchQueue) busy(userID string) bool {
	if _, ok := q.waiting[userID]; ok {
		return true
	}
	_, ok := q.matching[userID]
	return ok
}

func (q *MarchQueue) Remove(_ context.Context, topic, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.waiting[userID] != topic {
		return false, nil
	}
	queue := q.queues[topic]
	for i, e := range queue {
		if e.UserID == userID {
			q.queues[topic] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	delete(q.waiting, userID)
	return true, nil
}

func (q *MarchQueue) TryMatch(_ context.Context, topic string, groupSize int, batchID string) (*entity.MatchBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[topic]
	if groupSize <= 0 || len(queue) < groupSize {
		return nil, nil
	}
	group := make([]*entity.QueueEntry, groupSize)
	copy(group, queue[:groupSize])
	q.queues[topic] = append([]*entity.QueueEntry(nil), queue[groupSize:]...)
	for _, e := range group {
		delete(q.waiting, e.UserID)
		q.matching[e.UserID] = batchID
	}

	batch := &entity.MatchBatch{ID: batchID, Topic: topic, Entries: group, CreatedAt: time.Now()}
	q.batches[batchID] = &pendingBatch{batch: batch}
	return copyBatch(batch), nil
}

func (q *MarchQueue) TakeBatch(_ context.Context, batchID string) (*entity.MatchBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pb, ok := q.batches[batchID]
	if !ok || pb.taken {
		return nil, repository.ErrBatchNotFound
	}
	pb.taken = true
	return copyBatch(pb.batch), nil
}

func (q *MarchQueue) TakeStaleBatches(_ context.Context, before time.Time, limit int) ([]*entity.MatchBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stale []*pendingBatch
	for _, pb := range q.batches {
		if !pb.taken && !pb.batch.CreatedAt.After(before) {
			stale = append(stale, pb)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].batch.CreatedAt.Before(stale[j].batch.CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}

	batches := make([]*entity.MatchBatch, 0, len(stale))
	for _, pb := range stale {
		pb.taken = true
		batches = append(batches, copyBatch(pb.batch))
	}
	return batches, nil
}

func (q *MarchQueue) AckBatch(_ context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pb, ok := q.batches[batchID]
	if !ok {
		return nil
	}
	for _, e := range pb.batch.Entries {
		if q.matching[e.UserID] == batchID {
			delete(q.matching, e.UserID)
		}
	}
	delete(q.batches, batchID)
	return nil
}

func (q *MarchQueue) Requeue(_ context.Context, topic string, entries []*entity.QueueEntry) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head := make([]*entity.QueueEntry, 0, len(entries))
	requeued := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, ok := q.waiting[entry.UserID]; ok {
			continue
		}
		e := *entry
		head = append(head, &e)
		q.waiting[entry.UserID] = topic
		requeued = append(requeued, entry.UserID)
	}
	q.queues[topic] = append(head, q.queues[topic]...)
	return requeued, nil
}

func (q *MarchQueue) Length(_ context.Context, topic string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[topic])), nil
}

func (q *MarchQueue) WaitingTopic(_ context.Context, userID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if topic, ok := q.waiting[userID]; ok {
		return topic, nil
	}
	if batchID, ok := q.matching[userID]; ok {
		if pb, ok := q.batches[batchID]; ok {
			return pb.batch.Topic, nil
		}
	}
	return "", repository.ErrPlayerNotInQueue
}

func copyBatch(b *entity.MatchBatch) *entity.MatchBatch {
	entries := make([]*entity.QueueEntry, 0, len(b.Entries))
	for _, e := range b.Entries {
		c := *e
		entries = append(entries, &c)
	}
	return &entity.MatchBatch{ID: b.ID, Topic: b.Topic, Entries: entries, CreatedAt: b.CreatedAt}
}
