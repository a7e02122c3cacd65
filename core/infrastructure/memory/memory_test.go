package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
	"studyroom/core/domain/vo"

	"github.com/stretchr/testify/require"
)

func ids(entries []*entity.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.UserID)
	}
	return out
}

func TestMarchQueue_MatchRemoveRequeue(t *testing.T) {
	q := NewMarchQueue()
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, q.Enqueue(ctx, "math", &entity.QueueEntry{UserID: id}))
	}
	if err := q.Enqueue(ctx, "coding", &entity.QueueEntry{UserID: "u1"}); !errors.Is(err, repository.ErrPlayerAlreadyInQueue) {
		t.Fatalf("重复入队应失败，实际 %v", err)
	}

	batch, err := q.TryMatch(ctx, "math", 4, "b0")
	require.NoError(t, err)
	require.Nil(t, batch)

	batch, err = q.TryMatch(ctx, "math", 2, "b1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, ids(batch.Entries))

	// 成团之前仍算作在等待，不能再加入其他话题
	topic, err := q.WaitingTopic(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "math", topic)
	require.ErrorIs(t, q.Enqueue(ctx, "coding", &entity.QueueEntry{UserID: "u1"}), repository.ErrPlayerAlreadyInQueue)

	removed, err := q.Remove(ctx, "math", "u3")
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, q.Enqueue(ctx, "math", &entity.QueueEntry{UserID: "u4"}))
	requeued, err := q.Requeue(ctx, "math", batch.Entries)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, requeued)
	require.NoError(t, q.AckBatch(ctx, "b1"))

	batch, err = q.TryMatch(ctx, "math", 3, "b2")
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2", "u4"}, ids(batch.Entries))
	require.NoError(t, q.AckBatch(ctx, "b2"))

	_, err = q.WaitingTopic(ctx, "u1")
	require.ErrorIs(t, err, repository.ErrPlayerNotInQueue)
}

func TestMarchQueue_ClaimUser(t *testing.T) {
	q := NewMarchQueue()
	ctx := context.Background()

	require.NoError(t, q.ClaimUser(ctx, "u1", "req-a", time.Minute))
	if err := q.ClaimUser(ctx, "u1", "req-b", time.Minute); !errors.Is(err, repository.ErrUserClaimed) {
		t.Fatalf("用户已被占用时应失败，实际 %v", err)
	}

	// 只有持有者能释放
	require.NoError(t, q.ReleaseUser(ctx, "u1", "req-b"))
	require.ErrorIs(t, q.ClaimUser(ctx, "u1", "req-b", time.Minute), repository.ErrUserClaimed)
	require.NoError(t, q.ReleaseUser(ctx, "u1", "req-a"))
	require.NoError(t, q.ClaimUser(ctx, "u1", "req-b", time.Minute))

	// 超时的占用可以被接管
	require.NoError(t, q.ClaimUser(ctx, "u2", "req-a", -time.Second))
	require.NoError(t, q.ClaimUser(ctx, "u2", "req-b", time.Minute))
}

func TestMarchQueue_TakeStaleBatches(t *testing.T) {
	q := NewMarchQueue()
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		require.NoError(t, q.Enqueue(ctx, "math", &entity.QueueEntry{UserID: id}))
	}
	_, err := q.TryMatch(ctx, "math", 2, "b1")
	require.NoError(t, err)
	_, err = q.TryMatch(ctx, "math", 2, "b2")
	require.NoError(t, err)

	// b2 已被调用方认领，超时扫描不再返回
	taken, err := q.TakeBatch(ctx, "b2")
	require.NoError(t, err)
	require.Equal(t, []string{"u3", "u4"}, ids(taken.Entries))
	_, err = q.TakeBatch(ctx, "b2")
	require.ErrorIs(t, err, repository.ErrBatchNotFound)

	stale, err := q.TakeStaleBatches(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, stale)

	stale, err = q.TakeStaleBatches(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "b1", stale[0].ID)
	require.Equal(t, "math", stale[0].Topic)
	require.Equal(t, []string{"u1", "u2"}, ids(stale[0].Entries))

	stale, err = q.TakeStaleBatches(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestPresenceStore_ExpiryAndConnRef(t *testing.T) {
	s := NewPresenceStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, &entity.UserPresence{UserID: "u1", ConnRef: "c1", InstanceID: "local"}))
	require.NoError(t, s.Unregister(ctx, "u1", "other"))
	_, err := s.Lookup(ctx, "u1")
	require.NoError(t, err)

	ok, err := s.Refresh(ctx, "u1", "c1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, err = s.Lookup(ctx, "u1")
	require.ErrorIs(t, err, repository.ErrPresenceNotFound)

	n, err := s.CountOnline(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRoomStore_Lifecycle(t *testing.T) {
	s := NewRoomStore()
	ctx := context.Background()

	room := entity.NewMatchRoom("math", []string{"u1", "u2"})
	require.NoError(t, s.CreateRoomWithMembers(ctx, room))
	require.NoError(t, s.ActivateRoom(ctx, room.ID))

	found, err := s.FindActiveMembershipForUser(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, room.ID, found.ID)
	require.Equal(t, vo.RoomActive, found.Status)

	byRef, err := s.FindRoomByExternalRef(ctx, room.ExternalRoomRef)
	require.NoError(t, err)
	require.Equal(t, room.ID, byRef.ID)

	updated, err := s.UpdateMembershipStatus(ctx, room.ID, "u1", vo.MemberLeft)
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, updated.ActiveMemberIDs())

	// 已离开的成员再次离开不生效
	_, err = s.UpdateMembershipStatus(ctx, room.ID, "u1", vo.MemberLeft)
	require.ErrorIs(t, err, repository.ErrMembershipNotFound)

	counts, err := s.CountActiveRoomsByTopic(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts["math"])

	closed, err := s.CloseRoom(ctx, room.ID, time.Now())
	require.NoError(t, err)
	require.True(t, closed)
	closed, err = s.CloseRoom(ctx, room.ID, time.Now())
	require.NoError(t, err)
	require.False(t, closed)

	_, err = s.FindActiveMembershipForUser(ctx, "u2")
	require.ErrorIs(t, err, repository.ErrMembershipNotFound)

	// 关闭不改变成员状态，u2 仍计为未离开
	n, err := s.CountActiveMembers(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.DeleteRoom(ctx, room.ID))
	_, err = s.FindRoom(ctx, room.ID)
	require.ErrorIs(t, err, repository.ErrRoomNotFound)
}

func TestRoomStore_ConcurrentLeaveOnlyOneWins(t *testing.T) {
	s := NewRoomStore()
	ctx := context.Background()
	room := entity.NewMatchRoom("coding", []string{"u1", "u2", "u3"})
	require.NoError(t, s.CreateRoomWithMembers(ctx, room))

	const attempts = 8
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := s.UpdateMembershipStatus(ctx, room.ID, "u1", vo.MemberLeft)
			results <- err
		}()
	}
	succeeded := 0
	for i := 0; i < attempts; i++ {
		err := <-results
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, repository.ErrMembershipNotFound):
		default:
			t.Fatalf("意外错误: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
}
