package impl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"studyroom/core/domain/vo"
	"studyroom/core/infrastructure/message/transfer"
	"studyroom/runtime/march/application/service"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLocal_PairAndNotify(t *testing.T) {
	svc, sender, _, _ := newLocalService(t, time.Second)
	connectLocal(t, svc, "u1", "u2")
	ctx := context.Background()

	result, err := svc.Join(ctx, "u1", "math")
	require.NoError(t, err)
	require.Equal(t, service.JoinWaiting, result.Status)
	require.Equal(t, vo.StateWaiting, svc.State("u1"))

	result, err = svc.Join(ctx, "u2", "math")
	require.NoError(t, err)
	require.Equal(t, service.JoinMatched, result.Status)

	event := sender.waitFor(t, "u1", transfer.PushMatchFound)
	require.Equal(t, result.RoomID, event.(transfer.MatchFound).RoomID)
	require.Equal(t, vo.StateInRoom, svc.State("u1"))
	require.Equal(t, vo.StateInRoom, svc.State("u2"))

	status, err := svc.Status(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, vo.StateInRoom, status.State)
	require.Equal(t, result.RoomID, status.Room.ID)
}

func TestLocal_CancelAndConflicts(t *testing.T) {
	svc, _, _, _ := newLocalService(t, time.Second)
	connectLocal(t, svc, "u1")
	ctx := context.Background()

	if err := svc.Cancel(ctx, "u1"); !errors.Is(err, service.ErrConflict) {
		t.Fatalf("未等待时取消应冲突，实际 %v", err)
	}
	_, err := svc.Join(ctx, "u1", "math")
	require.NoError(t, err)
	if _, err := svc.Join(ctx, "u1", "math"); !errors.Is(err, service.ErrConflict) {
		t.Fatalf("重复加入应冲突，实际 %v", err)
	}

	require.NoError(t, svc.Cancel(ctx, "u1"))
	require.Equal(t, vo.StateIdle, svc.State("u1"))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.QueueLengths["math"])
	require.Equal(t, "local", stats.Mode)
}

func TestLocal_TopicLockTimeout(t *testing.T) {
	svc, _, _, _ := newLocalService(t, 20*time.Millisecond)
	connectLocal(t, svc, "u1")

	release, err := svc.locks.acquire(context.Background(), "math")
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = svc.Join(context.Background(), "u1", "math")
	if !errors.Is(err, service.ErrUnavailable) {
		t.Fatalf("锁等待超时应返回 ErrUnavailable，实际 %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("锁等待没有上限: %v", time.Since(start))
	}
	require.Equal(t, vo.StateIdle, svc.State("u1"))

	// 其他话题不受影响
	result, err := svc.Join(context.Background(), "u1", "coding")
	require.NoError(t, err)
	require.Equal(t, service.JoinWaiting, result.Status)
}

func TestLocal_DisconnectInRoom(t *testing.T) {
	svc, sender, rooms, provider := newLocalService(t, time.Second)
	connectLocal(t, svc, "u1", "u2")
	ctx := context.Background()

	_, err := svc.Join(ctx, "u1", "math")
	require.NoError(t, err)
	result, err := svc.Join(ctx, "u2", "math")
	require.NoError(t, err)

	require.NoError(t, svc.Disconnect(ctx, "u1", connRef("u1")))
	require.Equal(t, vo.StateIdle, svc.State("u1"))
	require.Equal(t, vo.StateIdle, svc.State("u2"))

	n, err := rooms.CountActiveMembers(ctx, result.RoomID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	sender.waitFor(t, "u2", transfer.PushPeerDisconnected)
	sender.waitFor(t, "u2", transfer.PushRoomClosed)
	require.Contains(t, provider.deletedRooms(), result.ExternalRoomRef)
}

func TestLocal_ProvisioningFailureKeepsStateConsistent(t *testing.T) {
	svc, _, _, provider := newLocalService(t, time.Second)
	connectLocal(t, svc, "u1", "u2")
	ctx := context.Background()

	_, err := svc.Join(ctx, "u1", "math")
	require.NoError(t, err)
	provider.failCreate(errMediaDown)
	_, err = svc.Join(ctx, "u2", "math")
	require.ErrorIs(t, err, service.ErrProvisioningFailure)

	// 回滚后两人都回到队列，状态表与队列一致
	for _, id := range []string{"u1", "u2"} {
		require.Equal(t, vo.StateWaiting, svc.State(id))
		status, err := svc.Status(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "math", status.Topic)
	}
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.QueueLengths["math"])
}

func TestLocal_ConcurrentJoinsStateMatchesRooms(t *testing.T) {
	svc, _, rooms, _ := newLocalService(t, 5*time.Second)
	const users = 30
	ids := make([]string, 0, users)
	for i := 0; i < users; i++ {
		ids = append(ids, fmt.Sprintf("u%02d", i))
	}
	connectLocal(t, svc, ids...)
	ctx := context.Background()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := svc.Join(ctx, id, "coding")
			return err
		})
	}
	require.NoError(t, g.Wait())

	inRoom := 0
	for _, id := range ids {
		state := svc.State(id)
		_, err := rooms.FindActiveMembershipForUser(ctx, id)
		if (state == vo.StateInRoom) != (err == nil) {
			t.Fatalf("用户 %s 状态表 %s 与房间存储不一致: %v", id, state, err)
		}
		if state == vo.StateInRoom {
			inRoom++
		}
	}
	require.Equal(t, users, inRoom)
}

// 话题锁只串行同一话题，同一用户同时加入两个话题时由用户占用拦下其中一个
func TestLocal_SameUserTwoTopicsSingleMembership(t *testing.T) {
	for run := 0; run < 50; run++ {
		svc, _, rooms, _ := newLocalService(t, time.Second)
		connectLocal(t, svc, "u1", "u2", "u3", "u4")
		ctx := context.Background()

		_, err := svc.Join(ctx, "u1", "math")
		require.NoError(t, err)
		_, err = svc.Join(ctx, "u3", "coding")
		require.NoError(t, err)
		_, err = svc.Join(ctx, "u4", "coding")
		require.NoError(t, err)

		var g errgroup.Group
		matched := make(chan string, 2)
		for _, topic := range []string{"math", "coding"} {
			g.Go(func() error {
				result, err := svc.Join(ctx, "u2", topic)
				if errors.Is(err, service.ErrConflict) {
					return nil
				}
				if err != nil {
					return err
				}
				if result.Status == service.JoinMatched {
					matched <- result.RoomID
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		close(matched)

		if n := len(matched); n != 1 {
			t.Fatalf("第 %d 轮用户进入了 %d 个房间", run, n)
		}
		counts, err := rooms.CountActiveRoomsByTopic(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, counts["math"]+counts["coding"])
		require.Equal(t, vo.StateInRoom, svc.State("u2"))
	}
}
