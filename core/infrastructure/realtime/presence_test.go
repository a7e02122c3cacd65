package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"

	"github.com/stretchr/testify/require"
)

func TestRedisPresence_RegisterLookupUnregister(t *testing.T) {
	_, rm := newTestRedis(t)
	repo := NewRedisPresenceRepository(rm, time.Minute)
	ctx := context.Background()

	_, err := repo.Lookup(ctx, "u1")
	if !errors.Is(err, repository.ErrPresenceNotFound) {
		t.Fatalf("期望 ErrPresenceNotFound，实际 %v", err)
	}

	require.NoError(t, repo.Register(ctx, &entity.UserPresence{UserID: "u1", ConnRef: "c1", InstanceID: "node-1"}))
	p, err := repo.Lookup(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "c1", p.ConnRef)
	require.Equal(t, "node-1", p.InstanceID)
	require.True(t, p.Expiry.After(time.Now()))

	n, err := repo.CountOnline(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, repo.Unregister(ctx, "u1", "c1"))
	_, err = repo.Lookup(ctx, "u1")
	require.ErrorIs(t, err, repository.ErrPresenceNotFound)

	n, err = repo.CountOnline(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRedisPresence_StaleDisconnectKeepsNewerConnection(t *testing.T) {
	_, rm := newTestRedis(t)
	repo := NewRedisPresenceRepository(rm, time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &entity.UserPresence{UserID: "u1", ConnRef: "old", InstanceID: "node-1"}))
	require.NoError(t, repo.Register(ctx, &entity.UserPresence{UserID: "u1", ConnRef: "new", InstanceID: "node-2"}))

	require.NoError(t, repo.Unregister(ctx, "u1", "old"))
	p, err := repo.Lookup(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "new", p.ConnRef)
	require.Equal(t, "node-2", p.InstanceID)

	ok, err := repo.Refresh(ctx, "u1", "old")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.Refresh(ctx, "u1", "new")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisPresence_LeaseExpires(t *testing.T) {
	mr, rm := newTestRedis(t)
	repo := NewRedisPresenceRepository(rm, time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &entity.UserPresence{UserID: "u1", ConnRef: "c1", InstanceID: "node-1"}))
	mr.FastForward(2 * time.Minute)

	_, err := repo.Lookup(ctx, "u1")
	require.ErrorIs(t, err, repository.ErrPresenceNotFound)
}

func TestRedisPresence_UnreachableStoreIsNotAbsent(t *testing.T) {
	mr, rm := newTestRedis(t)
	repo := NewRedisPresenceRepository(rm, time.Minute)
	mr.Close()

	_, err := repo.Lookup(context.Background(), "u1")
	require.Error(t, err)
	require.False(t, errors.Is(err, repository.ErrPresenceNotFound))
}
