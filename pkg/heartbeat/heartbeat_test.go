package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestBeatAndStale(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.Beat(ctx, "architect", "architect-42", 1234))
	require.NoError(t, s.Beat(ctx, "senior-dev", "senior-dev-7", 5678))

	// Nothing is stale the moment it was written.
	s.now = func() time.Time { return base.Add(10 * time.Second) }
	stale, err := s.Stale(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// One record refreshes, the other goes silent.
	require.NoError(t, s.Beat(ctx, "senior-dev", "senior-dev-7", 5678))

	s.now = func() time.Time { return base.Add(45 * time.Second) }
	stale, err = s.Stale(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "architect", stale[0].Role)
	assert.Equal(t, "architect-42", stale[0].InstanceID)
	assert.Equal(t, 1234, stale[0].PID)
	assert.Equal(t, base, stale[0].LastHeartbeat)
}

func TestBeatRefreshes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.Beat(ctx, "pm", "pm-1", 100))

	s.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, s.Beat(ctx, "pm", "pm-1", 100))

	stale, err := s.Stale(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale, "refreshed record must not be stale")
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.Beat(ctx, "architect", "architect-42", 1234))

	require.NoError(t, s.Remove(ctx, "architect", "architect-42"))

	s.now = func() time.Time { return base.Add(time.Hour) }
	stale, err := s.Stale(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Removing an absent record is fine.
	require.NoError(t, s.Remove(ctx, "architect", "architect-42"))
}

func TestStaleSkipsUnparseable(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.Beat(ctx, "pm", "pm-1", 100))
	require.NoError(t, mr.Set(keyPrefix+"pm:garbage", "not json"))

	s.now = func() time.Time { return base.Add(time.Hour) }
	stale, err := s.Stale(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "pm-1", stale[0].InstanceID)
}
