package reclaimer

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/queue"
)

func TestMain(m *testing.M) {
	_ = log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func drainEvents(sub events.Subscriber, wait time.Duration) []events.Event {
	var evs []events.Event
	deadline := time.After(wait)
	for {
		select {
		case ev := <-sub:
			evs = append(evs, ev)
		case <-deadline:
			return evs
		}
	}
}

func TestReclaimCycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	roles := []string{"senior-dev"}
	q := queue.New(client, roles, queue.Config{ClaimTimeout: time.Minute})
	ctx := context.Background()
	require.NoError(t, q.EnsureAllGroups(ctx))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	r := New(Config{}, q, broker, roles)

	// A worker claims two entries and dies without acking.
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, "senior-dev", map[string]interface{}{"task": fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}
	claimed, err := q.Consume(ctx, "senior-dev", "senior-dev-1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Too fresh to reclaim.
	r.Tick(ctx)
	snap, err := q.Backlog(ctx, "senior-dev")
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Pending)
	assert.EqualValues(t, 0, snap.Lag)

	mr.FastForward(2 * time.Minute)

	r.Tick(ctx)
	snap, err = q.Backlog(ctx, "senior-dev")
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap.Pending, "original claims must be retired")
	assert.EqualValues(t, 2, snap.Lag, "entries must be deliverable again")

	evs := drainEvents(sub, 300*time.Millisecond)
	reclaimed := 0
	for _, ev := range evs {
		if ev.Type == events.EventReclaimed {
			reclaimed++
			assert.Equal(t, "senior-dev", ev.Role)
			assert.NotEmpty(t, ev.Metadata["entry_id"])
		}
	}
	assert.Equal(t, 2, reclaimed)

	// Nothing left to reclaim on the next pass.
	mr.FastForward(2 * time.Minute)
	r.Tick(ctx)
	assert.Empty(t, drainEvents(sub, 200*time.Millisecond))

	// The requeued copies are consumable by a fresh worker.
	redelivered, err := q.Consume(ctx, "senior-dev", "senior-dev-2", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, redelivered, 2)
}

type flakyQueue struct {
	entries  map[string][]queue.Entry
	failRole string
	requeued []string
	acked    []string
}

func (f *flakyQueue) ReclaimOrphans(ctx context.Context, role string) ([]queue.Entry, error) {
	if role == f.failRole {
		return nil, fmt.Errorf("connection refused")
	}
	return f.entries[role], nil
}

func (f *flakyQueue) Requeue(ctx context.Context, role string, entry queue.Entry) error {
	f.requeued = append(f.requeued, entry.ID)
	return nil
}

func (f *flakyQueue) Ack(ctx context.Context, role, id string) error {
	f.acked = append(f.acked, id)
	return nil
}

func TestRoleFailureDoesNotBlockOthers(t *testing.T) {
	fq := &flakyQueue{
		failRole: "pm",
		entries: map[string][]queue.Entry{
			"architect": {{ID: "1-0", Values: map[string]interface{}{"task": "design"}}},
		},
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	r := New(Config{}, fq, broker, []string{"pm", "architect"})
	r.Tick(context.Background())

	assert.Equal(t, []string{"1-0"}, fq.requeued)
	assert.Equal(t, []string{"1-0"}, fq.acked)
}
