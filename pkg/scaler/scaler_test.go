package scaler

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/types"
)

func TestMain(m *testing.M) {
	_ = log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeBacklogs struct {
	mu    sync.Mutex
	snaps map[string]types.BacklogSnapshot
	errs  map[string]error
}

func newFakeBacklogs() *fakeBacklogs {
	return &fakeBacklogs{
		snaps: make(map[string]types.BacklogSnapshot),
		errs:  make(map[string]error),
	}
}

func (f *fakeBacklogs) set(role string, pending, lag int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[role] = types.BacklogSnapshot{Pending: pending, Lag: lag}
}

func (f *fakeBacklogs) Backlog(ctx context.Context, role string) (types.BacklogSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[role]; err != nil {
		return types.BacklogSnapshot{}, err
	}
	return f.snaps[role], nil
}

type fakePool struct {
	mu      sync.Mutex
	procs   map[string][]*types.AgentProcess
	spawned []string
	stopped []string
	seq     int
}

func newFakePool() *fakePool {
	return &fakePool{procs: make(map[string][]*types.AgentProcess)}
}

func (f *fakePool) fill(role string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.seq++
		f.procs[role] = append(f.procs[role], &types.AgentProcess{
			Role:       role,
			InstanceID: fmt.Sprintf("%s-%d", role, f.seq),
			PID:        10000 + f.seq,
		})
	}
}

func (f *fakePool) Spawn(role, instanceID string) (*types.AgentProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s-%d", role, f.seq)
	}
	proc := &types.AgentProcess{Role: role, InstanceID: instanceID, PID: 10000 + f.seq}
	f.procs[role] = append(f.procs[role], proc)
	f.spawned = append(f.spawned, instanceID)
	return proc, nil
}

func (f *fakePool) Stop(instanceID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, instanceID)
	for role, list := range f.procs {
		for i, p := range list {
			if p.InstanceID == instanceID {
				f.procs[role] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (f *fakePool) ByRole(role string) []*types.AgentProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.AgentProcess, len(f.procs[role]))
	copy(out, f.procs[role])
	return out
}

func (f *fakePool) CountByRole(role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs[role])
}

func newTestScaler(t *testing.T, fb *fakeBacklogs, fp *fakePool, policies ...types.ScalingPolicy) *Scaler {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	pmap := make(map[string]types.ScalingPolicy)
	for _, p := range policies {
		pmap[p.Role] = p
	}
	return New(Config{}, fb, fp, broker, pmap)
}

func TestScaleUpProportional(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp, types.ScalingPolicy{
		Role: "senior-dev", MinInstances: 1, MaxInstances: 10,
		ScaleUpThreshold: 2, ScaleDownDelay: time.Minute,
	})

	fp.fill("senior-dev", 1)
	fb.set("senior-dev", 0, 5)

	s.Tick(context.Background())

	// ceil(5/2) = 3 new instances on top of the existing one.
	assert.Len(t, fp.spawned, 3)
	assert.Equal(t, 4, fp.CountByRole("senior-dev"))
}

func TestScaleUpClampedToMax(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp, types.ScalingPolicy{
		Role: "senior-dev", MinInstances: 1, MaxInstances: 10,
		ScaleUpThreshold: 2, ScaleDownDelay: time.Minute,
	})

	fp.fill("senior-dev", 8)
	fb.set("senior-dev", 100, 900)

	s.Tick(context.Background())

	assert.Len(t, fp.spawned, 2, "only the remaining headroom may be spawned")
	assert.Equal(t, 10, fp.CountByRole("senior-dev"))
}

func TestNoScaleUpAtMax(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp, types.ScalingPolicy{
		Role: "senior-dev", MinInstances: 1, MaxInstances: 10,
		ScaleUpThreshold: 2, ScaleDownDelay: time.Minute,
	})

	fp.fill("senior-dev", 10)
	fb.set("senior-dev", 0, 1000)

	s.Tick(context.Background())
	assert.Empty(t, fp.spawned)
}

func TestNoScaleUpAtOrBelowThreshold(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp, types.ScalingPolicy{
		Role: "senior-dev", MinInstances: 1, MaxInstances: 10,
		ScaleUpThreshold: 5, ScaleDownDelay: time.Minute,
	})

	fp.fill("senior-dev", 1)
	fb.set("senior-dev", 2, 3) // total == threshold, not above

	s.Tick(context.Background())
	assert.Empty(t, fp.spawned)
}

func TestColdStartBelowThreshold(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp, types.ScalingPolicy{
		Role: "ci-agent", MinInstances: 0, MaxInstances: 5,
		ScaleUpThreshold: 10, ScaleDownDelay: time.Minute,
	})

	// A single entry must wake a scaled-to-zero role even though it is far
	// below the threshold.
	fb.set("ci-agent", 0, 1)

	s.Tick(context.Background())
	assert.Len(t, fp.spawned, 1)
}

func TestScaleDownAfterDelay(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp, types.ScalingPolicy{
		Role: "senior-dev", MinInstances: 1, MaxInstances: 10,
		ScaleUpThreshold: 2, ScaleDownDelay: time.Minute,
	})

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fp.fill("senior-dev", 3)
	fb.set("senior-dev", 0, 0)

	// First idle observation starts the timers, stops nothing.
	s.Tick(context.Background())
	assert.Empty(t, fp.stopped)

	// Still within the delay.
	now = now.Add(30 * time.Second)
	s.Tick(context.Background())
	assert.Empty(t, fp.stopped)

	// Past the delay: retire down to the minimum, not below.
	now = now.Add(45 * time.Second)
	s.Tick(context.Background())
	assert.Len(t, fp.stopped, 2)
	assert.Equal(t, 1, fp.CountByRole("senior-dev"))

	// Idle forever, but the minimum holds.
	now = now.Add(time.Hour)
	s.Tick(context.Background())
	assert.Len(t, fp.stopped, 2)
}

func TestDemandResetsIdleTimers(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp, types.ScalingPolicy{
		Role: "senior-dev", MinInstances: 1, MaxInstances: 10,
		ScaleUpThreshold: 100, ScaleDownDelay: time.Minute,
	})

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fp.fill("senior-dev", 2)
	fb.set("senior-dev", 0, 0)
	s.Tick(context.Background())

	// Demand arrives before the delay elapses: timers are cleared.
	now = now.Add(45 * time.Second)
	fb.set("senior-dev", 1, 0)
	s.Tick(context.Background())

	// Idle again; the delay restarts from scratch.
	now = now.Add(30 * time.Second)
	fb.set("senior-dev", 0, 0)
	s.Tick(context.Background())
	assert.Empty(t, fp.stopped)

	now = now.Add(61 * time.Second)
	s.Tick(context.Background())
	assert.Len(t, fp.stopped, 1)
	assert.Equal(t, 1, fp.CountByRole("senior-dev"))
}

func TestBacklogErrorSkipsOnlyThatRole(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp,
		types.ScalingPolicy{Role: "pm", MinInstances: 0, MaxInstances: 5, ScaleUpThreshold: 1, ScaleDownDelay: time.Minute},
		types.ScalingPolicy{Role: "architect", MinInstances: 0, MaxInstances: 5, ScaleUpThreshold: 1, ScaleDownDelay: time.Minute},
	)

	fb.errs["pm"] = fmt.Errorf("connection refused")
	fb.set("architect", 0, 3)

	s.Tick(context.Background())

	require.NotEmpty(t, fp.spawned)
	for _, id := range fp.spawned {
		assert.Contains(t, id, "architect")
	}
}

func TestIdleTimerPrunedForSelfExitedInstance(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp, types.ScalingPolicy{
		Role: "senior-dev", MinInstances: 0, MaxInstances: 10,
		ScaleUpThreshold: 2, ScaleDownDelay: time.Minute,
	})

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fp.fill("senior-dev", 1)
	fb.set("senior-dev", 0, 0)
	s.Tick(context.Background())
	require.Len(t, s.idleSince, 1)

	// The instance exits on its own; its timer must not leak.
	fp.mu.Lock()
	fp.procs["senior-dev"] = nil
	fp.mu.Unlock()

	s.Tick(context.Background())
	assert.Empty(t, s.idleSince)
}

func TestStatus(t *testing.T) {
	fb := newFakeBacklogs()
	fp := newFakePool()
	s := newTestScaler(t, fb, fp,
		types.ScalingPolicy{Role: "pm", MinInstances: 1, MaxInstances: 3, ScaleUpThreshold: 5, ScaleDownDelay: time.Minute},
		types.ScalingPolicy{Role: "ci-agent", MinInstances: 0, MaxInstances: 4, ScaleUpThreshold: 3, ScaleDownDelay: time.Minute},
	)

	fp.fill("pm", 2)

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, RoleStatus{Current: 2, Min: 1, Max: 3}, status["pm"])
	assert.Equal(t, RoleStatus{Current: 0, Min: 0, Max: 4}, status["ci-agent"])
}
