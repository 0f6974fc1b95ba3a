package monitor

import (
	"context"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/types"
)

// decayWindow is how long since the last restart attempt before the attempt
// counter resets. A transient blip should not count against a long-lived
// instance.
const decayWindow = 60 * time.Second

// restartStopGrace is the grace period given to a dead-or-wedged instance
// before it is killed during a restart.
const restartStopGrace = time.Second

// Heartbeats is the slice of the heartbeat port the monitor needs.
type Heartbeats interface {
	Stale(ctx context.Context, olderThan time.Duration) ([]types.HeartbeatRecord, error)
	Remove(ctx context.Context, role, instanceID string) error
}

// Processes is the slice of the spawner the monitor needs.
type Processes interface {
	Spawn(role, instanceID string) (*types.AgentProcess, error)
	Stop(instanceID string, timeout time.Duration) error
	Running() []*types.AgentProcess
}

// Config holds health monitor tuning.
type Config struct {
	// Interval between ticks. Default 15s.
	Interval time.Duration
	// StaleThreshold is the heartbeat age that marks an instance as
	// wedged. Default 30s.
	StaleThreshold time.Duration
	// MaxRestartAttempts bounds restarts per instance family within the
	// decay window. Default 3.
	MaxRestartAttempts int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Second
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 3
	}
}

// restartTracker counts restart attempts for one instance family. The
// tracker follows the family across replacement instance ids so consecutive
// failures accumulate toward the cap.
type restartTracker struct {
	attempts    int
	lastAttempt time.Time
	failed      bool
}

// Monitor is the health supervision loop. Two independent detectors feed one
// restart procedure: stale heartbeats catch wedged-but-alive processes, the
// OS liveness probe catches actually-dead ones the spawner has not reaped
// yet.
type Monitor struct {
	cfg        Config
	heartbeats Heartbeats
	procs      Processes
	broker     *events.Broker
	roles      map[string]bool
	logger     zerolog.Logger

	trackers map[string]*restartTracker
	stopCh   chan struct{}

	// swappable for tests
	now   func() time.Time
	alive func(pid int) bool
}

// New creates a health monitor supervising the given roles.
func New(cfg Config, heartbeats Heartbeats, procs Processes, broker *events.Broker, roles []string) *Monitor {
	cfg.applyDefaults()

	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	return &Monitor{
		cfg:        cfg,
		heartbeats: heartbeats,
		procs:      procs,
		broker:     broker,
		roles:      roleSet,
		logger:     log.WithComponent("monitor"),
		trackers:   make(map[string]*restartTracker),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		alive:      processAlive,
	}
}

// Start begins the monitoring loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitoring loop
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Tick runs one supervision cycle. Transient port errors are logged and the
// affected detector skipped until the next tick.
func (m *Monitor) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LoopDuration.WithLabelValues("monitor"))

	// A single stale record triggers exactly one restart attempt per tick;
	// seen also dedupes against the liveness detector below.
	seen := make(map[string]bool)

	stale, err := m.heartbeats.Stale(ctx, m.cfg.StaleThreshold)
	if err != nil {
		m.logger.Warn().Err(err).Msg("stale heartbeat query failed, skipping detector this tick")
		metrics.LoopErrorsTotal.WithLabelValues("monitor").Inc()
	} else {
		for _, rec := range stale {
			if !m.roles[rec.Role] {
				m.logger.Warn().
					Str("role", rec.Role).
					Str("instance_id", rec.InstanceID).
					Msg("stale heartbeat for unknown role, ignoring")
				continue
			}
			seen[rec.InstanceID] = true
			metrics.StaleHeartbeatsTotal.Inc()
			m.logger.Warn().
				Str("role", rec.Role).
				Str("instance_id", rec.InstanceID).
				Time("last_heartbeat", rec.LastHeartbeat).
				Msg("stale heartbeat detected")
			// A stale heartbeat is ground truth even if the process
			// table still shows the instance running: a hung process
			// stays alive at the OS level while wedged internally.
			m.restart(ctx, rec.Role, rec.InstanceID)
		}
	}

	for _, p := range m.procs.Running() {
		if seen[p.InstanceID] {
			continue
		}
		if m.alive(p.PID) {
			continue
		}
		// Dead at the OS level but still tracked: the spawner's own exit
		// handling has not caught up yet.
		m.logger.Warn().
			Str("role", p.Role).
			Str("instance_id", p.InstanceID).
			Int("pid", p.PID).
			Msg("process vanished without exit event")
		m.restart(ctx, p.Role, p.InstanceID)
	}

	m.pruneTrackers()
}

// restart runs the bounded restart procedure for one instance. The dead
// instance id is never reused: a fresh id avoids heartbeat and queue-consumer
// ambiguity with the old identity.
func (m *Monitor) restart(ctx context.Context, role, instanceID string) {
	key := role + "/" + instanceID
	now := m.now()

	tr, ok := m.trackers[key]
	if !ok {
		tr = &restartTracker{}
		m.trackers[key] = tr
	}

	// Decay: a family that has been quiet for the whole window starts
	// counting from zero again.
	if !tr.lastAttempt.IsZero() && now.Sub(tr.lastAttempt) > decayWindow {
		tr.attempts = 0
	}

	if tr.failed {
		return
	}

	if tr.attempts >= m.cfg.MaxRestartAttempts {
		tr.failed = true
		m.logger.Error().
			Str("role", role).
			Str("instance_id", instanceID).
			Int("attempts", tr.attempts).
			Msg("restart attempts exhausted, abandoning instance")

		// Drop the heartbeat record and the process so the dead
		// instance stops re-triggering detection.
		if err := m.heartbeats.Remove(ctx, role, instanceID); err != nil {
			m.logger.Warn().Err(err).Msg("failed to remove heartbeat of abandoned instance")
		}
		_ = m.procs.Stop(instanceID, restartStopGrace)

		metrics.RestartFailuresTotal.WithLabelValues(role).Inc()
		m.broker.Publish(events.Event{
			Type:       events.EventRestartFailed,
			Role:       role,
			InstanceID: instanceID,
		})
		return
	}

	if err := m.heartbeats.Remove(ctx, role, instanceID); err != nil {
		m.logger.Warn().Err(err).
			Str("instance_id", instanceID).
			Msg("failed to remove stale heartbeat")
	}

	// Best-effort stop; the instance is usually already gone.
	_ = m.procs.Stop(instanceID, restartStopGrace)

	tr.attempts++
	tr.lastAttempt = now

	proc, err := m.procs.Spawn(role, "")
	if err != nil {
		m.logger.Error().Err(err).
			Str("role", role).
			Str("instance_id", instanceID).
			Msg("restart spawn failed")
		m.broker.Publish(events.Event{
			Type:       events.EventRestartError,
			Role:       role,
			InstanceID: instanceID,
			Message:    err.Error(),
		})
		return
	}

	// The tracker follows the family onto the replacement id.
	delete(m.trackers, key)
	m.trackers[role+"/"+proc.InstanceID] = tr

	m.logger.Info().
		Str("role", role).
		Str("old_instance_id", instanceID).
		Str("new_instance_id", proc.InstanceID).
		Int("attempt", tr.attempts).
		Msg("agent restarted")

	metrics.RestartsTotal.WithLabelValues(role).Inc()
	m.broker.Publish(events.Event{
		Type:          events.EventRestarted,
		Role:          role,
		InstanceID:    proc.InstanceID,
		OldInstanceID: instanceID,
	})
}

// pruneTrackers drops tracker entries that have been idle long past the decay
// window; their families are confirmed healthy or abandoned.
func (m *Monitor) pruneTrackers() {
	cutoff := m.now().Add(-10 * decayWindow)
	for key, tr := range m.trackers {
		if !tr.lastAttempt.IsZero() && tr.lastAttempt.Before(cutoff) {
			delete(m.trackers, key)
		}
	}
}

// processAlive probes OS-level existence without delivering a signal.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
