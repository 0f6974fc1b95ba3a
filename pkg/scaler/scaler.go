package scaler

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/types"
)

// scaleDownStopTimeout is the grace given to an idle instance being retired.
const scaleDownStopTimeout = 5 * time.Second

// Backlogs is the slice of the queue port the scaler needs.
type Backlogs interface {
	Backlog(ctx context.Context, role string) (types.BacklogSnapshot, error)
}

// Processes is the slice of the spawner the scaler needs.
type Processes interface {
	Spawn(role, instanceID string) (*types.AgentProcess, error)
	Stop(instanceID string, timeout time.Duration) error
	ByRole(role string) []*types.AgentProcess
	CountByRole(role string) int
}

// RoleStatus reports one role's pool against its bounds.
type RoleStatus struct {
	Current int `json:"current"`
	Min     int `json:"min"`
	Max     int `json:"max"`
}

// Config holds scaler tuning.
type Config struct {
	// Interval between ticks. Default 30s.
	Interval time.Duration
}

// Scaler grows and shrinks each role's worker pool to track queue demand
// within the configured bounds. Growth is immediate and proportional;
// shrinking is debounced through per-instance idle timers because backlog
// readings can transiently dip to zero between bursts.
type Scaler struct {
	cfg      Config
	backlogs Backlogs
	procs    Processes
	broker   *events.Broker
	policies map[string]types.ScalingPolicy
	logger   zerolog.Logger

	// idleSince records when an instance's role backlog first read zero.
	idleSince map[string]time.Time
	stopCh    chan struct{}

	// swappable for tests
	now func() time.Time
}

// New creates a scaler.
func New(cfg Config, backlogs Backlogs, procs Processes, broker *events.Broker, policies map[string]types.ScalingPolicy) *Scaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Scaler{
		cfg:       cfg,
		backlogs:  backlogs,
		procs:     procs,
		broker:    broker,
		policies:  policies,
		logger:    log.WithComponent("scaler"),
		idleSince: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins the scaling loop
func (s *Scaler) Start() {
	go s.run()
}

// Stop stops the scaling loop
func (s *Scaler) Stop() {
	close(s.stopCh)
}

func (s *Scaler) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Tick runs one scaling cycle over every role. A backlog read failure skips
// that role until the next tick.
func (s *Scaler) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LoopDuration.WithLabelValues("scaler"))

	for role, policy := range s.policies {
		snap, err := s.backlogs.Backlog(ctx, role)
		if err != nil {
			s.logger.Warn().Err(err).Str("role", role).Msg("backlog read failed, skipping role this tick")
			metrics.LoopErrorsTotal.WithLabelValues("scaler").Inc()
			continue
		}
		s.scaleRole(role, policy, snap)
	}

	s.pruneIdleTimers()
}

// pruneIdleTimers drops timers for instances that exited on their own.
func (s *Scaler) pruneIdleTimers() {
	live := make(map[string]bool)
	for role := range s.policies {
		for _, p := range s.procs.ByRole(role) {
			live[p.InstanceID] = true
		}
	}
	for id := range s.idleSince {
		if !live[id] {
			delete(s.idleSince, id)
		}
	}
}

func (s *Scaler) scaleRole(role string, policy types.ScalingPolicy, snap types.BacklogSnapshot) {
	total := snap.Total()
	current := s.procs.CountByRole(role)

	if total > 0 {
		// Any demand invalidates every idle period for the role.
		s.clearIdleTimers(role)

		// Roles that scale from zero must not starve waiting for the
		// threshold, which assumes at least one warm instance.
		coldStart := policy.MinInstances == 0 && current == 0
		if current < policy.MaxInstances && (total > int64(policy.ScaleUpThreshold) || coldStart) {
			s.scaleUp(role, policy, total, current)
		}
		return
	}

	if current > policy.MinInstances {
		s.scaleDown(role, policy, current)
	}
}

// scaleUp spawns proportionally to demand, at least one instance, bounded by
// the remaining headroom.
func (s *Scaler) scaleUp(role string, policy types.ScalingPolicy, total int64, current int) {
	want := int(math.Ceil(float64(total) / float64(policy.ScaleUpThreshold)))
	if want < 1 {
		want = 1
	}
	headroom := policy.MaxInstances - current
	toSpawn := want
	if toSpawn > headroom {
		toSpawn = headroom
	}

	s.logger.Info().
		Str("role", role).
		Int64("backlog", total).
		Int("current", current).
		Int("spawning", toSpawn).
		Msg("scaling up")

	for i := 0; i < toSpawn; i++ {
		proc, err := s.procs.Spawn(role, "")
		if err != nil {
			s.logger.Error().Err(err).Str("role", role).Msg("scale-up spawn failed")
			return
		}
		metrics.ScaleUpsTotal.WithLabelValues(role).Inc()
		s.broker.Publish(events.Event{
			Type:       events.EventScaleUp,
			Role:       role,
			InstanceID: proc.InstanceID,
		})
	}
}

// scaleDown retires instances whose idle period has outlasted the role's
// scale-down delay, never dropping below the minimum.
func (s *Scaler) scaleDown(role string, policy types.ScalingPolicy, current int) {
	now := s.now()
	excess := current - policy.MinInstances
	stopped := 0

	for _, p := range s.procs.ByRole(role) {
		if stopped >= excess {
			break
		}

		idleStart, ok := s.idleSince[p.InstanceID]
		if !ok {
			s.idleSince[p.InstanceID] = now
			continue
		}
		if now.Sub(idleStart) <= policy.ScaleDownDelay {
			continue
		}

		s.logger.Info().
			Str("role", role).
			Str("instance_id", p.InstanceID).
			Dur("idle", now.Sub(idleStart)).
			Msg("scaling down idle instance")

		if err := s.procs.Stop(p.InstanceID, scaleDownStopTimeout); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", p.InstanceID).Msg("scale-down stop failed")
			continue
		}
		delete(s.idleSince, p.InstanceID)
		stopped++

		metrics.ScaleDownsTotal.WithLabelValues(role).Inc()
		s.broker.Publish(events.Event{
			Type:       events.EventScaleDown,
			Role:       role,
			InstanceID: p.InstanceID,
		})
	}
}

func (s *Scaler) clearIdleTimers(role string) {
	for _, p := range s.procs.ByRole(role) {
		delete(s.idleSince, p.InstanceID)
	}
}

// Status reports every role's pool against its configured bounds without
// mutating state.
func (s *Scaler) Status() map[string]RoleStatus {
	status := make(map[string]RoleStatus, len(s.policies))
	for role, policy := range s.policies {
		status[role] = RoleStatus{
			Current: s.procs.CountByRole(role),
			Min:     policy.MinInstances,
			Max:     policy.MaxInstances,
		}
	}
	return status
}
