package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeops/foreman/pkg/config"
	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/heartbeat"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/monitor"
	"github.com/forgeops/foreman/pkg/queue"
	"github.com/forgeops/foreman/pkg/reclaimer"
	"github.com/forgeops/foreman/pkg/scaler"
	"github.com/forgeops/foreman/pkg/spawner"
)

// shutdownStopTimeout is the grace given to workers on shutdown so in-flight
// work can finish.
const shutdownStopTimeout = 10 * time.Second

// AgentStatus describes one running instance for external reporting.
type AgentStatus struct {
	Role       string    `json:"role"`
	InstanceID string    `json:"instanceId"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
}

// Status is the aggregate state exposed to operator tooling.
type Status struct {
	Running bool                        `json:"running"`
	Agents  []AgentStatus               `json:"agents"`
	Scaling map[string]scaler.RoleStatus `json:"scaling"`
}

// Orchestrator composes the spawner and the three control loops, owns
// startup verification and graceful shutdown.
type Orchestrator struct {
	cfg       *config.Config
	queue     *queue.Broker
	heartbeat *heartbeat.Store
	spawner   *spawner.Spawner
	monitor   *monitor.Monitor
	scaler    *scaler.Scaler
	reclaimer *reclaimer.Reclaimer
	collector *metrics.Collector
	broker    *events.Broker
	logger    zerolog.Logger

	mu       sync.Mutex
	running  bool
	shutdown bool
}

// New wires the control plane together. Nothing runs until Start.
func New(cfg *config.Config, q *queue.Broker, hb *heartbeat.Store) *Orchestrator {
	broker := events.NewBroker()

	sp := spawner.New(spawner.Config{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Env:     cfg.Worker.Env,
	}, broker)

	roles := cfg.RoleNames()

	return &Orchestrator{
		cfg:       cfg,
		queue:     q,
		heartbeat: hb,
		spawner:   sp,
		broker:    broker,
		monitor: monitor.New(monitor.Config{
			Interval:           cfg.Intervals.Health,
			StaleThreshold:     cfg.Health.StaleThreshold,
			MaxRestartAttempts: cfg.Health.MaxRestartAttempts,
		}, hb, sp, broker, roles),
		scaler: scaler.New(scaler.Config{
			Interval: cfg.Intervals.Scale,
		}, q, sp, broker, cfg.Policies()),
		reclaimer: reclaimer.New(reclaimer.Config{
			Interval: cfg.Intervals.Reclaim,
		}, q, broker, roles),
		collector: metrics.NewCollector(sp, q, roles),
		logger:    log.WithComponent("orchestrator"),
	}
}

// Events returns the control-plane event broker.
func (o *Orchestrator) Events() *events.Broker {
	return o.broker
}

// Ping verifies both external ports are reachable.
func (o *Orchestrator) Ping(ctx context.Context) error {
	if err := o.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue store unreachable: %w", err)
	}
	if err := o.heartbeat.Ping(ctx); err != nil {
		return fmt.Errorf("heartbeat store unreachable: %w", err)
	}
	return nil
}

// Start verifies external dependencies, establishes minimum capacity for
// every role, and launches the control loops. Any startup failure aborts
// loudly before a single loop runs.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}
	if o.shutdown {
		return fmt.Errorf("orchestrator already shut down")
	}

	if err := o.Ping(ctx); err != nil {
		metrics.RegisterComponent("queue", false, err.Error())
		return err
	}
	metrics.RegisterComponent("queue", true, "")
	metrics.RegisterComponent("heartbeat", true, "")

	if err := o.queue.EnsureAllGroups(ctx); err != nil {
		return fmt.Errorf("ensure consumer groups: %w", err)
	}

	// Roles with a zero minimum start cold and rely on the scaler.
	for _, role := range o.cfg.Roles {
		if role.MinInstances < 1 {
			continue
		}
		if _, err := o.spawner.Spawn(role.Name, ""); err != nil {
			return fmt.Errorf("initial spawn for role %s: %w", role.Name, err)
		}
	}
	metrics.RegisterComponent("spawner", true, "")

	o.broker.Start()
	o.monitor.Start()
	o.scaler.Start()
	o.reclaimer.Start()
	o.collector.Start()

	o.running = true
	o.logger.Info().Int("roles", len(o.cfg.Roles)).Msg("orchestrator started")
	return nil
}

// Shutdown stops the loops, drains the worker pool, and releases the port
// connections. Idempotent: overlapping termination signals run it once.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	wasRunning := o.running
	o.shutdown = true
	o.running = false
	o.mu.Unlock()

	o.logger.Info().Msg("shutting down")

	if wasRunning {
		o.monitor.Stop()
		o.scaler.Stop()
		o.reclaimer.Stop()
		o.collector.Stop()
	}

	o.spawner.StopAll(shutdownStopTimeout)
	o.broker.Stop()

	if err := o.queue.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("queue close failed")
	}
	if err := o.heartbeat.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("heartbeat close failed")
	}

	o.logger.Info().Msg("shutdown complete")
}

// Status reports the aggregate state for operator tooling.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	procs := o.spawner.Running()
	agents := make([]AgentStatus, 0, len(procs))
	for _, p := range procs {
		agents = append(agents, AgentStatus{
			Role:       p.Role,
			InstanceID: p.InstanceID,
			PID:        p.PID,
			StartedAt:  p.StartedAt,
		})
	}

	return Status{
		Running: running,
		Agents:  agents,
		Scaling: o.scaler.Status(),
	}
}
