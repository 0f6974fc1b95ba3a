package reclaimer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/queue"
)

// Queue is the slice of the queue port the reclaimer needs.
type Queue interface {
	ReclaimOrphans(ctx context.Context, role string) ([]queue.Entry, error)
	Requeue(ctx context.Context, role string, entry queue.Entry) error
	Ack(ctx context.Context, role, id string) error
}

// Config holds reclaimer tuning.
type Config struct {
	// Interval between ticks. Default 60s.
	Interval time.Duration
}

// Reclaimer redelivers work claimed by consumers that died mid-processing.
// Each reclaimed entry is republished as a new deliverable unit and the
// original claim acknowledged, so one entry is recovered exactly once per
// cycle. This is what gives the pipeline at-least-once delivery across
// worker crashes.
type Reclaimer struct {
	cfg    Config
	queue  Queue
	broker *events.Broker
	roles  []string
	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a reclaimer covering the given roles.
func New(cfg Config, q Queue, broker *events.Broker, roles []string) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Reclaimer{
		cfg:    cfg,
		queue:  q,
		broker: broker,
		roles:  roles,
		logger: log.WithComponent("reclaimer"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reclamation loop
func (r *Reclaimer) Start() {
	go r.run()
}

// Stop stops the reclamation loop
func (r *Reclaimer) Stop() {
	close(r.stopCh)
}

func (r *Reclaimer) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Tick(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Tick runs one reclamation pass. A failure on one role never blocks the
// others.
func (r *Reclaimer) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LoopDuration.WithLabelValues("reclaimer"))

	for _, role := range r.roles {
		if err := r.reclaimRole(ctx, role); err != nil {
			r.logger.Warn().Err(err).Str("role", role).Msg("reclamation failed, retrying next tick")
			metrics.LoopErrorsTotal.WithLabelValues("reclaimer").Inc()
		}
	}
}

func (r *Reclaimer) reclaimRole(ctx context.Context, role string) error {
	entries, err := r.queue.ReclaimOrphans(ctx, role)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		// Republish first, then retire the original claim. If the ack
		// fails the entry may be recovered twice, which at-least-once
		// delivery tolerates; the reverse order could lose it.
		if err := r.queue.Requeue(ctx, role, entry); err != nil {
			r.logger.Warn().Err(err).
				Str("role", role).
				Str("entry_id", entry.ID).
				Msg("requeue failed, entry stays claimed for next pass")
			continue
		}
		if err := r.queue.Ack(ctx, role, entry.ID); err != nil {
			r.logger.Warn().Err(err).
				Str("role", role).
				Str("entry_id", entry.ID).
				Msg("ack of reclaimed entry failed")
			continue
		}

		r.logger.Info().
			Str("role", role).
			Str("entry_id", entry.ID).
			Msg("orphaned entry reclaimed")

		metrics.ReclaimedTotal.WithLabelValues(role).Inc()
		r.broker.Publish(events.Event{
			Type:     events.EventReclaimed,
			Role:     role,
			Metadata: map[string]string{"entry_id": entry.ID},
		})
	}
	return nil
}
