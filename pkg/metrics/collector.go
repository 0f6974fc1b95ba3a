package metrics

import (
	"context"
	"time"

	"github.com/forgeops/foreman/pkg/types"
)

// AgentCounter reports the number of running agent instances per role.
type AgentCounter interface {
	CountByRole(role string) int
}

// BacklogReader reports queue depth per role.
type BacklogReader interface {
	Backlog(ctx context.Context, role string) (types.BacklogSnapshot, error)
}

// Collector periodically samples the agent pool and queue backlog into the
// Prometheus gauges.
type Collector struct {
	agents   AgentCounter
	backlogs BacklogReader
	roles    []string
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(agents AgentCounter, backlogs BacklogReader, roles []string) *Collector {
	return &Collector{
		agents:   agents,
		backlogs: backlogs,
		roles:    roles,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, role := range c.roles {
		AgentsRunning.WithLabelValues(role).Set(float64(c.agents.CountByRole(role)))

		snap, err := c.backlogs.Backlog(ctx, role)
		if err != nil {
			// Transient port error, keep the last sample
			continue
		}
		QueueBacklog.WithLabelValues(role, "pending").Set(float64(snap.Pending))
		QueueBacklog.WithLabelValues(role, "lag").Set(float64(snap.Lag))
	}
}
