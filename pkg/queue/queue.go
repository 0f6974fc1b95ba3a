package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeops/foreman/pkg/types"
)

const (
	// Group is the consumer group every role's worker pool reads under.
	Group = "agents"

	// reclaimConsumer is the consumer name orphaned entries are claimed to
	// before being requeued.
	reclaimConsumer = "foreman-reclaimer"

	streamPrefix = "pipeline:queue:"

	// reclaimBatch bounds how many orphans one reclamation pass claims.
	reclaimBatch = 100
)

// Entry is one queue item: its stream id and its field values.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// Config holds queue broker configuration.
type Config struct {
	// ClaimTimeout is the minimum idle time before a claimed entry is
	// considered orphaned.
	ClaimTimeout time.Duration
}

// Broker is the queue/backlog port backed by Redis streams with consumer
// groups. One stream per role, one shared group per stream.
type Broker struct {
	client *redis.Client
	roles  []string
	cfg    Config
}

// New creates a broker over an existing Redis client.
func New(client *redis.Client, roles []string, cfg Config) *Broker {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	return &Broker{client: client, roles: roles, cfg: cfg}
}

// Stream returns the stream key for a role.
func Stream(role string) string {
	return streamPrefix + role
}

// Ping verifies connectivity to the backing store.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// EnsureAllGroups creates the consumer group for every role's stream,
// creating missing streams as a side effect. Idempotent: existing groups are
// left alone.
func (b *Broker) EnsureAllGroups(ctx context.Context) error {
	for _, role := range b.roles {
		err := b.client.XGroupCreateMkStream(ctx, Stream(role), Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("ensure group for role %s: %w", role, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// Backlog reports the demand signal for one role: pending (claimed,
// unacknowledged) and lag (never delivered) entry counts. A role whose group
// does not exist yet reports zero demand.
func (b *Broker) Backlog(ctx context.Context, role string) (types.BacklogSnapshot, error) {
	var snap types.BacklogSnapshot

	pending, err := b.client.XPending(ctx, Stream(role), Group).Result()
	if err != nil {
		if isNoGroup(err) {
			return snap, nil
		}
		return snap, fmt.Errorf("xpending %s: %w", role, err)
	}
	snap.Pending = pending.Count

	groups, err := b.client.XInfoGroups(ctx, Stream(role)).Result()
	if err != nil {
		if isNoGroup(err) {
			return snap, nil
		}
		return snap, fmt.Errorf("xinfo groups %s: %w", role, err)
	}
	for _, g := range groups {
		if g.Name == Group {
			snap.Lag = g.Lag
			break
		}
	}
	return snap, nil
}

// Enqueue publishes a new entry onto a role's stream and returns its id.
func (b *Broker) Enqueue(ctx context.Context, role string, values map[string]interface{}) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream(role),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", role, err)
	}
	return id, nil
}

// Consume delivers up to count entries for a role to the named consumer,
// blocking up to block. Entries stay pending until acknowledged.
func (b *Broker) Consume(ctx context.Context, role, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  []string{Stream(role), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", role, err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			entries = append(entries, Entry{ID: m.ID, Values: m.Values})
		}
	}
	return entries, nil
}

// Ack acknowledges an entry, retiring it from the pending list.
func (b *Broker) Ack(ctx context.Context, role, id string) error {
	if err := b.client.XAck(ctx, Stream(role), Group, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", role, id, err)
	}
	return nil
}

// ReclaimOrphans claims entries whose consumer has been silent past the claim
// timeout and returns them. The claim transfers to the reclaim consumer so a
// concurrent pass cannot double-claim the same entries.
func (b *Broker) ReclaimOrphans(ctx context.Context, role string) ([]Entry, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   Stream(role),
		Group:    Group,
		Consumer: reclaimConsumer,
		MinIdle:  b.cfg.ClaimTimeout,
		Start:    "0-0",
		Count:    reclaimBatch,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", role, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

// Requeue republishes a reclaimed entry onto the same role's stream as a new
// deliverable unit, tagging it with the id it was recovered from.
func (b *Broker) Requeue(ctx context.Context, role string, entry Entry) error {
	values := make(map[string]interface{}, len(entry.Values)+1)
	for k, v := range entry.Values {
		values[k] = v
	}
	values["reclaimed_from"] = entry.ID

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream(role),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("requeue %s %s: %w", role, entry.ID, err)
	}
	return nil
}
