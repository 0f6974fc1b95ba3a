package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeops/foreman/pkg/types"
)

const keyPrefix = "pipeline:heartbeat:"

// Store is the heartbeat port: a persistent table of "instance is alive"
// records keyed by (role, instance id), backed by Redis keys.
type Store struct {
	client *redis.Client

	// now is swappable for tests
	now func() time.Time
}

// New creates a store over an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func key(role, instanceID string) string {
	return keyPrefix + role + ":" + instanceID
}

// Ping verifies connectivity to the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Beat writes or refreshes the liveness record for an instance. Workers call
// this about themselves; the control plane only reads.
func (s *Store) Beat(ctx context.Context, role, instanceID string, pid int) error {
	rec := types.HeartbeatRecord{
		Role:          role,
		InstanceID:    instanceID,
		PID:           pid,
		LastHeartbeat: s.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := s.client.Set(ctx, key(role, instanceID), data, 0).Err(); err != nil {
		return fmt.Errorf("write heartbeat %s/%s: %w", role, instanceID, err)
	}
	return nil
}

// Stale returns every record whose last heartbeat is older than the
// threshold. Records that fail to parse are skipped rather than failing the
// whole scan.
func (s *Store) Stale(ctx context.Context, olderThan time.Duration) ([]types.HeartbeatRecord, error) {
	cutoff := s.now().Add(-olderThan)

	var stale []types.HeartbeatRecord
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue // removed between scan and get
			}
			return nil, fmt.Errorf("read heartbeat %s: %w", iter.Val(), err)
		}

		var rec types.HeartbeatRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.LastHeartbeat.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	return stale, nil
}

// Remove deletes the record for an instance. Removing an absent record is not
// an error.
func (s *Store) Remove(ctx context.Context, role, instanceID string) error {
	if err := s.client.Del(ctx, key(role, instanceID)).Err(); err != nil {
		return fmt.Errorf("remove heartbeat %s/%s: %w", role, instanceID, err)
	}
	return nil
}
