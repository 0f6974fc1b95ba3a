// Command foreman-worker is a minimal worker that honors the foreman worker
// contract: it takes its role as the final argument, adopts the instance id
// from FOREMAN_INSTANCE_ID, heartbeats about itself, and consumes its role's
// queue under that identity. Real pipelines replace this binary with stage
// implementations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeops/foreman/pkg/heartbeat"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/queue"
	"github.com/forgeops/foreman/pkg/spawner"
)

const heartbeatInterval = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: foreman-worker <role>")
		os.Exit(2)
	}
	role := os.Args[len(os.Args)-1]

	instanceID := os.Getenv(spawner.InstanceIDEnv)
	if instanceID == "" {
		fmt.Fprintf(os.Stderr, "%s must be set\n", spawner.InstanceIDEnv)
		os.Exit(2)
	}

	if err := log.Init(log.Config{Level: log.InfoLevel}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := log.WithInstanceID(instanceID)

	addr := os.Getenv("FOREMAN_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	hb := heartbeat.New(client)
	q := queue.New(client, []string{role}, queue.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// Heartbeat about ourselves; the control plane restarts us if these
	// stop arriving.
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			if err := hb.Beat(ctx, role, instanceID, os.Getpid()); err != nil {
				logger.Warn().Err(err).Msg("heartbeat write failed")
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Str("role", role).Msg("worker started")

	for ctx.Err() == nil {
		entries, err := q.Consume(ctx, role, instanceID, 1, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn().Err(err).Msg("consume failed")
			time.Sleep(time.Second)
			continue
		}
		for _, entry := range entries {
			logger.Info().Str("entry_id", entry.ID).Msg("processing work item")
			if err := q.Ack(ctx, role, entry.ID); err != nil {
				logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("ack failed")
			}
		}
	}

	logger.Info().Msg("worker stopping")
}
