package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/pkg/admin"
	"github.com/forgeops/foreman/pkg/config"
	"github.com/forgeops/foreman/pkg/heartbeat"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/orchestrator"
	"github.com/forgeops/foreman/pkg/pidfile"
	"github.com/forgeops/foreman/pkg/queue"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - control plane for the multi-agent work pipeline",
	Long: `Foreman supervises the worker pools of a multi-stage agent pipeline:
it keeps every role's workers alive, scales them against queue backlog,
and redelivers work abandoned by crashed workers.

The workers themselves are external executables; foreman only decides how
many should exist and keeps them that way.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	startCmd.Flags().String("log-file", "", "also write logs to this file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the control plane",
	Long: `Start the foreman control plane in the foreground.

Startup verifies the Redis backing store, creates the consumer groups for
every role, and spawns the configured minimum instances before the control
loops begin. SIGINT or SIGTERM triggers a graceful shutdown that drains the
worker pool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logFile, _ := cmd.Flags().GetString("log-file")
		if logFile != "" {
			cfg.Log.File = logFile
		}
		if err := log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			File:       cfg.Log.File,
		}); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		metrics.SetVersion(Version)

		if err := pidfile.Write(cfg.PIDFile); err != nil {
			return err
		}
		defer func() {
			_ = pidfile.Remove(cfg.PIDFile)
		}()

		q := queue.New(newRedisClient(cfg), cfg.RoleNames(), queue.Config{
			ClaimTimeout: cfg.Queue.ClaimTimeout,
		})
		hb := heartbeat.New(newRedisClient(cfg))

		orch := orchestrator.New(cfg, q, hb)

		ctx := context.Background()
		if err := orch.Start(ctx); err != nil {
			return err
		}

		var adminServer *admin.Server
		if cfg.Admin.Enabled {
			adminServer = admin.New(cfg.Admin.Address, func() interface{} {
				return orch.Status()
			})
			adminServer.Start()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("termination signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		orch.Shutdown(shutdownCtx)
		if adminServer != nil {
			_ = adminServer.Stop(shutdownCtx)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		pid, err := pidfile.Read(cfg.PIDFile)
		if err != nil {
			return fmt.Errorf("no running foreman found: %w", err)
		}
		if !pidfile.Alive(pid) {
			_ = pidfile.Remove(cfg.PIDFile)
			return fmt.Errorf("stale pid file (pid %d is gone)", pid)
		}

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		fmt.Printf("Sent SIGTERM to foreman (pid %d), waiting for shutdown...\n", pid)

		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			if !pidfile.Alive(pid) {
				fmt.Println("Stopped.")
				return nil
			}
			time.Sleep(500 * time.Millisecond)
		}
		return fmt.Errorf("foreman (pid %d) did not exit within 30s", pid)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show control plane status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		resp, err := http.Get("http://" + cfg.Admin.Address + "/status")
		if err != nil {
			return fmt.Errorf("foreman not reachable at %s: %w", cfg.Admin.Address, err)
		}
		defer resp.Body.Close()

		var status orchestrator.Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}

		fmt.Printf("Running: %v\n", status.Running)
		fmt.Printf("Agents:  %d\n", len(status.Agents))
		for _, a := range status.Agents {
			fmt.Printf("  %-20s %-32s pid %d  up since %s\n",
				a.Role, a.InstanceID, a.PID, a.StartedAt.Format(time.RFC3339))
		}
		fmt.Println("Scaling:")
		for role, rs := range status.Scaling {
			fmt.Printf("  %-20s current=%d min=%d max=%d\n", role, rs.Current, rs.Min, rs.Max)
		}
		return nil
	},
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
