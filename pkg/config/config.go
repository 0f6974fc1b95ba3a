package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeops/foreman/pkg/types"
)

// Config is the full foreman configuration.
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Roles     []RoleConfig    `yaml:"roles"`
	Intervals IntervalsConfig `yaml:"intervals"`
	Health    HealthConfig    `yaml:"health"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
	PIDFile   string          `yaml:"pid_file"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig tunes the queue port.
type QueueConfig struct {
	// ClaimTimeout is how long a claimed entry may sit unacknowledged
	// before the orphan detector may reclaim it.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// WorkerConfig describes how to launch one worker process. The role is
// appended as the final argument and the instance id is injected via the
// FOREMAN_INSTANCE_ID environment variable.
type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

type RoleConfig struct {
	Name             string        `yaml:"name"`
	MinInstances     int           `yaml:"min_instances"`
	MaxInstances     int           `yaml:"max_instances"`
	ScaleUpThreshold int           `yaml:"scale_up_threshold"`
	ScaleDownDelay   time.Duration `yaml:"scale_down_delay"`
}

type IntervalsConfig struct {
	Health  time.Duration `yaml:"health"`
	Scale   time.Duration `yaml:"scale"`
	Reclaim time.Duration `yaml:"reclaim"`
}

type HealthConfig struct {
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

func defaults() Config {
	cfg := Config{
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Queue: QueueConfig{
			ClaimTimeout: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Command: "foreman-worker",
		},
		Intervals: IntervalsConfig{
			Health:  15 * time.Second,
			Scale:   30 * time.Second,
			Reclaim: 60 * time.Second,
		},
		Health: HealthConfig{
			StaleThreshold:     30 * time.Second,
			MaxRestartAttempts: 3,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: "127.0.0.1:9430",
		},
		Log: LogConfig{
			Level: "info",
		},
		PIDFile: "foreman.pid",
	}

	for _, role := range types.AllRoles() {
		cfg.Roles = append(cfg.Roles, RoleConfig{
			Name:             role,
			MinInstances:     1,
			MaxInstances:     3,
			ScaleUpThreshold: 5,
			ScaleDownDelay:   time.Minute,
		})
	}
	return cfg
}

// Load reads configuration from path. A missing file yields the defaults; a
// malformed one is an error. Path resolution order: explicit argument,
// FOREMAN_CONFIG env var, ./foreman.yaml.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("FOREMAN_CONFIG")
	}
	if path == "" {
		path = "foreman.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, run on defaults
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if addr := os.Getenv("FOREMAN_REDIS_ADDR"); addr != "" {
		cfg.Redis.Address = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command must be set")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("at least one role must be configured")
	}

	seen := make(map[string]bool)
	for _, r := range c.Roles {
		if seen[r.Name] {
			return fmt.Errorf("duplicate role %q", r.Name)
		}
		seen[r.Name] = true
		if err := r.Policy().Validate(); err != nil {
			return err
		}
	}

	if c.Intervals.Health <= 0 || c.Intervals.Scale <= 0 || c.Intervals.Reclaim <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}
	if c.Health.StaleThreshold <= 0 {
		return fmt.Errorf("health.stale_threshold must be positive")
	}
	if c.Health.MaxRestartAttempts < 1 {
		return fmt.Errorf("health.max_restart_attempts must be >= 1")
	}
	if c.Queue.ClaimTimeout <= 0 {
		return fmt.Errorf("queue.claim_timeout must be positive")
	}
	return nil
}

// Policy converts the role config into its scaling policy.
func (r RoleConfig) Policy() types.ScalingPolicy {
	return types.ScalingPolicy{
		Role:             r.Name,
		MinInstances:     r.MinInstances,
		MaxInstances:     r.MaxInstances,
		ScaleUpThreshold: r.ScaleUpThreshold,
		ScaleDownDelay:   r.ScaleDownDelay,
	}
}

// RoleNames returns the configured role names in order.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for _, r := range c.Roles {
		names = append(names, r.Name)
	}
	return names
}

// Policies returns the scaling policies keyed by role.
func (c *Config) Policies() map[string]types.ScalingPolicy {
	policies := make(map[string]types.ScalingPolicy, len(c.Roles))
	for _, r := range c.Roles {
		policies[r.Name] = r.Policy()
	}
	return policies
}
