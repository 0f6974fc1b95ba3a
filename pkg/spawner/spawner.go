package spawner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/types"
)

// InstanceIDEnv is the environment variable carrying the assigned instance id
// into the worker process. Workers heartbeat and consume under this identity.
const InstanceIDEnv = "FOREMAN_INSTANCE_ID"

// Config describes how worker processes are launched.
type Config struct {
	// Command is the worker executable. The role is appended as the final
	// argument.
	Command string
	Args    []string
	// Env entries are appended to the inherited environment.
	Env []string
}

// Spawner owns the table of live worker processes. Entries are added on
// Spawn and removed only when the process is confirmed gone: either by the
// exit watcher or by a completed Stop.
type Spawner struct {
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger

	mu    sync.RWMutex
	procs map[string]*entry
	seq   int
}

type entry struct {
	proc *types.AgentProcess
	cmd  *exec.Cmd
	// pipes guards cmd.Wait: it must not run until both output readers
	// have drained, since Wait closes the pipes under them.
	pipes sync.WaitGroup
	// done closes once the process has exited and the entry is removed
	// from the table.
	done chan struct{}
}

// New creates a spawner.
func New(cfg Config, broker *events.Broker) *Spawner {
	return &Spawner{
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("spawner"),
		procs:  make(map[string]*entry),
	}
}

// Spawn launches a worker for the role. An empty instanceID generates a fresh
// role-timestamp id; a provided one fails if it is already tracked. Launch
// failures surface synchronously and register nothing.
func (s *Spawner) Spawn(role, instanceID string) (*types.AgentProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if instanceID == "" {
		instanceID = s.nextID(role)
	} else if _, ok := s.procs[instanceID]; ok {
		return nil, fmt.Errorf("instance %s already tracked", instanceID)
	}

	args := append(append([]string{}, s.cfg.Args...), role)
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env, InstanceIDEnv+"="+instanceID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", instanceID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", instanceID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s for role %s: %w", instanceID, role, err)
	}

	proc := &types.AgentProcess{
		Role:       role,
		InstanceID: instanceID,
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
	}
	e := &entry{proc: proc, cmd: cmd, done: make(chan struct{})}
	s.procs[instanceID] = e

	e.pipes.Add(2)
	go s.pipeOutput(&e.pipes, instanceID, role, "stdout", stdout)
	go s.pipeOutput(&e.pipes, instanceID, role, "stderr", stderr)
	go s.waitForExit(e)

	s.logger.Info().
		Str("role", role).
		Str("instance_id", instanceID).
		Int("pid", proc.PID).
		Msg("agent spawned")

	metrics.AgentsSpawnedTotal.WithLabelValues(role).Inc()
	s.broker.Publish(events.Event{
		Type:       events.EventAgentSpawned,
		Role:       role,
		InstanceID: instanceID,
		Metadata:   map[string]string{"pid": fmt.Sprintf("%d", proc.PID)},
	})

	return proc, nil
}

// nextID generates a role-timestamp instance id, with a sequence suffix when
// two spawns land on the same millisecond. Caller holds the lock.
func (s *Spawner) nextID(role string) string {
	id := fmt.Sprintf("%s-%d", role, time.Now().UnixMilli())
	if _, ok := s.procs[id]; !ok {
		return id
	}
	for {
		s.seq++
		candidate := fmt.Sprintf("%s-%d", id, s.seq)
		if _, ok := s.procs[candidate]; !ok {
			return candidate
		}
	}
}

// pipeOutput tags every worker output line with its instance id for operator
// visibility.
func (s *Spawner) pipeOutput(wg *sync.WaitGroup, instanceID, role, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug().
			Str("role", role).
			Str("instance_id", instanceID).
			Str("stream", stream).
			Msg(scanner.Text())
	}
}

// waitForExit reaps the process and removes its table entry. This is the only
// authoritative removal path.
func (s *Spawner) waitForExit(e *entry) {
	e.pipes.Wait()
	err := e.cmd.Wait()

	exitCode := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	delete(s.procs, e.proc.InstanceID)
	s.mu.Unlock()
	close(e.done)

	s.logger.Info().
		Str("role", e.proc.Role).
		Str("instance_id", e.proc.InstanceID).
		Int("exit_code", exitCode).
		Str("signal", signal).
		Msg("agent exited")

	metrics.AgentExitsTotal.WithLabelValues(e.proc.Role).Inc()
	s.broker.Publish(events.Event{
		Type:       events.EventAgentExited,
		Role:       e.proc.Role,
		InstanceID: e.proc.InstanceID,
		Metadata: map[string]string{
			"exit_code": fmt.Sprintf("%d", exitCode),
			"signal":    signal,
		},
	})
}

// Stop terminates an instance: SIGTERM, then SIGKILL after the timeout. It
// returns once the process is confirmed gone. Stopping an untracked or
// already-exiting instance is a no-op, not an error.
func (s *Spawner) Stop(instanceID string, timeout time.Duration) error {
	s.mu.RLock()
	e, ok := s.procs[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	// Signal errors mean the process is already gone; the exit watcher
	// still owns table removal, so just wait for done.
	_ = e.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-e.done:
		return nil
	case <-time.After(timeout):
	}

	s.logger.Warn().
		Str("instance_id", instanceID).
		Dur("timeout", timeout).
		Msg("graceful stop timed out, killing")
	_ = e.cmd.Process.Kill()

	<-e.done
	return nil
}

// StopAll stops every tracked instance concurrently and waits for all of
// them to be gone.
func (s *Spawner) StopAll(timeout time.Duration) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Stop(id, timeout)
		}(id)
	}
	wg.Wait()
}

// Running returns a snapshot of all tracked instances.
func (s *Spawner) Running() []*types.AgentProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()

	procs := make([]*types.AgentProcess, 0, len(s.procs))
	for _, e := range s.procs {
		p := *e.proc
		procs = append(procs, &p)
	}
	return procs
}

// ByRole returns a snapshot of the tracked instances for one role.
func (s *Spawner) ByRole(role string) []*types.AgentProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var procs []*types.AgentProcess
	for _, e := range s.procs {
		if e.proc.Role == role {
			p := *e.proc
			procs = append(procs, &p)
		}
	}
	return procs
}

// CountByRole returns how many instances of a role are tracked.
func (s *Spawner) CountByRole(role string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.procs {
		if e.proc.Role == role {
			count++
		}
	}
	return count
}

// IsRunning reports whether an instance is tracked.
func (s *Spawner) IsRunning(instanceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.procs[instanceID]
	return ok
}
