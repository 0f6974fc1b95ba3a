package types

import (
	"fmt"
	"time"
)

// Role names for the fixed pipeline stages. Each role owns a queue, a scaling
// policy, and a pool of worker instances.
const (
	RolePM             = "pm"
	RoleDomainExpert   = "domain-expert"
	RoleArchitect      = "architect"
	RoleCTOReview      = "cto-review"
	RoleSeniorDev      = "senior-dev"
	RoleStaffEngineer  = "staff-engineer"
	RoleCodeSimplifier = "code-simplifier"
	RoleUIReview       = "ui-review"
	RoleCIAgent        = "ci-agent"
)

// AllRoles lists every pipeline stage in pipeline order.
func AllRoles() []string {
	return []string{
		RolePM,
		RoleDomainExpert,
		RoleArchitect,
		RoleCTOReview,
		RoleSeniorDev,
		RoleStaffEngineer,
		RoleCodeSimplifier,
		RoleUIReview,
		RoleCIAgent,
	}
}

// ScalingPolicy bounds the worker pool for one role.
type ScalingPolicy struct {
	Role             string
	MinInstances     int
	MaxInstances     int
	ScaleUpThreshold int
	ScaleDownDelay   time.Duration
}

// Validate checks the policy invariants.
func (p ScalingPolicy) Validate() error {
	if p.Role == "" {
		return fmt.Errorf("scaling policy has empty role")
	}
	if p.MinInstances < 0 {
		return fmt.Errorf("role %s: minInstances must be >= 0, got %d", p.Role, p.MinInstances)
	}
	if p.MaxInstances < p.MinInstances {
		return fmt.Errorf("role %s: maxInstances (%d) < minInstances (%d)", p.Role, p.MaxInstances, p.MinInstances)
	}
	if p.ScaleUpThreshold < 1 {
		return fmt.Errorf("role %s: scaleUpThreshold must be >= 1, got %d", p.Role, p.ScaleUpThreshold)
	}
	if p.ScaleDownDelay < 0 {
		return fmt.Errorf("role %s: scaleDownDelay must be >= 0", p.Role)
	}
	return nil
}

// AgentProcess is one running worker instance. The spawner owns the entry for
// its lifetime; everyone else gets read-only copies.
type AgentProcess struct {
	Role       string
	InstanceID string
	PID        int
	StartedAt  time.Time
}

// HeartbeatRecord is a worker's self-reported liveness record, stored in the
// heartbeat port independently of OS process state.
type HeartbeatRecord struct {
	Role          string    `json:"role"`
	InstanceID    string    `json:"instanceId"`
	PID           int       `json:"pid"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// BacklogSnapshot is the demand signal for one role's queue. Pending counts
// claimed, in-flight entries; Lag counts undelivered ones.
type BacklogSnapshot struct {
	Pending int64
	Lag     int64
}

// Total is the demand the scaler acts on.
func (b BacklogSnapshot) Total() int64 {
	return b.Pending + b.Lag
}
