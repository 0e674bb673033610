// Package types defines the core domain model shared by every component:
// Sandbox, Session, Cargo, Profile, IdempotencyRecord and ExecutionRecord.
package types

import "time"

// SandboxStatus is computed, never stored.
type SandboxStatus string

const (
	SandboxStatusDeleted SandboxStatus = "deleted"
	SandboxStatusExpired SandboxStatus = "expired"
	SandboxStatusIdle    SandboxStatus = "idle"
	SandboxStatusStarting SandboxStatus = "starting"
	SandboxStatusReady    SandboxStatus = "ready"
	SandboxStatusFailed   SandboxStatus = "failed"
)

// Sandbox is the durable handle to a compute-and-storage bundle.
type Sandbox struct {
	ID                string     `json:"id"`
	Owner             string     `json:"owner"`
	ProfileID         string     `json:"profile"`
	CargoID           string     `json:"cargo_id"`
	CurrentSessionID  string     `json:"current_session_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	IdleExpiresAt     *time.Time `json:"idle_expires_at,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// Status computes the sandbox's externally visible status from its columns
// and the wall clock, plus the status of its current session if any.
func (s *Sandbox) Status(now time.Time, sessionStatus SessionStatus) SandboxStatus {
	if s.DeletedAt != nil {
		return SandboxStatusDeleted
	}
	if s.ExpiresAt != nil && s.ExpiresAt.Before(now) {
		return SandboxStatusExpired
	}
	if s.CurrentSessionID == "" {
		return SandboxStatusIdle
	}
	switch sessionStatus {
	case SessionStatusReady:
		return SandboxStatusReady
	case SessionStatusFailed:
		return SandboxStatusFailed
	default:
		return SandboxStatusStarting
	}
}

// SessionStatus aggregates container readiness.
type SessionStatus string

const (
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusReady    SessionStatus = "ready"
	SessionStatusFailed   SessionStatus = "failed"
	SessionStatusStopped  SessionStatus = "stopped"
)

// SessionContainer is one running container backing a Session.
type SessionContainer struct {
	Name         string   `json:"name"`
	ContainerID  string   `json:"container_id"`
	Endpoint     string   `json:"endpoint"`
	RuntimeType  string   `json:"runtime_type"`
	Capabilities []string `json:"capabilities"`
	PrimaryFor   []string `json:"primary_for,omitempty"`
}

// Session is the ephemeral embodiment of running containers for a Sandbox.
type Session struct {
	ID         string              `json:"id"`
	SandboxID  string              `json:"sandbox_id"`
	ProfileID  string              `json:"profile_id"`
	Containers []SessionContainer  `json:"containers"`
	Status     SessionStatus       `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Cargo is a persistent storage volume.
type Cargo struct {
	ID                 string    `json:"id"`
	Owner              string    `json:"owner"`
	Managed            bool      `json:"managed"`
	ManagedBySandboxID string    `json:"managed_by_sandbox_id,omitempty"`
	Backend            string    `json:"backend"`
	DriverRef          string    `json:"driver_ref"`
	SizeLimitMB         int       `json:"size_limit_mb"`
	CreatedAt          time.Time `json:"created_at"`
	LastAccessedAt     time.Time `json:"last_accessed_at"`
}

// ContainerSpec is one container within a Profile.
type ContainerSpec struct {
	Name         string            `json:"name" yaml:"name"`
	Image        string            `json:"image" yaml:"image"`
	RuntimeType  string            `json:"runtime_type" yaml:"runtime_type"`
	RuntimePort  int               `json:"runtime_port" yaml:"runtime_port"`
	Resources    ResourceLimits    `json:"resources" yaml:"resources"`
	Capabilities []string          `json:"capabilities" yaml:"capabilities"`
	PrimaryFor   []string          `json:"primary_for" yaml:"primary_for"`
	Env          map[string]string `json:"env" yaml:"env"`
}

// ResourceLimits bounds CPU/memory for a container.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares" yaml:"cpu_shares"`
	MemoryMB  int64 `json:"memory_mb" yaml:"memory_mb"`
}

// StartupOrder controls whether a profile's containers are created/started
// in parallel or one after another.
type StartupOrder string

const (
	StartupOrderParallel   StartupOrder = "parallel"
	StartupOrderSequential StartupOrder = "sequential"
)

// Startup describes how a profile's containers come up.
type Startup struct {
	Order      StartupOrder `json:"order" yaml:"order"`
	WaitForAll bool         `json:"wait_for_all" yaml:"wait_for_all"`
}

// Profile is static configuration, never persisted to the database.
type Profile struct {
	ID          string          `json:"id" yaml:"id"`
	Description string          `json:"description" yaml:"description"`
	Containers  []ContainerSpec `json:"containers" yaml:"containers"`
	IdleTimeout time.Duration   `json:"idle_timeout" yaml:"idle_timeout"`
	Startup     Startup         `json:"startup" yaml:"startup"`
}

// Capabilities returns the union of capability names declared across every
// container in the profile, in declaration order, de-duplicated.
func (p *Profile) Capabilities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range p.Containers {
		for _, cap := range c.Capabilities {
			if !seen[cap] {
				seen[cap] = true
				out = append(out, cap)
			}
		}
	}
	return out
}

// IdempotencyRecord caches a prior write's response for replay.
type IdempotencyRecord struct {
	Key          string    `json:"key"`
	Owner        string    `json:"owner"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	RequestHash  string    `json:"request_hash"`
	ResponseBody []byte    `json:"response_body"`
	StatusCode   int       `json:"status_code"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExecutionRecord is a minimal row emitted on each capability call.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	SandboxID  string    `json:"sandbox_id"`
	SessionID  string    `json:"session_id"`
	ExecType   string    `json:"exec_type"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RuntimeInstance is a container or pod discovered by a Driver's
// list_runtime_instances, used only by garbage collection.
type RuntimeInstance struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
	State  string            `json:"state"`
}
