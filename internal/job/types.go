// Package job owns the job model and its state machine. The Manager is
// the only component that persists authoritative job state; everything
// else reads or requests mutation through it.
package job

import (
	"time"
)

// Status is a job lifecycle state.
type Status string

// Lifecycle: queued → provisioning → running → {completed | failed},
// with cancelled reachable from any non-terminal state.
const (
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NonTerminal lists every state a finalization may transition from.
var NonTerminal = []Status{StatusQueued, StatusProvisioning, StatusRunning}

// Job is the authoritative record of one batch job.
type Job struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Status             Status     `json:"status"`
	Provider           string     `json:"provider"`
	InstanceType       string     `json:"instance_type"`
	Image              string     `json:"image"`
	Location           string     `json:"location,omitempty"`
	SSHKeyIDs          []string   `json:"ssh_key_ids,omitempty"`
	StartupScript      string     `json:"startup_script,omitempty"`
	AutoShutdown       bool       `json:"auto_shutdown"`
	HeartbeatTimeout   int        `json:"heartbeat_timeout_seconds"`
	MaxRuntimeSeconds  int        `json:"max_runtime_seconds,omitempty"` // 0 means no hard deadline
	ProviderInstanceID string     `json:"provider_instance_id,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ProvisionedAt      *time.Time `json:"provisioned_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt    *time.Time `json:"last_heartbeat,omitempty"`
}

// Clone returns a deep copy so store reads never alias internal state.
func (j *Job) Clone() *Job {
	c := *j
	if j.SSHKeyIDs != nil {
		c.SSHKeyIDs = append([]string(nil), j.SSHKeyIDs...)
	}
	c.ProvisionedAt = cloneTime(j.ProvisionedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.LastHeartbeatAt = cloneTime(j.LastHeartbeatAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SubmitRequest is the job submission payload.
type SubmitRequest struct {
	Name             string   `json:"name,omitempty"`
	Provider         string   `json:"provider"`
	InstanceType     string   `json:"instance_type"`
	Image            string   `json:"image"`
	Location         string   `json:"location,omitempty"`
	SSHKeyIDs        []string `json:"ssh_key_ids,omitempty"`
	StartupScript    string   `json:"startup_script,omitempty"`
	AutoShutdown     bool     `json:"auto_shutdown,omitempty"`
	HeartbeatTimeout int      `json:"heartbeat_timeout_seconds,omitempty"`
	MaxRuntime       int      `json:"max_runtime_seconds,omitempty"`
}

// ListResponse wraps the job listing.
type ListResponse struct {
	Jobs []*Job `json:"jobs"`
}

// DefaultHeartbeatTimeout is applied when the submission omits
// heartbeat_timeout_seconds.
const DefaultHeartbeatTimeout = 600
