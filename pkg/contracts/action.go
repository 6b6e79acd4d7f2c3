package contracts

import "time"

// ActionState is the lifecycle of a queued action execution. The
// enforcement core only manages the queue boundary; the actions
// orchestrator performs the cloud-side work.
type ActionState string

const (
	ActionQueued    ActionState = "QUEUED"
	ActionRunning   ActionState = "RUNNING"
	ActionSucceeded ActionState = "SUCCEEDED"
	ActionFailed    ActionState = "FAILED"
	ActionCancelled ActionState = "CANCELLED"
)

// ActionExecution is one approved decision handed to the orchestrator.
type ActionExecution struct {
	ID         string      `json:"id"`
	DecisionID string      `json:"decision_id"`
	ApprovalID string      `json:"approval_id,omitempty"`
	TenantID   string      `json:"tenant_id"`
	State      ActionState `json:"state"`
	Attempts   int         `json:"attempts"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
