package models

import (
	"time"

	"github.com/uptrace/bun"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSleeping  RunStatus = "sleeping"
	RunWaiting   RunStatus = "waiting"
	RunRetrying  RunStatus = "retrying"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// WorkflowRun is one durable instance, unique per (workflow_name, correlation_id).
type WorkflowRun struct {
	bun.BaseModel `bun:"table:workflow_runs"`

	ID            string    `bun:"id,pk" json:"id"`
	WorkflowName  string    `bun:"workflow_name,notnull,unique:workflow_correlation" json:"workflow_name"`
	Version       int       `bun:"version,notnull" json:"version"`
	CorrelationID string    `bun:"correlation_id,notnull,unique:workflow_correlation" json:"correlation_id"`
	DealRoomID    string    `bun:"deal_room_id,nullzero" json:"deal_room_id,omitempty"`
	Status        RunStatus `bun:"status,notnull" json:"status"`
	Input         string    `bun:"input,type:text" json:"input"`
	WakeAt        time.Time `bun:"wake_at,nullzero" json:"wake_at,omitempty"`
	WaitingEvent  string    `bun:"waiting_event,nullzero" json:"waiting_event,omitempty"`
	WaitingKey    string    `bun:"waiting_key,nullzero" json:"waiting_key,omitempty"`
	CurrentStep   string    `bun:"current_step,nullzero" json:"current_step,omitempty"`
	Attempts      int       `bun:"attempts,notnull" json:"attempts"`
	LastError     string    `bun:"last_error,nullzero" json:"last_error,omitempty"`
	LeaseOwner    string    `bun:"lease_owner,nullzero" json:"-"`
	LeaseUntil    time.Time `bun:"lease_until,nullzero" json:"-"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
	CompletedAt   time.Time `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
}

type StepKind string

const (
	StepAction StepKind = "step"
	StepSleep  StepKind = "sleep"
	StepWait   StepKind = "wait"
)

type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
)

// WorkflowStep records a step's outcome. A completed step is never re-executed.
type WorkflowStep struct {
	bun.BaseModel `bun:"table:workflow_steps"`

	RunID       string     `bun:"run_id,pk" json:"run_id"`
	Name        string     `bun:"name,pk" json:"name"`
	Kind        StepKind   `bun:"kind,notnull" json:"kind"`
	Status      StepStatus `bun:"status,notnull" json:"status"`
	Result      string     `bun:"result,type:text" json:"result,omitempty"`
	Attempts    int        `bun:"attempts,notnull" json:"attempts"`
	WakeAt      time.Time  `bun:"wake_at,nullzero" json:"wake_at,omitempty"`
	LastError   string     `bun:"last_error,nullzero" json:"last_error,omitempty"`
	CreatedAt   time.Time  `bun:"created_at,notnull" json:"created_at"`
	CompletedAt time.Time  `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
}

// WorkflowSignal is a durable external event, matched by (event, key).
type WorkflowSignal struct {
	bun.BaseModel `bun:"table:workflow_signals"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	Event     string    `bun:"event,notnull" json:"event"`
	Key       string    `bun:"signal_key,notnull" json:"key"`
	Payload   string    `bun:"payload,type:text" json:"payload,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// Registered workflow names. Runs are unique per (name, correlation id).
const (
	WorkflowAuctionAutoClose  = "auction.auto_close"
	WorkflowEscrowAutoCapture = "escrow.auto_capture"
	WorkflowEscrowRelease     = "escrow.release"
	WorkflowEscrowRefund      = "escrow.refund"
	WorkflowPaymentRecovery   = "payment.failure_recovery"
)

// Internal trigger events that start release and refund runs.
const (
	TriggerReleaseRequested = "escrow.release_requested"
	TriggerRefundRequested  = "escrow.refund_requested"
)

// SettlementInput is the input of escrow and payment recovery runs.
type SettlementInput struct {
	OrderID    string `json:"order_id"`
	PaymentID  string `json:"payment_id,omitempty"`
	DealRoomID string `json:"deal_room_id"`
	Reason     string `json:"reason,omitempty"`
}
