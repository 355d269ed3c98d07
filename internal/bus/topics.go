package bus

import "time"

// Topics published by the governance core.
const (
	TopicAuditRecorded     = "audit.recorded"
	TopicTaskStateChanged  = "task.state_changed"
	TopicTaskCompleted     = "task.completed"
	TopicBreakerChanged    = "breaker.state_changed"
	TopicDLQParked         = "dlq.parked"
	TopicDLQResolved       = "dlq.resolved"
	TopicApprovalRequested = "approval.requested"
	TopicApprovalDecided   = "approval.decided"
	TopicOutboxAmbiguous   = "outbox.ambiguous"
	TopicNotifyAlert       = "notify.alert"
	TopicPolicyReloaded    = "policy.reloaded"
)

// TaskStateChangedEvent is published after every persisted task transition.
type TaskStateChangedEvent struct {
	TaskID    string
	SessionID string
	From      string
	To        string
	Reason    string
	At        time.Time
}

// BreakerChangedEvent is published when a circuit breaker changes state.
type BreakerChangedEvent struct {
	Name   string
	From   string
	To     string
	Reason string
	At     time.Time
}

// DLQEvent is published when an entry is parked or resolved.
type DLQEvent struct {
	EntryID        string
	TaskID         string
	IdempotencyKey string
	Resolution     string
}

// ApprovalEvent is published when an approval is requested or decided.
type ApprovalEvent struct {
	ApprovalID string
	TaskID     string
	Action     string
	Outcome    string
}

// AlertEvent mirrors a notifier message for in-process subscribers.
type AlertEvent struct {
	Severity string
	Title    string
	Text     string
	TaskID   string
}

// OutboxEvent is published when a ledger record is found or left in doubt.
type OutboxEvent struct {
	Key       string
	TaskID    string
	Operation string
	Status    string
}
