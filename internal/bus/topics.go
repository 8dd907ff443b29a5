package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskSubmitted = "task.submitted"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskCancelled = "task.cancelled"
)

// Consensus and conflict topics.
const (
	TopicConsensusRecorded = "consensus.recorded"
	TopicConflictResolved  = "conflict.resolved"
)

// Connection lifecycle topics.
const (
	TopicConnectionOpened  = "connection.opened"
	TopicConnectionEvicted = "connection.evicted"
)

// TaskEvent is published on every task state change. Task is a snapshot the
// receiver may keep; it is typed as any to keep this package free of domain
// imports.
type TaskEvent struct {
	TaskID    string
	Name      string
	OldStatus string
	NewStatus string
	Agents    []string
	Error     string
	Task      any
	At        time.Time
}

// ConnectionEvent is published when a connection is admitted or removed.
type ConnectionEvent struct {
	ConnectionID string
	Agent        string
	Reason       string
	At           time.Time
}
