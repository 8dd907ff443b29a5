// Package protocol defines the JSON envelope exchanged over agent and
// operator websocket connections, and the command payloads it carries.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the envelope discriminator.
type Type string

const (
	TypeCommand       Type = "command"
	TypeSubscribe     Type = "subscribe"
	TypeUnsubscribe   Type = "unsubscribe"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeAgentStatus   Type = "agent_status"
	TypeNotification  Type = "notification"
	TypeTaskProgress  Type = "task_progress"
	TypeTradeUpdate   Type = "trade_update"
	TypeSystemMetrics Type = "system_metrics"
	TypeError         Type = "error"
)

// Types lists every envelope type in wire order.
var Types = []Type{
	TypeCommand, TypeSubscribe, TypeUnsubscribe, TypePing, TypePong,
	TypeAgentStatus, TypeNotification, TypeTaskProgress, TypeTradeUpdate,
	TypeSystemMetrics, TypeError,
}

// Topics the server publishes on. Clients subscribe to them by name.
const (
	TopicTaskProgress  = "task_progress"
	TopicSystemMetrics = "system_metrics"
	TopicNotifications = "notifications"
	TopicTradeUpdates  = "trade_updates"
	TopicConflicts     = "conflicts"
)

// Envelope is the single message shape on the wire.
type Envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id"`
}

// New builds an envelope with a fresh id. data is marshalled; a nil data
// leaves the field empty.
func New(t Type, data any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UTC(), ID: uuid.NewString()}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// MustNew is New for payloads that always marshal (maps and plain structs).
func MustNew(t Type, data any) Envelope {
	env, err := New(t, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Pong answers a ping, echoing its id.
func Pong(pingID string) Envelope {
	return Envelope{Type: TypePong, Timestamp: time.Now().UTC(), ID: pingID}
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RequestID echoes the id of the envelope that caused the error.
	RequestID string `json:"request_id,omitempty"`
}

// Error codes carried in ErrorData.Code.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownCommand = "unknown_command"
	CodeInvalidArgs    = "invalid_args"
	CodeNotFound       = "not_found"
	CodeCommandFailed  = "command_failed"
	CodeRateLimited    = "rate_limited"
)

// Errorf builds an error envelope replying to requestID.
func Errorf(requestID, code, format string, args ...any) Envelope {
	return MustNew(TypeError, ErrorData{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		RequestID: requestID,
	})
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// SubscribeData is the payload of subscribe and unsubscribe.
type SubscribeData struct {
	Topic string `json:"topic"`
}

// AgentStatusData binds a connection to an agent identity.
type AgentStatusData struct {
	Agent  string `json:"agent"`
	Status string `json:"status,omitempty"`
}

// NotificationData is an operator broadcast.
type NotificationData struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// TaskProgressData is published on the task_progress topic for every task
// state change and consensus record.
type TaskProgressData struct {
	TaskID         string    `json:"task_id"`
	Name           string    `json:"name,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Agents         []string  `json:"agents,omitempty"`
	Error          string    `json:"error,omitempty"`
	Decision       string    `json:"decision,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	At             time.Time `json:"at"`
}

// Command names accepted in a command envelope.
const (
	CommandSubmitTask      = "submit_task"
	CommandTaskStatus      = "task_status"
	CommandCancelTask      = "cancel_task"
	CommandSystemStatus    = "system_status"
	CommandResolveConflict = "resolve_conflict"
)

// CommandData is the payload of a command envelope.
type CommandData struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// CommandResult is sent back as a notification envelope after a command.
type CommandResult struct {
	Command   string `json:"command"`
	RequestID string `json:"request_id"`
	Result    any    `json:"result"`
}

// TaskIDArgs is the argument of task_status and cancel_task.
type TaskIDArgs struct {
	TaskID string `json:"task_id"`
}

// ConflictArgs is the argument of resolve_conflict.
type ConflictArgs struct {
	Description string         `json:"description"`
	Agents      []string       `json:"agents,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}
