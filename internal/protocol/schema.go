package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidMessage wraps every schema or decode failure of an inbound frame.
var ErrInvalidMessage = errors.New("invalid message")

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["command", "subscribe", "unsubscribe", "ping", "pong",
      "agent_status", "notification", "task_progress", "trade_update",
      "system_metrics", "error"]},
    "data": {},
    "timestamp": {"type": "string"},
    "id": {"type": "string", "maxLength": 128}
  }
}`

const topicSchema = `{
  "type": "object",
  "required": ["topic"],
  "properties": {"topic": {"type": "string", "minLength": 1, "maxLength": 128}}
}`

const agentStatusSchema = `{
  "type": "object",
  "required": ["agent"],
  "properties": {
    "agent": {"type": "string", "minLength": 1, "maxLength": 64},
    "status": {"type": "string"}
  }
}`

const commandSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "args": {"type": "object"}
  }
}`

const notificationSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "title": {"type": "string"},
    "message": {"type": "string", "minLength": 1},
    "level": {"enum": ["info", "warning", "critical"]}
  }
}`

// submitTaskSchema is shared by the submit_task command and POST /api/tasks.
const submitTaskSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 256},
    "description": {"type": "string", "maxLength": 4096},
    "priority": {
      "oneOf": [
        {"type": "integer", "minimum": 1, "maximum": 4},
        {"enum": ["critical", "high", "medium", "low", "1", "2", "3", "4"]}
      ]
    },
    "agents": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 16},
    "dependencies": {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`

const taskIDSchema = `{
  "type": "object",
  "required": ["task_id"],
  "properties": {"task_id": {"type": "string", "minLength": 1}}
}`

const conflictSchema = `{
  "type": "object",
  "required": ["description"],
  "properties": {
    "description": {"type": "string", "minLength": 1},
    "agents": {"type": "array", "items": {"type": "string"}},
    "task_id": {"type": "string"},
    "context": {"type": "object"}
  }
}`

// Validator holds the compiled schemas for every inbound payload.
type Validator struct {
	envelope *jsonschema.Schema
	data     map[Type]*jsonschema.Schema
	args     map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		"envelope.json":     envelopeSchema,
		"topic.json":        topicSchema,
		"agent_status.json": agentStatusSchema,
		"command.json":      commandSchema,
		"notification.json": notificationSchema,
		"submit_task.json":  submitTaskSchema,
		"task_id.json":      taskIDSchema,
		"conflict.json":     conflictSchema,
	}
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}
	compile := func(name string) (*jsonschema.Schema, error) {
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return s, nil
	}

	v := &Validator{
		data: make(map[Type]*jsonschema.Schema),
		args: make(map[string]*jsonschema.Schema),
	}
	var err error
	if v.envelope, err = compile("envelope.json"); err != nil {
		return nil, err
	}
	for t, name := range map[Type]string{
		TypeSubscribe:    "topic.json",
		TypeUnsubscribe:  "topic.json",
		TypeAgentStatus:  "agent_status.json",
		TypeCommand:      "command.json",
		TypeNotification: "notification.json",
	} {
		if v.data[t], err = compile(name); err != nil {
			return nil, err
		}
	}
	for cmd, name := range map[string]string{
		CommandSubmitTask:      "submit_task.json",
		CommandTaskStatus:      "task_id.json",
		CommandCancelTask:      "task_id.json",
		CommandResolveConflict: "conflict.json",
	} {
		if v.args[cmd], err = compile(name); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// MustValidator panics when the built-in schemas fail to compile.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Parse validates a raw inbound frame and decodes it. Payload schemas are
// applied for the types that carry client data.
func (v *Validator) Parse(raw []byte) (Envelope, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	if err := v.envelope.Validate(doc); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	if s, ok := v.data[env.Type]; ok {
		if err := validateRaw(s, env.Data); err != nil {
			return env, fmt.Errorf("%w: %s data: %s", ErrInvalidMessage, env.Type, err)
		}
	}
	return env, nil
}

// ValidateArgs checks command arguments. Commands without arguments
// (system_status) and unknown commands pass; the dispatcher rejects the
// latter.
func (v *Validator) ValidateArgs(command string, args json.RawMessage) error {
	s, ok := v.args[command]
	if !ok {
		return nil
	}
	if err := validateRaw(s, args); err != nil {
		return fmt.Errorf("%w: %s args: %s", ErrInvalidMessage, command, err)
	}
	return nil
}

// ValidateSubmit checks a task submission body.
func (v *Validator) ValidateSubmit(body json.RawMessage) error {
	return v.ValidateArgs(CommandSubmitTask, body)
}

func validateRaw(s *jsonschema.Schema, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return s.Validate(doc)
}

// ValidatePayload checks data against the schema registered for t. Types
// without a payload schema pass.
func (v *Validator) ValidatePayload(t Type, data json.RawMessage) error {
	s, ok := v.data[t]
	if !ok {
		return nil
	}
	if err := validateRaw(s, data); err != nil {
		return fmt.Errorf("%w: %s data: %s", ErrInvalidMessage, t, err)
	}
	return nil
}
