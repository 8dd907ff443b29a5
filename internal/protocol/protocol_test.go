package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewAndDecode(t *testing.T) {
	env, err := New(TypeSubscribe, SubscribeData{Topic: TopicTaskProgress})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.ID == "" || env.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", env)
	}
	var got SubscribeData
	if err := env.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Topic != TopicTaskProgress {
		t.Fatalf("topic = %q", got.Topic)
	}
}

func TestDecodeEmptyData(t *testing.T) {
	env := Pong("abc")
	var v map[string]any
	if err := env.Decode(&v); err == nil {
		t.Fatal("expected error decoding empty data")
	}
	if env.ID != "abc" || env.Type != TypePong {
		t.Fatalf("pong = %+v", env)
	}
}

func TestErrorf(t *testing.T) {
	env := Errorf("req-1", CodeInvalidArgs, "bad %s", "thing")
	var data ErrorData
	if err := env.Decode(&data); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if data.Code != CodeInvalidArgs || data.Message != "bad thing" || data.RequestID != "req-1" {
		t.Fatalf("unexpected error data %+v", data)
	}
}

func TestParseValidEnvelopes(t *testing.T) {
	v := MustValidator()
	cases := []string{
		`{"type":"ping","id":"p1"}`,
		`{"type":"subscribe","data":{"topic":"task_progress"}}`,
		`{"type":"unsubscribe","data":{"topic":"trade_updates"}}`,
		`{"type":"agent_status","data":{"agent":"research","status":"ready"}}`,
		`{"type":"command","data":{"command":"system_status"}}`,
		`{"type":"trade_update","data":{"symbol":"BTC"},"timestamp":"2026-01-02T03:04:05Z"}`,
	}
	for _, raw := range cases {
		if _, err := v.Parse([]byte(raw)); err != nil {
			t.Errorf("Parse(%s): %v", raw, err)
		}
	}
}

func TestParseRejects(t *testing.T) {
	v := MustValidator()
	cases := map[string]string{
		"not json":             `{"type":`,
		"missing type":         `{"id":"x"}`,
		"unknown type":         `{"type":"dance"}`,
		"subscribe no topic":   `{"type":"subscribe","data":{}}`,
		"empty topic":          `{"type":"subscribe","data":{"topic":""}}`,
		"agent_status no name": `{"type":"agent_status","data":{"status":"ok"}}`,
		"command not object":   `{"type":"command","data":"submit"}`,
		"bad timestamp":        `{"type":"ping","timestamp":"yesterday"}`,
		"numeric id":           `{"type":"ping","id":7}`,
	}
	for name, raw := range cases {
		_, err := v.Parse([]byte(raw))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("%s: error %v does not wrap ErrInvalidMessage", name, err)
		}
	}
}

func TestValidateSubmit(t *testing.T) {
	v := MustValidator()
	ok := []string{
		`{"name":"scan"}`,
		`{"name":"scan","priority":2}`,
		`{"name":"scan","priority":"high","agents":["research"]}`,
		`{"name":"scan","dependencies":["a","b"]}`,
	}
	for _, raw := range ok {
		if err := v.ValidateSubmit(json.RawMessage(raw)); err != nil {
			t.Errorf("ValidateSubmit(%s): %v", raw, err)
		}
	}
	bad := []string{
		`{}`,
		`{"name":""}`,
		`{"name":"scan","priority":9}`,
		`{"name":"scan","priority":"urgent"}`,
		`{"name":"scan","agents":"research"}`,
		``,
	}
	for _, raw := range bad {
		if err := v.ValidateSubmit(json.RawMessage(raw)); err == nil {
			t.Errorf("ValidateSubmit(%q): expected error", raw)
		}
	}
}

func TestValidateArgs(t *testing.T) {
	v := MustValidator()
	if err := v.ValidateArgs(CommandTaskStatus, json.RawMessage(`{"task_id":"t1"}`)); err != nil {
		t.Fatalf("task_status: %v", err)
	}
	if err := v.ValidateArgs(CommandCancelTask, json.RawMessage(`{}`)); err == nil {
		t.Fatal("cancel_task without task_id should fail")
	}
	err := v.ValidateArgs(CommandResolveConflict, json.RawMessage(`{"description":""}`))
	if err == nil || !strings.Contains(err.Error(), CommandResolveConflict) {
		t.Fatalf("resolve_conflict error = %v", err)
	}
	if err := v.ValidateArgs(CommandSystemStatus, nil); err != nil {
		t.Fatalf("system_status takes no args: %v", err)
	}
	if err := v.ValidateArgs("reboot", nil); err != nil {
		t.Fatalf("unknown commands are left to the dispatcher: %v", err)
	}
}
