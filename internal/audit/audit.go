// Package audit appends operator actions to a JSONL trail under the gofleet
// home directory: task cancellations, broadcasts, conflict resolutions,
// configuration changes and rejected credentials.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-fleet/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one line of the trail.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject,omitempty"`
	Target    string `json:"target,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Log is safe for concurrent use. A nil *Log records nothing.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	denyCount atomic.Int64
}

// Path returns where Open writes the trail for homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func Open(homeDir string) (*Log, error) {
	path := Path(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, path: path}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the number of deny decisions since Open.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

// Record appends one entry. Subject and reason are redacted before they hit
// disk.
func (l *Log) Record(ctx context.Context, action, decision, subject, target, reason string) {
	if l == nil {
		return
	}
	if decision == DecisionDeny {
		l.denyCount.Add(1)
	}
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Decision:  decision,
		Subject:   shared.Redact(subject),
		Target:    target,
		Reason:    shared.Redact(reason),
	}
	if id := shared.TraceID(ctx); id != "-" {
		e.TraceID = id
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
