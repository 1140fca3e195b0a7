// Package audit appends supervisor control actions to a JSONL trail:
// dispatches, signal acknowledgements, approval decisions, reply deliveries.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/shared"
)

type entry struct {
	Timestamp   string `json:"timestamp"`
	Operation   string `json:"operation"`
	Outcome     string `json:"outcome"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	failureCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the total number of failed outcomes since startup.
func FailureCount() int64 {
	return failureCount.Load()
}

// Record appends one audit entry. Detail is redacted before persistence.
func Record(operation, outcome, workspaceID, jobID, detail string) {
	if outcome == "failed" {
		failureCount.Add(1)
	}

	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	ev := entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Operation:   operation,
		Outcome:     outcome,
		WorkspaceID: workspaceID,
		JobID:       jobID,
		Detail:      detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
