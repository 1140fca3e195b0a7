package supervisor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/basket/warden/internal/state"
)

func newTestLoop() *Loop {
	return NewLoop(DefaultConfig(), state.NewStore(nil), nil, nil, nil)
}

func trackedRunningJob(jobID, workspaceID, threadID string) state.Job {
	return state.Job{
		ID:            jobID,
		WorkspaceID:   workspaceID,
		ThreadID:      threadID,
		Description:   "Tracked subtask",
		Status:        state.JobRunning,
		RequestedAtMs: 1,
		StartedAtMs:   2,
	}
}

func applyRaw(t *testing.T, l *Loop, workspaceID, payload string, atMs int64) {
	t.Helper()
	l.ApplyRawEvent(context.Background(), workspaceID, json.RawMessage(payload), atMs)
}

func chatContains(history []state.ChatMessage, fragment string) bool {
	for _, msg := range history {
		if strings.Contains(msg.Text, fragment) {
			return true
		}
	}
	return false
}

func TestApprovalRequestRaisesSignalAndPendingApproval(t *testing.T) {
	l := newTestLoop()

	applyRaw(t, l, "ws-1", `{
		"id": 42,
		"method": "workspace/requestApproval",
		"params": {"threadId": "thread-1", "turnId": "turn-1", "itemId": "item-1", "mode": "full"}
	}`, 100)

	snap := l.Store().Snapshot()
	if _, ok := snap.PendingApprovals["ws-1:42"]; !ok {
		t.Fatal("pending approval not recorded")
	}
	if len(snap.Signals) != 1 || snap.Signals[0].Kind != state.SignalNeedsApproval {
		t.Fatalf("signals = %+v", snap.Signals)
	}
	if snap.Signals[0].ID != "approval:ws-1:42" {
		t.Fatalf("signal id = %q", snap.Signals[0].ID)
	}
	if snap.ActivityFeed[0].Kind != "needs_approval" || !snap.ActivityFeed[0].NeedsInput {
		t.Fatalf("activity head = %+v", snap.ActivityFeed[0])
	}
	if th, ok := snap.Thread("ws-1", "thread-1"); !ok || th.Status != state.ThreadWaitingApproval {
		t.Fatalf("thread = %+v ok=%v", th, ok)
	}
}

func TestTurnLifecycleBridgesIntoChatAndJob(t *testing.T) {
	l := newTestLoop()
	l.UpsertJob(trackedRunningJob("job-1", "ws-1", "thread-1"))

	applyRaw(t, l, "ws-1", `{
		"method": "turn/started",
		"params": {"turn": {"id": "turn-1", "threadId": "thread-1"}, "currentTask": "Ship release"}
	}`, 10)
	applyRaw(t, l, "ws-1", `{
		"method": "item/completed",
		"params": {"threadId": "thread-1", "item": {"id": "item-1", "type": "agentMessage", "preview": "Deployment finished successfully"}}
	}`, 15)
	applyRaw(t, l, "ws-1", `{
		"method": "turn/completed",
		"params": {"threadId": "thread-1", "turnId": "turn-1"}
	}`, 20)

	snap := l.Store().Snapshot()
	job := snap.Jobs["job-1"]
	if job.Status != state.JobCompleted {
		t.Fatalf("job status = %q", job.Status)
	}
	if job.CompletedAtMs != 20 {
		t.Fatalf("completed_at = %d", job.CompletedAtMs)
	}
	if len(job.RecentEvents) == 0 {
		t.Fatal("no job events recorded")
	}

	ws := snap.Workspaces["ws-1"]
	if ws.CurrentTask != "Ship release" || ws.ActiveThreadID != "thread-1" {
		t.Fatalf("workspace = %+v", ws)
	}
	th, _ := snap.Thread("ws-1", "thread-1")
	if th.Status != state.ThreadCompleted {
		t.Fatalf("thread status = %q", th.Status)
	}

	history := snap.ChatHistory
	if !chatContains(history, "Agent response: Deployment finished successfully") {
		t.Fatalf("missing bridged agent response in %v", history)
	}
	if !chatContains(history, "Subtask completed.") {
		t.Fatalf("missing completion summary in %v", history)
	}
	if !chatContains(history, "[subtask:job-1 ws:ws-1 thread:thread-1]") {
		t.Fatalf("missing bridge prefix in %v", history)
	}
}

func TestChildQuestionMarksJobWaitingForUser(t *testing.T) {
	l := newTestLoop()
	l.UpsertJob(trackedRunningJob("job-2", "ws-2", "thread-2"))

	applyRaw(t, l, "ws-2", `{
		"id": "req-7",
		"method": "item/tool/requestUserInput",
		"params": {
			"threadId": "thread-2",
			"turnId": "turn-2",
			"itemId": "item-2",
			"questions": [{"id": "q-1", "question": "Should I restart the service?"}]
		}
	}`, 20)

	snap := l.Store().Snapshot()
	job := snap.Jobs["job-2"]
	if job.Status != state.JobWaitingForUser {
		t.Fatalf("job status = %q", job.Status)
	}
	if job.WaitingRequestID != "req-7" {
		t.Fatalf("waiting request id = %q", job.WaitingRequestID)
	}
	if len(job.WaitingQuestionIDs) != 1 || job.WaitingQuestionIDs[0] != "q-1" {
		t.Fatalf("waiting question ids = %v", job.WaitingQuestionIDs)
	}
	if _, ok := snap.OpenQuestions["ws-2:req-7"]; !ok {
		t.Fatal("open question not recorded")
	}
	if !chatContains(snap.ChatHistory, "Child task asks: Should I restart the service?") {
		t.Fatalf("missing bridged question in %v", snap.ChatHistory)
	}
}

func TestChildErrorMarksJobFailed(t *testing.T) {
	l := newTestLoop()
	l.UpsertJob(trackedRunningJob("job-3", "ws-3", "thread-3"))

	applyRaw(t, l, "ws-3", `{
		"method": "error",
		"params": {
			"threadId": "thread-3",
			"turnId": "turn-3",
			"error": {"message": "Build failed on step test"},
			"willRetry": false
		}
	}`, 30)

	snap := l.Store().Snapshot()
	job := snap.Jobs["job-3"]
	if job.Status != state.JobFailed || job.Error != "Build failed on step test" {
		t.Fatalf("job = %+v", job)
	}
	if !chatContains(snap.ChatHistory, "Child task failed: Build failed on step test") {
		t.Fatalf("missing bridged failure in %v", snap.ChatHistory)
	}
	th, _ := snap.Thread("ws-3", "thread-3")
	if th.Status != state.ThreadFailed {
		t.Fatalf("thread status = %q", th.Status)
	}
}

func TestRetryableErrorKeepsJobRunning(t *testing.T) {
	l := newTestLoop()
	l.UpsertJob(trackedRunningJob("job-4", "ws-4", "thread-4"))

	applyRaw(t, l, "ws-4", `{
		"method": "error",
		"params": {"threadId": "thread-4", "message": "rate limited", "willRetry": true}
	}`, 40)

	snap := l.Store().Snapshot()
	job := snap.Jobs["job-4"]
	if job.Status != state.JobRunning || job.Error != "" {
		t.Fatalf("job = %+v", job)
	}
	if !chatContains(snap.ChatHistory, "Child task reported an error but will retry: rate limited") {
		t.Fatalf("missing retry bridge in %v", snap.ChatHistory)
	}
}

func TestLifecycleNoiseRefreshesHeartbeatOnly(t *testing.T) {
	l := newTestLoop()

	applyRaw(t, l, "ws-1", `{"method": "thread/tokenUsage", "params": {"tokens": 9}}`, 50)

	snap := l.Store().Snapshot()
	if len(snap.Signals) != 0 || len(snap.ActivityFeed) != 0 || len(snap.ChatHistory) != 0 {
		t.Fatalf("noise produced state: %+v", snap)
	}
	if at, ok := l.lastEventAt("ws-1"); !ok || at != 50 {
		t.Fatalf("heartbeat = %d ok=%v", at, ok)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	l := newTestLoop()

	applyRaw(t, l, "ws-1", `{"method": "turn/started", "params": {"threadId": "t-1"}}`, 60)

	snap := l.Store().Snapshot()
	if len(snap.ActivityFeed) != 0 {
		t.Fatalf("malformed event changed state: %+v", snap.ActivityFeed)
	}
	if at, ok := l.lastEventAt("ws-1"); !ok || at != 60 {
		t.Fatalf("heartbeat should still refresh, got %d ok=%v", at, ok)
	}
}

func TestWorkspaceConnectedHello(t *testing.T) {
	l := newTestLoop()

	applyRaw(t, l, "ws-1", `{"method": "workspace/connected"}`, 70)

	snap := l.Store().Snapshot()
	ws := snap.Workspaces["ws-1"]
	if !ws.Connected || ws.Health != state.HealthHealthy || ws.LastActivityAtMs != 70 {
		t.Fatalf("workspace = %+v", ws)
	}
	if snap.ActivityFeed[0].Kind != "workspace_connected" {
		t.Fatalf("activity head = %+v", snap.ActivityFeed[0])
	}
}
