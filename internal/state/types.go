// Package state holds the canonical supervisor aggregate: workspaces,
// threads, jobs, signals, activity feed, open questions, pending approvals,
// and chat history. All mutation goes through pure reducers; the Store
// serializes concurrent writers.
package state

const (
	// DefaultActivityFeedLimit bounds the retained activity feed entries.
	DefaultActivityFeedLimit = 200
	// DefaultChatHistoryLimit bounds the retained chat history.
	DefaultChatHistoryLimit = 500
	// JobEventLimit bounds the per-job recent event ring.
	JobEventLimit = 24
)

// Health describes workspace connectivity health.
type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthDegraded     Health = "degraded"
	HealthDisconnected Health = "disconnected"
)

// ThreadStatus describes the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadIdle            ThreadStatus = "idle"
	ThreadRunning         ThreadStatus = "running"
	ThreadWaitingInput    ThreadStatus = "waiting_input"
	ThreadWaitingApproval ThreadStatus = "waiting_approval"
	ThreadFailed          ThreadStatus = "failed"
	ThreadCompleted       ThreadStatus = "completed"
)

// JobStatus describes the lifecycle state of a dispatch job.
type JobStatus string

const (
	JobQueued         JobStatus = "queued"
	JobRunning        JobStatus = "running"
	JobWaitingForUser JobStatus = "waiting_for_user"
	JobFailed         JobStatus = "failed"
	JobCompleted      JobStatus = "completed"
)

// Terminal reports whether the status is a terminal job state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// SignalKind classifies a supervision signal.
type SignalKind string

const (
	SignalNeedsApproval SignalKind = "needs_approval"
	SignalFailed        SignalKind = "failed"
	SignalCompleted     SignalKind = "completed"
	SignalStalled       SignalKind = "stalled"
	SignalDisconnected  SignalKind = "disconnected"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleUser   ChatRole = "user"
	ChatRoleSystem ChatRole = "system"
)

// Workspace is the tracked state of one monitored workspace.
type Workspace struct {
	ID               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	Connected        bool     `json:"connected"`
	CurrentTask      string   `json:"current_task,omitempty"`
	LastActivityAtMs int64    `json:"last_activity_at_ms,omitempty"`
	NextExpectedStep string   `json:"next_expected_step,omitempty"`
	Blockers         []string `json:"blockers,omitempty"`
	Health           Health   `json:"health"`
	ActiveThreadID   string   `json:"active_thread_id,omitempty"`
}

// Thread is the tracked state of one conversational task within a workspace.
type Thread struct {
	ID               string       `json:"id"`
	WorkspaceID      string       `json:"workspace_id"`
	Name             string       `json:"name,omitempty"`
	Status           ThreadStatus `json:"status"`
	CurrentTask      string       `json:"current_task,omitempty"`
	LastActivityAtMs int64        `json:"last_activity_at_ms,omitempty"`
	NextExpectedStep string       `json:"next_expected_step,omitempty"`
	Blockers         []string     `json:"blockers,omitempty"`
	ActiveTurnID     string       `json:"active_turn_id,omitempty"`
}

// JobEvent is one entry in a job's bounded recent-event ring.
type JobEvent struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	CreatedAtMs int64          `json:"created_at_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Job tracks one dispatched prompt against one target workspace.
type Job struct {
	ID                 string     `json:"id"`
	WorkspaceID        string     `json:"workspace_id"`
	ThreadID           string     `json:"thread_id,omitempty"`
	DedupeKey          string     `json:"dedupe_key,omitempty"`
	Description        string     `json:"description,omitempty"`
	Status             JobStatus  `json:"status"`
	RequestedAtMs      int64      `json:"requested_at_ms"`
	StartedAtMs        int64      `json:"started_at_ms,omitempty"`
	CompletedAtMs      int64      `json:"completed_at_ms,omitempty"`
	Error              string     `json:"error,omitempty"`
	RouteKind          string     `json:"route_kind,omitempty"`
	RouteTarget        string     `json:"route_target,omitempty"`
	RouteReason        string     `json:"route_reason,omitempty"`
	RouteFallback      string     `json:"route_fallback,omitempty"`
	Model              string     `json:"model,omitempty"`
	Effort             string     `json:"effort,omitempty"`
	AccessMode         string     `json:"access_mode,omitempty"`
	WaitingRequestID   string     `json:"waiting_request_id,omitempty"`
	WaitingQuestionIDs []string   `json:"waiting_question_ids,omitempty"`
	RecentEvents       []JobEvent `json:"recent_events,omitempty"`
}

// Signal is a durable, acknowledgeable notification requiring human attention.
type Signal struct {
	ID               string         `json:"id"`
	Kind             SignalKind     `json:"kind"`
	WorkspaceID      string         `json:"workspace_id,omitempty"`
	ThreadID         string         `json:"thread_id,omitempty"`
	JobID            string         `json:"job_id,omitempty"`
	Message          string         `json:"message"`
	CreatedAtMs      int64          `json:"created_at_ms"`
	AcknowledgedAtMs int64          `json:"acknowledged_at_ms,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

// Acknowledged reports whether the signal has been acknowledged.
func (s Signal) Acknowledged() bool {
	return s.AcknowledgedAtMs != 0
}

// ActivityEntry is one row of the append-only activity feed projection.
type ActivityEntry struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	CreatedAtMs int64          `json:"created_at_ms"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	NeedsInput  bool           `json:"needs_input,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// OpenQuestion captures an unresolved question awaiting a human answer.
type OpenQuestion struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	ThreadID    string         `json:"thread_id"`
	Question    string         `json:"question"`
	CreatedAtMs int64          `json:"created_at_ms"`
	Context     map[string]any `json:"context,omitempty"`
}

// PendingApproval captures an unresolved approval request awaiting a decision.
type PendingApproval struct {
	RequestKey  string         `json:"request_key"`
	WorkspaceID string         `json:"workspace_id"`
	ThreadID    string         `json:"thread_id,omitempty"`
	TurnID      string         `json:"turn_id,omitempty"`
	ItemID      string         `json:"item_id,omitempty"`
	RequestID   string         `json:"request_id"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params,omitempty"`
	CreatedAtMs int64          `json:"created_at_ms"`
}

// ChatMessage is one entry of the durable chat history.
type ChatMessage struct {
	ID          string   `json:"id"`
	Role        ChatRole `json:"role"`
	Text        string   `json:"text"`
	CreatedAtMs int64    `json:"created_at_ms"`
}
