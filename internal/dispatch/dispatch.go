// Package dispatch executes dispatch actions against workspace backends with
// workspace-scoped idempotency. Replaying a dedupe key returns the recorded
// outcome instead of starting a second turn.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/warden/internal/otel"
)

// Status is the outcome of one dispatch action.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
)

// Action is one request to start a turn in a target workspace.
type Action struct {
	ActionID      string `json:"action_id"`
	WorkspaceID   string `json:"workspace_id"`
	ThreadID      string `json:"thread_id,omitempty"`
	Prompt        string `json:"prompt"`
	DedupeKey     string `json:"dedupe_key,omitempty"`
	Model         string `json:"model,omitempty"`
	Effort        string `json:"effort,omitempty"`
	AccessMode    string `json:"access_mode,omitempty"`
	RouteKind     string `json:"route_kind,omitempty"`
	RouteTarget   string `json:"route_target,omitempty"`
	RouteReason   string `json:"route_reason,omitempty"`
	RouteFallback string `json:"route_fallback,omitempty"`
}

// Result is the outcome of one action. On an idempotent replay the result
// carries the caller's action id but the original dispatch's thread, turn,
// and status.
type Result struct {
	ActionID         string `json:"action_id"`
	WorkspaceID      string `json:"workspace_id"`
	DedupeKey        string `json:"dedupe_key"`
	Status           Status `json:"status"`
	ThreadID         string `json:"thread_id,omitempty"`
	TurnID           string `json:"turn_id,omitempty"`
	Error            string `json:"error,omitempty"`
	IdempotentReplay bool   `json:"idempotent_replay"`
}

// BatchResult holds per-action results in the order the actions were given.
type BatchResult struct {
	Results []Result `json:"results"`
}

// Backend starts threads and turns in a target workspace.
type Backend interface {
	StartThread(ctx context.Context, workspaceID string) (map[string]any, error)
	ResumeThread(ctx context.Context, workspaceID, threadID string) (map[string]any, error)
	StartTurn(ctx context.Context, workspaceID, threadID, prompt, model, effort, accessMode string) (map[string]any, error)
}

// Defaults fills execution parameters an action omits and bounds how many
// actions run at once.
type Defaults struct {
	Model      string
	Effort     string
	AccessMode string
	// MaxConcurrent caps in-flight backend calls per batch. 0 = unlimited.
	MaxConcurrent int
}

// Executor runs dispatch actions. The idempotency ledger is keyed by
// "workspaceID:dedupeToken"; concurrent dispatches that collide on a key
// produce exactly one backend call, with the loser waiting for and replaying
// the winner's result.
type Executor struct {
	log     *slog.Logger
	metrics *otel.Metrics

	mu       sync.Mutex
	entries  map[string]*ledgerEntry
	defaults Defaults
	slots    chan struct{}
}

type ledgerEntry struct {
	done   chan struct{}
	result Result
}

// NewExecutor builds an executor. Logger and metrics are optional.
func NewExecutor(log *slog.Logger, metrics *otel.Metrics) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		log:     log,
		metrics: metrics,
		entries: map[string]*ledgerEntry{},
	}
}

// SetDefaults installs the execution-parameter defaults and the concurrency
// bound applied to later dispatches.
func (e *Executor) SetDefaults(d Defaults) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaults = d
	if d.MaxConcurrent > 0 {
		e.slots = make(chan struct{}, d.MaxConcurrent)
	} else {
		e.slots = nil
	}
}

// DispatchBatch runs every action concurrently, bounded by MaxConcurrent,
// and returns results in input order.
func (e *Executor) DispatchBatch(ctx context.Context, backend Backend, actions []Action) BatchResult {
	e.mu.Lock()
	slots := e.slots
	e.mu.Unlock()

	results := make([]Result, len(actions))
	var wg sync.WaitGroup
	for i, action := range actions {
		wg.Add(1)
		go func(i int, action Action) {
			defer wg.Done()
			if slots != nil {
				select {
				case slots <- struct{}{}:
					defer func() { <-slots }()
				case <-ctx.Done():
					results[i] = Result{
						ActionID:    action.ActionID,
						WorkspaceID: action.WorkspaceID,
						DedupeKey:   action.DedupeKey,
						Status:      StatusFailed,
						Error:       ctx.Err().Error(),
					}
					return
				}
			}
			results[i] = e.Dispatch(ctx, backend, action)
		}(i, action)
	}
	wg.Wait()
	return BatchResult{Results: results}
}

// Dispatch runs one action through the idempotency ledger.
func (e *Executor) Dispatch(ctx context.Context, backend Backend, action Action) Result {
	normalized, err := normalizeAction(e.applyDefaults(action))
	if err != nil {
		return Result{
			ActionID:    action.ActionID,
			WorkspaceID: action.WorkspaceID,
			DedupeKey:   action.DedupeKey,
			Status:      StatusFailed,
			Error:       err.Error(),
		}
	}

	key := normalized.idempotencyKey()

	e.mu.Lock()
	if existing, ok := e.entries[key]; ok {
		e.mu.Unlock()
		select {
		case <-existing.done:
		case <-ctx.Done():
			return failedResult(normalized, ctx.Err().Error(), "", false)
		}
		replay := existing.result
		replay.ActionID = normalized.actionID
		replay.IdempotentReplay = true
		e.countReplay(ctx, normalized.workspaceID)
		return replay
	}
	entry := &ledgerEntry{done: make(chan struct{})}
	e.entries[key] = entry
	e.mu.Unlock()

	started := time.Now()
	result := e.dispatchNormalized(ctx, backend, normalized)
	entry.result = result
	close(entry.done)

	e.observe(ctx, result, time.Since(started))
	return result
}

func (e *Executor) dispatchNormalized(ctx context.Context, backend Backend, action normalizedAction) Result {
	threadID, err := e.ensureThread(ctx, backend, action)
	if err != nil {
		return failedResult(action, err.Error(), "", false)
	}

	response, err := backend.StartTurn(ctx, action.workspaceID, threadID, action.prompt, action.model, action.effort, action.accessMode)
	if err != nil {
		return failedResult(action, err.Error(), threadID, false)
	}
	if msg, ok := ResponseErrorMessage(response); ok {
		return failedResult(action, msg, threadID, false)
	}

	return Result{
		ActionID:    action.actionID,
		WorkspaceID: action.workspaceID,
		DedupeKey:   action.dedupeToken,
		Status:      StatusDispatched,
		ThreadID:    threadID,
		TurnID:      ExtractTurnID(response),
	}
}

// ensureThread resumes the hinted thread or starts a fresh one. A resume
// response without a thread id falls back to the hint; a start response
// without one is an error.
func (e *Executor) ensureThread(ctx context.Context, backend Backend, action normalizedAction) (string, error) {
	if action.threadID != "" {
		response, err := backend.ResumeThread(ctx, action.workspaceID, action.threadID)
		if err != nil {
			return "", err
		}
		if msg, ok := ResponseErrorMessage(response); ok {
			return "", fmt.Errorf("%s", msg)
		}
		if id := ExtractThreadID(response); id != "" {
			return id, nil
		}
		return action.threadID, nil
	}

	response, err := backend.StartThread(ctx, action.workspaceID)
	if err != nil {
		return "", err
	}
	if msg, ok := ResponseErrorMessage(response); ok {
		return "", fmt.Errorf("%s", msg)
	}
	if id := ExtractThreadID(response); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("thread/start response did not include threadId for workspace `%s`", action.workspaceID)
}

func (e *Executor) observe(ctx context.Context, result Result, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		otel.AttrWorkspaceID.String(result.WorkspaceID),
		otel.AttrDispatchStatus.String(string(result.Status)),
	)
	if e.metrics.DispatchesTotal != nil {
		e.metrics.DispatchesTotal.Add(ctx, 1, attrs)
	}
	if e.metrics.DispatchDuration != nil {
		e.metrics.DispatchDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (e *Executor) countReplay(ctx context.Context, workspaceID string) {
	if e.metrics == nil || e.metrics.DispatchReplays == nil {
		return
	}
	e.metrics.DispatchReplays.Add(ctx, 1, metric.WithAttributes(
		otel.AttrWorkspaceID.String(workspaceID),
	))
}

type normalizedAction struct {
	actionID    string
	workspaceID string
	threadID    string
	prompt      string
	dedupeToken string
	model       string
	effort      string
	accessMode  string
}

func (a normalizedAction) idempotencyKey() string {
	return fmt.Sprintf("%s:%s", a.workspaceID, a.dedupeToken)
}

func (e *Executor) applyDefaults(action Action) Action {
	e.mu.Lock()
	d := e.defaults
	e.mu.Unlock()
	if strings.TrimSpace(action.Model) == "" {
		action.Model = d.Model
	}
	if strings.TrimSpace(action.Effort) == "" {
		action.Effort = d.Effort
	}
	if strings.TrimSpace(action.AccessMode) == "" {
		action.AccessMode = d.AccessMode
	}
	return action
}

func normalizeAction(action Action) (normalizedAction, error) {
	actionID := strings.TrimSpace(action.ActionID)
	if actionID == "" {
		return normalizedAction{}, fmt.Errorf("action_id is required")
	}
	workspaceID := strings.TrimSpace(action.WorkspaceID)
	if workspaceID == "" {
		return normalizedAction{}, fmt.Errorf("workspace_id is required")
	}
	prompt := strings.TrimSpace(action.Prompt)
	if prompt == "" {
		return normalizedAction{}, fmt.Errorf("prompt is required")
	}
	dedupeToken := strings.TrimSpace(action.DedupeKey)
	if dedupeToken == "" {
		dedupeToken = actionID
	}
	accessMode, err := NormalizeAccessMode(action.AccessMode)
	if err != nil {
		return normalizedAction{}, err
	}
	return normalizedAction{
		actionID:    actionID,
		workspaceID: workspaceID,
		threadID:    strings.TrimSpace(action.ThreadID),
		prompt:      prompt,
		dedupeToken: dedupeToken,
		model:       strings.TrimSpace(action.Model),
		effort:      strings.TrimSpace(action.Effort),
		accessMode:  accessMode,
	}, nil
}

func failedResult(action normalizedAction, errMsg, threadID string, replay bool) Result {
	return Result{
		ActionID:         action.actionID,
		WorkspaceID:      action.workspaceID,
		DedupeKey:        action.dedupeToken,
		Status:           StatusFailed,
		ThreadID:         threadID,
		Error:            errMsg,
		IdempotentReplay: replay,
	}
}

// ResponseErrorMessage pulls a human-readable error out of a backend
// response: error.message, a bare error string, or the stringified error
// value.
func ResponseErrorMessage(response map[string]any) (string, bool) {
	raw, ok := response["error"]
	if !ok || raw == nil {
		return "", false
	}
	if errObj, ok := raw.(map[string]any); ok {
		if msg, ok := errObj["message"].(string); ok {
			if trimmed := strings.TrimSpace(msg); trimmed != "" {
				return trimmed, true
			}
		}
	}
	if msg, ok := raw.(string); ok {
		if trimmed := strings.TrimSpace(msg); trimmed != "" {
			return trimmed, true
		}
	}
	return fmt.Sprintf("%v", raw), true
}

// ExtractThreadID reads the thread id from a backend response, checking the
// result envelope first and accepting both flat and nested shapes.
func ExtractThreadID(response map[string]any) string {
	return extractID(response, "threadId", "thread")
}

// ExtractTurnID reads the turn id from a backend response.
func ExtractTurnID(response map[string]any) string {
	return extractID(response, "turnId", "turn")
}

func extractID(response map[string]any, flatKey, nestedKey string) string {
	if result, ok := response["result"].(map[string]any); ok {
		if id := idFrom(result, flatKey, nestedKey); id != "" {
			return id
		}
	}
	return idFrom(response, flatKey, nestedKey)
}

func idFrom(m map[string]any, flatKey, nestedKey string) string {
	if id, ok := m[flatKey].(string); ok && id != "" {
		return id
	}
	if nested, ok := m[nestedKey].(map[string]any); ok {
		if id, ok := nested["id"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
