// Package supervisor runs the reconciliation loop: it folds normalized
// workspace events into the aggregate, bridges subtask progress into the
// supervisor chat, and grades workspace health from both push activity and
// pull probes.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/events"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/state"
)

// MethodWorkspaceConnected is the session hello announcing a workspace came
// online. It carries no turn context and is handled outside the normal
// event application path.
const MethodWorkspaceConnected = "workspace/connected"

// Config carries the health thresholds and feed bounds for one loop.
type Config struct {
	StaleAfterMs        int64
	DisconnectedAfterMs int64
	ActivityFeedLimit   int
	ChatHistoryLimit    int
}

// DefaultConfig mirrors the shipped defaults: degrade after 90s of silence,
// declare disconnected after 5m.
func DefaultConfig() Config {
	return Config{
		StaleAfterMs:        90_000,
		DisconnectedAfterMs: 300_000,
		ActivityFeedLimit:   state.DefaultActivityFeedLimit,
		ChatHistoryLimit:    state.DefaultChatHistoryLimit,
	}
}

// HealthInput is one workspace's pull-probe result fed into RunHealthCheck.
type HealthInput struct {
	WorkspaceID   string
	WorkspaceName string
	Connected     bool
}

// Loop owns the per-workspace heartbeat ledger and applies every event
// through the shared store.
type Loop struct {
	cfg     Config
	store   *state.Store
	bus     *bus.Bus
	log     *slog.Logger
	metrics *otel.Metrics

	mu            sync.Mutex
	lastEventAtMs map[string]int64
}

// NewLoop builds a loop over the given store. Bus and metrics are optional.
func NewLoop(cfg Config, store *state.Store, b *bus.Bus, log *slog.Logger, metrics *otel.Metrics) *Loop {
	if cfg.StaleAfterMs <= 0 {
		cfg.StaleAfterMs = DefaultConfig().StaleAfterMs
	}
	if cfg.DisconnectedAfterMs <= cfg.StaleAfterMs {
		cfg.DisconnectedAfterMs = DefaultConfig().DisconnectedAfterMs
	}
	if cfg.ActivityFeedLimit <= 0 {
		cfg.ActivityFeedLimit = state.DefaultActivityFeedLimit
	}
	if cfg.ChatHistoryLimit <= 0 {
		cfg.ChatHistoryLimit = state.DefaultChatHistoryLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg:           cfg,
		store:         store,
		bus:           b,
		log:           log,
		metrics:       metrics,
		lastEventAtMs: map[string]int64{},
	}
}

// Store exposes the underlying aggregate store.
func (l *Loop) Store() *state.Store {
	return l.store
}

// ApplyRawEvent ingests one raw session payload from a workspace. Every
// payload, recognized or not, refreshes the workspace heartbeat; malformed
// payloads are counted and dropped without stopping the stream.
func (l *Loop) ApplyRawEvent(ctx context.Context, workspaceID string, raw json.RawMessage, receivedAtMs int64) {
	l.recordHeartbeat(workspaceID, receivedAtMs)

	ev, err := events.Normalize(workspaceID, raw, receivedAtMs)
	if err != nil {
		l.countDropped(ctx, workspaceID)
		l.log.Warn("dropping malformed workspace event",
			"workspace_id", workspaceID,
			"error", err.Error(),
		)
		return
	}

	if ev.Kind == events.KindLifecycleNoise {
		if ev.Method == MethodWorkspaceConnected {
			l.markWorkspaceConnected(workspaceID, receivedAtMs)
		}
		return
	}

	l.countNormalized(ctx, ev)
	l.ApplyEvent(ctx, ev)
}

// ApplyEvent folds one normalized event into the aggregate.
func (l *Loop) ApplyEvent(ctx context.Context, ev events.Event) {
	l.recordHeartbeat(ev.WorkspaceID, ev.ReceivedAtMs)

	var raised []state.Signal
	var jobChanges []bus.JobEvent

	l.store.Update(func(a *state.Aggregate) {
		fx := &effects{agg: a, loop: l}
		switch ev.Kind {
		case events.KindTurnStarted:
			l.applyTurnStarted(fx, ev)
		case events.KindTurnProgress:
			l.applyThreadActivity(fx.agg, ev.WorkspaceID, ev.ThreadID, "", state.ThreadRunning, ev.Task, ev.ReceivedAtMs)
		case events.KindTurnCompleted:
			l.applyTurnCompleted(fx, ev)
		case events.KindTurnFailed, events.KindError:
			l.applyError(fx, ev)
		case events.KindItemAdded:
			switch ev.ItemClass {
			case events.ItemApprovalRequest:
				l.applyApprovalRequested(fx, ev)
			case events.ItemQuestion:
				if ev.RequestKey != "" {
					l.applyUserInputRequested(fx, ev)
				} else {
					l.applyItem(fx, ev)
				}
			default:
				l.applyItem(fx, ev)
			}
		case events.KindApprovalResolved:
			l.applyApprovalResolved(fx, ev)
		}
		raised = fx.raisedSignals
		jobChanges = fx.jobChanges
	})

	l.publishSignals(ctx, raised)
	l.publishJobChanges(jobChanges)
	if l.bus != nil {
		l.bus.Publish(bus.TopicWorkspaceEvent, bus.WorkspaceEvent{
			WorkspaceID: ev.WorkspaceID,
			ThreadID:    ev.ThreadID,
			Kind:        string(ev.Kind),
		})
	}
}

// effects accumulates bus-visible side effects produced while the store lock
// is held, so publishing happens after the update commits.
type effects struct {
	agg           *state.Aggregate
	loop          *Loop
	raisedSignals []state.Signal
	jobChanges    []bus.JobEvent
}

func (fx *effects) pushSignal(sig state.Signal) {
	fx.agg.PushSignal(sig)
	fx.raisedSignals = append(fx.raisedSignals, sig)
}

func (fx *effects) jobChanged(job state.Job, old state.JobStatus) {
	if job.Status == old {
		return
	}
	fx.jobChanges = append(fx.jobChanges, bus.JobEvent{
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		ThreadID:    job.ThreadID,
		OldStatus:   string(old),
		NewStatus:   string(job.Status),
	})
}

func (l *Loop) applyTurnStarted(fx *effects, ev events.Event) {
	l.applyThreadActivity(fx.agg, ev.WorkspaceID, ev.ThreadID, ev.TurnID, state.ThreadRunning, ev.Task, ev.ReceivedAtMs)
	fx.agg.PushActivity(state.ActivityEntry{
		ID:          fmt.Sprintf("turn_started:%s:%s:%s:%d", ev.WorkspaceID, ev.ThreadID, ev.TurnID, ev.ReceivedAtMs),
		Kind:        "turn_started",
		Message:     "Turn started",
		CreatedAtMs: ev.ReceivedAtMs,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		Metadata:    map[string]any{"turnId": ev.TurnID, "task": ev.Task},
	}, l.cfg.ActivityFeedLimit)

	job, ok := jobForEvent(fx.agg, ev.WorkspaceID, ev.ThreadID)
	if !ok {
		return
	}
	old := job.Status
	job.Status = state.JobRunning
	job.ThreadID = ev.ThreadID
	job.Error = ""
	fx.agg.UpsertJob(job)
	added := fx.agg.AppendJobEvent(job.ID, state.JobEvent{
		ID:          fmt.Sprintf("turn_started:%s:%s:%s", ev.WorkspaceID, ev.ThreadID, ev.TurnID),
		Kind:        "running",
		Message:     fmt.Sprintf("Turn `%s` started.", ev.TurnID),
		CreatedAtMs: ev.ReceivedAtMs,
		Metadata:    map[string]any{"turnId": ev.TurnID, "task": ev.Task},
	})
	fx.jobChanged(job, old)
	if added {
		l.pushSubtaskChat(fx.agg, job, fmt.Sprintf("Progress update: turn `%s` started.", ev.TurnID), "turn_started", ev.ReceivedAtMs)
	}
}

func (l *Loop) applyTurnCompleted(fx *effects, ev events.Event) {
	l.applyThreadActivity(fx.agg, ev.WorkspaceID, ev.ThreadID, "", state.ThreadCompleted, ev.Task, ev.ReceivedAtMs)
	fx.pushSignal(state.Signal{
		ID:          fmt.Sprintf("turn:%s:%s:%s:completed", ev.WorkspaceID, ev.ThreadID, ev.TurnID),
		Kind:        state.SignalCompleted,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		Message:     "Turn completed",
		CreatedAtMs: ev.ReceivedAtMs,
		Context:     map[string]any{"turnId": ev.TurnID, "task": ev.Task},
	})
	fx.agg.PushActivity(state.ActivityEntry{
		ID:          fmt.Sprintf("turn_completed:%s:%s:%s:%d", ev.WorkspaceID, ev.ThreadID, ev.TurnID, ev.ReceivedAtMs),
		Kind:        "turn_completed",
		Message:     "Turn completed",
		CreatedAtMs: ev.ReceivedAtMs,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		Metadata:    map[string]any{"turnId": ev.TurnID, "task": ev.Task},
	}, l.cfg.ActivityFeedLimit)

	job, ok := jobForEvent(fx.agg, ev.WorkspaceID, ev.ThreadID)
	if !ok {
		return
	}
	old := job.Status
	job.Status = state.JobCompleted
	job.CompletedAtMs = ev.ReceivedAtMs
	job.WaitingRequestID = ""
	job.WaitingQuestionIDs = nil
	fx.agg.UpsertJob(job)
	added := fx.agg.AppendJobEvent(job.ID, state.JobEvent{
		ID:          fmt.Sprintf("turn_completed:%s:%s:%s", ev.WorkspaceID, ev.ThreadID, ev.TurnID),
		Kind:        "completed",
		Message:     "Turn completed",
		CreatedAtMs: ev.ReceivedAtMs,
		Metadata:    map[string]any{"turnId": ev.TurnID, "task": ev.Task},
	})
	fx.jobChanged(job, old)
	if added {
		l.pushSubtaskChat(fx.agg, job,
			"Subtask completed. Next action: review result and send follow-up instructions if needed.",
			"turn_completed", ev.ReceivedAtMs)
	}
}

func (l *Loop) applyItem(fx *effects, ev events.Event) {
	phase := "item_started"
	verb := "started"
	if ev.ItemDone {
		phase = "item_completed"
		verb = "completed"
	}
	itemType := strings.TrimSpace(ev.ItemType)
	if itemType == "" {
		itemType = "unknown"
	}

	l.applyThreadActivity(fx.agg, ev.WorkspaceID, ev.ThreadID, "", state.ThreadRunning, ev.Task, ev.ReceivedAtMs)
	fx.agg.PushActivity(state.ActivityEntry{
		ID:          fmt.Sprintf("%s:%s:%s:%s:%d", phase, ev.WorkspaceID, ev.ThreadID, ev.ItemID, ev.ReceivedAtMs),
		Kind:        phase,
		Message:     fmt.Sprintf("Item %s", verb),
		CreatedAtMs: ev.ReceivedAtMs,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		Metadata:    map[string]any{"itemId": ev.ItemID, "itemType": ev.ItemType, "task": ev.Task},
	}, l.cfg.ActivityFeedLimit)

	job, ok := jobForEvent(fx.agg, ev.WorkspaceID, ev.ThreadID)
	if !ok {
		return
	}
	old := job.Status
	job.Status = state.JobRunning
	fx.agg.UpsertJob(job)
	added := fx.agg.AppendJobEvent(job.ID, state.JobEvent{
		ID:          fmt.Sprintf("%s:%s:%s:%s", phase, ev.WorkspaceID, ev.ThreadID, ev.ItemID),
		Kind:        "running",
		Message:     fmt.Sprintf("Item `%s` %s.", itemType, verb),
		CreatedAtMs: ev.ReceivedAtMs,
		Metadata:    map[string]any{"itemId": ev.ItemID, "itemType": ev.ItemType, "task": ev.Task},
	})
	fx.jobChanged(job, old)
	if !added {
		return
	}
	chatMessage := fmt.Sprintf("Progress update: item `%s` %s.", itemType, verb)
	if ev.ItemDone && strings.EqualFold(ev.ItemType, "agentMessage") && ev.Task != "" {
		chatMessage = fmt.Sprintf("Agent response: %s", summarizeText(ev.Task, 240))
	}
	l.pushSubtaskChat(fx.agg, job, chatMessage, phase, ev.ReceivedAtMs)
}

func (l *Loop) applyUserInputRequested(fx *effects, ev events.Event) {
	threadID := ev.ThreadID
	if threadID == "" {
		threadID = "-"
	}
	fx.agg.UpsertOpenQuestion(state.OpenQuestion{
		ID:          ev.RequestKey,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    threadID,
		Question:    ev.Question,
		CreatedAtMs: ev.ReceivedAtMs,
		Context: map[string]any{
			"requestId":   ev.RequestID,
			"turnId":      ev.TurnID,
			"itemId":      ev.ItemID,
			"questionIds": ev.QuestionIDs,
			"params":      ev.Params,
		},
	})
	if ev.ThreadID != "" {
		l.applyThreadActivity(fx.agg, ev.WorkspaceID, ev.ThreadID, "", state.ThreadWaitingInput, "", ev.ReceivedAtMs)
	}
	fx.agg.PushActivity(state.ActivityEntry{
		ID:          fmt.Sprintf("waiting_for_user:%s:%d", ev.RequestKey, ev.ReceivedAtMs),
		Kind:        "waiting_for_user",
		Message:     "Child task is waiting for user input",
		CreatedAtMs: ev.ReceivedAtMs,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		NeedsInput:  true,
		Metadata: map[string]any{
			"requestKey":  ev.RequestKey,
			"requestId":   ev.RequestID,
			"turnId":      ev.TurnID,
			"itemId":      ev.ItemID,
			"question":    ev.Question,
			"questionIds": ev.QuestionIDs,
		},
	}, l.cfg.ActivityFeedLimit)

	job, ok := jobForEvent(fx.agg, ev.WorkspaceID, ev.ThreadID)
	if !ok {
		return
	}
	old := job.Status
	job.Status = state.JobWaitingForUser
	job.WaitingRequestID = ev.RequestID
	job.WaitingQuestionIDs = append([]string(nil), ev.QuestionIDs...)
	fx.agg.UpsertJob(job)
	added := fx.agg.AppendJobEvent(job.ID, state.JobEvent{
		ID:          fmt.Sprintf("waiting_for_user:%s:%s", job.ID, ev.RequestKey),
		Kind:        "waiting_for_user",
		Message:     fmt.Sprintf("Child question: %s", ev.Question),
		CreatedAtMs: ev.ReceivedAtMs,
		Metadata: map[string]any{
			"requestKey":  ev.RequestKey,
			"requestId":   ev.RequestID,
			"questionIds": ev.QuestionIDs,
		},
	})
	fx.jobChanged(job, old)
	if added {
		l.pushSubtaskChat(fx.agg, job,
			fmt.Sprintf("Child task asks: %s\nReply in this chat to continue (subtask `%s`).", ev.Question, job.ID),
			"waiting_for_user", ev.ReceivedAtMs)
	}
}

func (l *Loop) applyApprovalRequested(fx *effects, ev events.Event) {
	fx.agg.UpsertPendingApproval(state.PendingApproval{
		RequestKey:  ev.RequestKey,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		TurnID:      ev.TurnID,
		ItemID:      ev.ItemID,
		RequestID:   ev.RequestID,
		Method:      ev.Method,
		Params:      ev.Params,
		CreatedAtMs: ev.ReceivedAtMs,
	})
	if ev.ThreadID != "" {
		l.applyThreadActivity(fx.agg, ev.WorkspaceID, ev.ThreadID, "", state.ThreadWaitingApproval, "", ev.ReceivedAtMs)
	}
	fx.pushSignal(state.Signal{
		ID:          fmt.Sprintf("approval:%s", ev.RequestKey),
		Kind:        state.SignalNeedsApproval,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		Message:     "Action requires approval",
		CreatedAtMs: ev.ReceivedAtMs,
		Context:     map[string]any{"requestKey": ev.RequestKey},
	})
	fx.agg.PushActivity(state.ActivityEntry{
		ID:          fmt.Sprintf("approval:%s:%d", ev.RequestKey, ev.ReceivedAtMs),
		Kind:        "needs_approval",
		Message:     "Approval requested",
		CreatedAtMs: ev.ReceivedAtMs,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		NeedsInput:  true,
		Metadata:    ev.Params,
	}, l.cfg.ActivityFeedLimit)

	job, ok := jobForEvent(fx.agg, ev.WorkspaceID, ev.ThreadID)
	if !ok {
		return
	}
	old := job.Status
	job.Status = state.JobWaitingForUser
	fx.agg.UpsertJob(job)
	added := fx.agg.AppendJobEvent(job.ID, state.JobEvent{
		ID:          fmt.Sprintf("approval_requested:%s:%s", job.ID, ev.RequestKey),
		Kind:        "waiting_for_user",
		Message:     "Approval requested",
		CreatedAtMs: ev.ReceivedAtMs,
		Metadata:    map[string]any{"requestKey": ev.RequestKey},
	})
	fx.jobChanged(job, old)
	if added {
		l.pushSubtaskChat(fx.agg, job, "Child task requires approval before it can continue.", "needs_approval", ev.ReceivedAtMs)
	}
}

func (l *Loop) applyApprovalResolved(fx *effects, ev events.Event) {
	appr, ok := fx.agg.ResolvePendingApproval(ev.RequestKey)
	if !ok {
		return
	}
	fx.agg.PushActivity(state.ActivityEntry{
		ID:          fmt.Sprintf("approval_resolved:%s:%d", ev.RequestKey, ev.ReceivedAtMs),
		Kind:        "approval_resolved",
		Message:     "Approval resolved",
		CreatedAtMs: ev.ReceivedAtMs,
		WorkspaceID: appr.WorkspaceID,
		ThreadID:    appr.ThreadID,
		Metadata:    map[string]any{"requestKey": ev.RequestKey},
	}, l.cfg.ActivityFeedLimit)
	if appr.ThreadID != "" {
		l.applyThreadActivity(fx.agg, appr.WorkspaceID, appr.ThreadID, "", state.ThreadRunning, "", ev.ReceivedAtMs)
	}

	job, ok := jobForEvent(fx.agg, appr.WorkspaceID, appr.ThreadID)
	if !ok || job.Status != state.JobWaitingForUser {
		return
	}
	old := job.Status
	job.Status = state.JobRunning
	fx.agg.UpsertJob(job)
	fx.jobChanged(job, old)
}

func (l *Loop) applyError(fx *effects, ev events.Event) {
	if ev.ThreadID != "" {
		l.applyThreadActivity(fx.agg, ev.WorkspaceID, ev.ThreadID, ev.TurnID, state.ThreadFailed, "", ev.ReceivedAtMs)
	}
	fx.pushSignal(state.Signal{
		ID:          fmt.Sprintf("error:%s:%s:%s", ev.WorkspaceID, ev.ThreadID, ev.TurnID),
		Kind:        state.SignalFailed,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		Message:     ev.Message,
		CreatedAtMs: ev.ReceivedAtMs,
		Context:     map[string]any{"willRetry": ev.WillRetry, "turnId": ev.TurnID},
	})
	fx.agg.PushActivity(state.ActivityEntry{
		ID:          fmt.Sprintf("error:%s:%s:%s:%d", ev.WorkspaceID, ev.ThreadID, ev.TurnID, ev.ReceivedAtMs),
		Kind:        "error",
		Message:     ev.Message,
		CreatedAtMs: ev.ReceivedAtMs,
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID,
		Metadata:    map[string]any{"willRetry": ev.WillRetry, "turnId": ev.TurnID},
	}, l.cfg.ActivityFeedLimit)

	job, ok := jobForEvent(fx.agg, ev.WorkspaceID, ev.ThreadID)
	if !ok {
		return
	}
	old := job.Status
	if ev.WillRetry {
		job.Status = state.JobRunning
	} else {
		job.Status = state.JobFailed
		job.Error = ev.Message
	}
	fx.agg.UpsertJob(job)
	added := fx.agg.AppendJobEvent(job.ID, state.JobEvent{
		ID:          fmt.Sprintf("error:%s:%s:%s", ev.WorkspaceID, ev.ThreadID, ev.TurnID),
		Kind:        "failed",
		Message:     ev.Message,
		CreatedAtMs: ev.ReceivedAtMs,
		Metadata:    map[string]any{"willRetry": ev.WillRetry, "turnId": ev.TurnID},
	})
	fx.jobChanged(job, old)
	if added {
		chatMessage := fmt.Sprintf("Child task failed: %s", ev.Message)
		if ev.WillRetry {
			chatMessage = fmt.Sprintf("Child task reported an error but will retry: %s", ev.Message)
		}
		l.pushSubtaskChat(fx.agg, job, chatMessage, "error", ev.ReceivedAtMs)
	}
}

func (l *Loop) markWorkspaceConnected(workspaceID string, receivedAtMs int64) {
	l.store.Update(func(a *state.Aggregate) {
		ws := workspaceState(a, workspaceID)
		ws.Connected = true
		ws.Health = state.HealthHealthy
		ws.LastActivityAtMs = receivedAtMs
		a.UpsertWorkspace(ws)
		a.PushActivity(state.ActivityEntry{
			ID:          fmt.Sprintf("connected:%s:%d", workspaceID, receivedAtMs),
			Kind:        "workspace_connected",
			Message:     "Workspace connected",
			CreatedAtMs: receivedAtMs,
			WorkspaceID: workspaceID,
		}, l.cfg.ActivityFeedLimit)
	})
	if l.bus != nil {
		l.bus.Publish(bus.TopicWorkspaceConnected, bus.WorkspaceEvent{WorkspaceID: workspaceID, Kind: "connected"})
	}
}

// applyThreadActivity refreshes workspace and thread state after any sign of
// life from a thread. Activity always restores workspace health; raised
// health signals stay put until acknowledged.
func (l *Loop) applyThreadActivity(a *state.Aggregate, workspaceID, threadID, activeTurnID string, status state.ThreadStatus, task string, timestampMs int64) {
	ws := workspaceState(a, workspaceID)
	ws.Connected = true
	ws.Health = state.HealthHealthy
	ws.LastActivityAtMs = timestampMs
	ws.ActiveThreadID = threadID
	if task != "" {
		ws.CurrentTask = task
	}
	a.UpsertWorkspace(ws)

	th := threadState(a, workspaceID, threadID)
	th.Status = status
	th.LastActivityAtMs = timestampMs
	if task != "" {
		th.CurrentTask = task
	}
	th.ActiveTurnID = activeTurnID
	a.UpsertThread(th)
}

func (l *Loop) pushSubtaskChat(a *state.Aggregate, job state.Job, message, kind string, createdAtMs int64) {
	threadLabel := job.ThreadID
	if threadLabel == "" {
		threadLabel = "-"
	}
	prefix := fmt.Sprintf("[subtask:%s ws:%s thread:%s]", job.ID, job.WorkspaceID, threadLabel)
	a.AppendChat(state.ChatMessage{
		ID:          fmt.Sprintf("chat-bridge:%s:%s:%d", kind, job.ID, createdAtMs),
		Role:        state.ChatRoleSystem,
		Text:        fmt.Sprintf("%s %s", prefix, message),
		CreatedAtMs: createdAtMs,
	}, l.cfg.ChatHistoryLimit)
}

func (l *Loop) recordHeartbeat(workspaceID string, timestampMs int64) {
	l.mu.Lock()
	l.lastEventAtMs[workspaceID] = timestampMs
	l.mu.Unlock()
}

func (l *Loop) lastEventAt(workspaceID string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.lastEventAtMs[workspaceID]
	return at, ok
}

func (l *Loop) thresholds() (staleAfterMs, disconnectedAfterMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.StaleAfterMs, l.cfg.DisconnectedAfterMs
}

// Reconfigure applies updated staleness thresholds, typically after a config
// reload. Values that fail the NewLoop ordering rules keep the current ones.
func (l *Loop) Reconfigure(staleAfterMs, disconnectedAfterMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if staleAfterMs > 0 {
		l.cfg.StaleAfterMs = staleAfterMs
	}
	if disconnectedAfterMs > l.cfg.StaleAfterMs {
		l.cfg.DisconnectedAfterMs = disconnectedAfterMs
	}
}

func (l *Loop) publishSignals(ctx context.Context, raised []state.Signal) {
	for _, sig := range raised {
		if l.metrics != nil && l.metrics.SignalsRaised != nil {
			l.metrics.SignalsRaised.Add(ctx, 1, metric.WithAttributes(
				otel.AttrSignalKind.String(string(sig.Kind)),
			))
		}
		if l.bus != nil {
			l.bus.Publish(bus.TopicSignalRaised, bus.SignalEvent{
				SignalID:    sig.ID,
				WorkspaceID: sig.WorkspaceID,
				Kind:        string(sig.Kind),
				Severity:    signalSeverity(sig.Kind),
				Message:     sig.Message,
			})
		}
	}
}

func signalSeverity(kind state.SignalKind) string {
	switch kind {
	case state.SignalFailed, state.SignalDisconnected:
		return "error"
	case state.SignalNeedsApproval, state.SignalStalled:
		return "warning"
	default:
		return "info"
	}
}

func (l *Loop) publishJobChanges(changes []bus.JobEvent) {
	if l.bus == nil {
		return
	}
	for _, change := range changes {
		topic := bus.TopicJobStarted
		switch state.JobStatus(change.NewStatus) {
		case state.JobCompleted:
			topic = bus.TopicJobCompleted
		case state.JobFailed:
			topic = bus.TopicJobFailed
		case state.JobWaitingForUser:
			topic = bus.TopicJobWaiting
		}
		l.bus.Publish(topic, change)
	}
}

func (l *Loop) countNormalized(ctx context.Context, ev events.Event) {
	if l.metrics == nil || l.metrics.EventsNormalized == nil {
		return
	}
	l.metrics.EventsNormalized.Add(ctx, 1, metric.WithAttributes(
		otel.AttrEventKind.String(string(ev.Kind)),
		attribute.String("workspace.id", ev.WorkspaceID),
	))
}

func (l *Loop) countDropped(ctx context.Context, workspaceID string) {
	if l.metrics == nil || l.metrics.EventsDropped == nil {
		return
	}
	l.metrics.EventsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workspace.id", workspaceID),
	))
}

func workspaceState(a *state.Aggregate, workspaceID string) state.Workspace {
	if ws, ok := a.Workspaces[workspaceID]; ok {
		return ws
	}
	return state.Workspace{ID: workspaceID, Health: state.HealthHealthy}
}

func threadState(a *state.Aggregate, workspaceID, threadID string) state.Thread {
	if th, ok := a.Thread(workspaceID, threadID); ok {
		return th
	}
	return state.Thread{ID: threadID, WorkspaceID: workspaceID, Status: state.ThreadIdle}
}

// jobForEvent picks the job an unsolicited workspace event most plausibly
// belongs to: same workspace, same thread when the event names one,
// non-terminal before terminal, then newest by request time with the id as
// a stable tiebreak.
func jobForEvent(a *state.Aggregate, workspaceID, threadID string) (state.Job, bool) {
	var best state.Job
	found := false
	better := func(candidate, current state.Job) bool {
		candidateLive := !candidate.Status.Terminal()
		currentLive := !current.Status.Terminal()
		if candidateLive != currentLive {
			return candidateLive
		}
		if candidate.RequestedAtMs != current.RequestedAtMs {
			return candidate.RequestedAtMs > current.RequestedAtMs
		}
		return candidate.ID < current.ID
	}
	for _, job := range a.Jobs {
		if job.WorkspaceID != workspaceID {
			continue
		}
		if threadID != "" && job.ThreadID != threadID {
			continue
		}
		if !found || better(job, best) {
			best = job
			found = true
		}
	}
	return best, found
}

// summarizeText trims a value and truncates it to maxChars runes with an
// ellipsis suffix.
func summarizeText(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed
	}
	return string(runes[:maxChars]) + "..."
}
