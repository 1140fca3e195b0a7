// Package service is the boundary around the supervisor core. It wires the
// reconciliation loop, the dispatch executor, the contract validator, and the
// persistence gateway behind the operations transports and channels call.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/chat"
	"github.com/basket/warden/internal/contract"
	"github.com/basket/warden/internal/dispatch"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/shared"
	"github.com/basket/warden/internal/state"
	"github.com/basket/warden/internal/supervisor"
)

const (
	feedDefaultLimit = 100
	feedMaxLimit     = 1000
)

// SnapshotStore persists and restores the full aggregate.
type SnapshotStore interface {
	SaveState(ctx context.Context, agg *state.Aggregate) error
	LoadState(ctx context.Context) (*state.Aggregate, error)
}

// ApprovalResponder answers a pending approval request on the workspace
// runtime that raised it.
type ApprovalResponder interface {
	RespondApproval(ctx context.Context, workspaceID, requestID string, accept bool) error
}

// ReplySender delivers a user reply to a child request waiting for input.
type ReplySender interface {
	RespondUserInput(ctx context.Context, workspaceID, requestID string, questionIDs []string, reply string) error
}

// FeedPage is one page of the activity feed. Total counts the filtered view
// the page was cut from, not the page itself.
type FeedPage struct {
	Items []state.ActivityEntry `json:"items"`
	Total int                   `json:"total"`
}

// JobRef points a dispatch caller at the job tracking one target.
type JobRef struct {
	JobID            string          `json:"job_id"`
	ActionID         string          `json:"action_id"`
	WorkspaceID      string          `json:"workspace_id"`
	Status           dispatch.Status `json:"status"`
	ThreadID         string          `json:"thread_id,omitempty"`
	TurnID           string          `json:"turn_id,omitempty"`
	Error            string          `json:"error,omitempty"`
	IdempotentReplay bool            `json:"idempotent_replay"`
}

// Service exposes the supervisor boundary operations.
type Service struct {
	log       *slog.Logger
	tracer    trace.Tracer
	loop      *supervisor.Loop
	executor  *dispatch.Executor
	backend   dispatch.Backend
	snapshots SnapshotStore
	approvals ApprovalResponder
	replies   ReplySender

	chatSeq atomic.Int64
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Snapshots SnapshotStore
	Approvals ApprovalResponder
	Replies   ReplySender
}

// NewService builds a Service around a running loop and executor.
func NewService(log *slog.Logger, loop *supervisor.Loop, executor *dispatch.Executor, backend dispatch.Backend, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:       log,
		tracer:    otelapi.GetTracerProvider().Tracer(otel.TracerName),
		loop:      loop,
		executor:  executor,
		backend:   backend,
		snapshots: opts.Snapshots,
		approvals: opts.Approvals,
		replies:   opts.Replies,
	}
}

// IngestRawEvent folds one raw runtime notification into the aggregate.
func (s *Service) IngestRawEvent(ctx context.Context, workspaceID string, raw json.RawMessage) {
	ctx = shared.WithWorkspaceID(ctx, workspaceID)
	ctx, span := otel.StartSpan(ctx, s.tracer, "supervisor.ingest",
		otel.AttrWorkspaceID.String(workspaceID),
	)
	defer span.End()
	s.loop.ApplyRawEvent(ctx, workspaceID, raw, time.Now().UnixMilli())
}

// Snapshot returns a point-in-time copy of the aggregate.
func (s *Service) Snapshot() *state.Aggregate {
	return s.loop.Store().Snapshot()
}

// Feed returns the newest activity entries. limit <= 0 uses the default
// page size; needsInputOnly keeps only entries waiting on a human.
func (s *Service) Feed(limit int, needsInputOnly bool) FeedPage {
	snapshot := s.Snapshot()
	items := snapshot.ActivityFeed
	if needsInputOnly {
		filtered := make([]state.ActivityEntry, 0, len(items))
		for _, entry := range items {
			if entry.NeedsInput {
				filtered = append(filtered, entry)
			}
		}
		items = filtered
	}

	total := len(items)
	if limit <= 0 {
		limit = feedDefaultLimit
	}
	if limit > feedMaxLimit {
		limit = feedMaxLimit
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return FeedPage{Items: items, Total: total}
}

// ChatHistory returns the durable chat history, oldest first.
func (s *Service) ChatHistory() []state.ChatMessage {
	return s.loop.ChatHistory()
}

// AckSignal acknowledges a signal. Acknowledging an already-acknowledged
// signal is a no-op; an unknown id is an error.
func (s *Service) AckSignal(ctx context.Context, signalID string, acknowledgedAtMs int64) error {
	signalID = strings.TrimSpace(signalID)
	if signalID == "" {
		return errors.New("signal_id is required")
	}
	found, _ := s.loop.AckSignal(ctx, signalID, acknowledgedAtMs)
	if !found {
		return fmt.Errorf("signal `%s` not found", signalID)
	}
	audit.Record("signal_ack", "acknowledged", "", "", signalID)
	return nil
}

// SendChatCommand appends the user message, interprets it, appends the
// system replies, and returns the full updated chat history.
func (s *Service) SendChatCommand(ctx context.Context, text string) ([]state.ChatMessage, error) {
	nowMs := time.Now().UnixMilli()
	seq := s.chatSeq.Add(1)
	s.loop.AppendChatMessage(state.ChatMessage{
		ID:          fmt.Sprintf("chat:user:%d:%d", nowMs, seq),
		Role:        state.ChatRoleUser,
		Text:        text,
		CreatedAtMs: nowMs,
	})

	for i, reply := range s.executeChatCommand(ctx, text, nowMs, seq) {
		s.loop.AppendChatMessage(state.ChatMessage{
			ID:          fmt.Sprintf("chat:system:%d:%d:%d", nowMs, seq, i+1),
			Role:        state.ChatRoleSystem,
			Text:        reply,
			CreatedAtMs: nowMs,
		})
	}
	return s.loop.ChatHistory(), nil
}

func (s *Service) executeChatCommand(ctx context.Context, text string, nowMs, seq int64) []string {
	cmd, err := chat.ParseCommand(text)
	if err != nil {
		return []string{err.Error()}
	}

	switch cmd.Kind {
	case chat.KindHelp:
		return []string{chat.FormatHelp().Text()}
	case chat.KindStatus:
		message, err := chat.FormatStatus(s.Snapshot(), cmd.WorkspaceID)
		if err != nil {
			return []string{err.Error()}
		}
		return []string{message.Text()}
	case chat.KindFeed:
		page := s.Feed(chat.FeedLimit, cmd.NeedsInputOnly)
		return []string{chat.FormatFeed(page.Items, page.Total, cmd.NeedsInputOnly).Text()}
	case chat.KindAck:
		found, already := s.loop.AckSignal(ctx, cmd.SignalID, nowMs)
		if !found {
			return []string{fmt.Sprintf("signal `%s` not found", cmd.SignalID)}
		}
		if already {
			return []string{fmt.Sprintf("Signal `%s` was already acknowledged.", cmd.SignalID)}
		}
		return []string{chat.FormatAck(cmd.SignalID).Text()}
	case chat.KindDispatch:
		_, batch, err := s.Dispatch(ctx, cmd.Dispatch, fmt.Sprintf("chat-%d-%d", nowMs, seq))
		if err != nil {
			return []string{err.Error()}
		}
		return []string{chat.FormatDispatch(cmd.Dispatch, batch).Text()}
	default:
		return []string{"command not recognized; try /help"}
	}
}

// Dispatch validates the request as an action contract, fans it out, and
// tracks one job per target. A request whose dedupe key already has a live
// job attaches to that job instead of creating a second one.
func (s *Service) Dispatch(ctx context.Context, request *chat.DispatchRequest, actionIDPrefix string) ([]JobRef, dispatch.BatchResult, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "supervisor.dispatch",
		otel.AttrModel.String(request.Model),
		otel.AttrAccessMode.String(request.AccessMode),
	)
	defer span.End()

	document := chat.BuildDispatchContract(request, actionIDPrefix)
	validated, err := contract.ParseValue(document)
	if err != nil {
		return nil, dispatch.BatchResult{}, err
	}

	jobIDs := s.trackJobs(validated.Actions, time.Now().UnixMilli())
	batch := s.executor.DispatchBatch(ctx, s.backend, validated.Actions)
	s.applyDispatchOutcome(ctx, batch)

	refs := make([]JobRef, 0, len(batch.Results))
	for _, result := range batch.Results {
		audit.Record("dispatch", string(result.Status), result.WorkspaceID, jobIDs[result.ActionID], result.Error)
		refs = append(refs, JobRef{
			JobID:            jobIDs[result.ActionID],
			ActionID:         result.ActionID,
			WorkspaceID:      result.WorkspaceID,
			Status:           result.Status,
			ThreadID:         result.ThreadID,
			TurnID:           result.TurnID,
			Error:            result.Error,
			IdempotentReplay: result.IdempotentReplay,
		})
	}
	s.log.Info("dispatch batch completed",
		"trace_id", shared.TraceID(ctx),
		"targets", len(validated.Actions),
	)
	return refs, batch, nil
}

// trackJobs creates a queued job per action, reusing the live job when the
// workspace-scoped dedupe key already has one. Returns job id by action id.
func (s *Service) trackJobs(actions []dispatch.Action, nowMs int64) map[string]string {
	jobIDs := make(map[string]string, len(actions))
	s.loop.Store().Update(func(a *state.Aggregate) {
		for _, action := range actions {
			dedupeKey := action.DedupeKey
			if dedupeKey == "" {
				dedupeKey = action.ActionID
			}

			existing := ""
			for _, job := range a.Jobs {
				if job.WorkspaceID == action.WorkspaceID && job.DedupeKey == dedupeKey && !job.Status.Terminal() {
					existing = job.ID
					break
				}
			}
			if existing != "" {
				jobIDs[action.ActionID] = existing
				continue
			}

			job := state.Job{
				ID:            uuid.NewString(),
				WorkspaceID:   action.WorkspaceID,
				ThreadID:      action.ThreadID,
				DedupeKey:     dedupeKey,
				Description:   action.Prompt,
				Status:        state.JobQueued,
				RequestedAtMs: nowMs,
				Model:         action.Model,
				Effort:        action.Effort,
				AccessMode:    action.AccessMode,
				RouteKind:     action.RouteKind,
				RouteTarget:   action.RouteTarget,
				RouteReason:   action.RouteReason,
				RouteFallback: action.RouteFallback,
			}
			a.UpsertJob(job)
			jobIDs[action.ActionID] = job.ID
		}
	})
	return jobIDs
}

// applyDispatchOutcome folds dispatch results back into the aggregate as
// synthetic runtime events so the loop tracks the jobs it just launched.
func (s *Service) applyDispatchOutcome(ctx context.Context, batch dispatch.BatchResult) {
	if len(batch.Results) == 0 {
		return
	}
	nowMs := time.Now().UnixMilli()

	for _, result := range batch.Results {
		switch result.Status {
		case dispatch.StatusDispatched:
			if result.ThreadID == "" || result.TurnID == "" {
				continue
			}
			s.attachJobThread(result.WorkspaceID, result.DedupeKey, result.ThreadID)
			raw, err := json.Marshal(map[string]any{
				"method": "turn/started",
				"params": map[string]any{
					"threadId": result.ThreadID,
					"turnId":   result.TurnID,
				},
			})
			if err != nil {
				continue
			}
			s.loop.ApplyRawEvent(ctx, result.WorkspaceID, raw, nowMs)
		case dispatch.StatusFailed:
			message := result.Error
			if message == "" {
				message = "Supervisor dispatch failed"
			}
			params := map[string]any{
				"error": map[string]any{"message": message},
			}
			if result.ThreadID != "" {
				s.attachJobThread(result.WorkspaceID, result.DedupeKey, result.ThreadID)
				params["threadId"] = result.ThreadID
			}
			raw, err := json.Marshal(map[string]any{
				"method": "error",
				"params": params,
			})
			if err != nil {
				continue
			}
			s.loop.ApplyRawEvent(ctx, result.WorkspaceID, raw, nowMs)
		}
	}
}

// attachJobThread pins the resolved thread onto the live job for the dedupe
// key so subsequent thread-scoped events reach it.
func (s *Service) attachJobThread(workspaceID, dedupeKey, threadID string) {
	if dedupeKey == "" || threadID == "" {
		return
	}
	s.loop.Store().Update(func(a *state.Aggregate) {
		for id, job := range a.Jobs {
			if job.WorkspaceID == workspaceID && job.DedupeKey == dedupeKey && !job.Status.Terminal() && job.ThreadID == "" {
				job.ThreadID = threadID
				a.Jobs[id] = job
			}
		}
	})
}

// SubmitApprovalDecision answers a pending approval request. Deciding
// resolves the approval; any related signal stays until acknowledged.
func (s *Service) SubmitApprovalDecision(ctx context.Context, requestKey string, accept bool) error {
	requestKey = strings.TrimSpace(requestKey)
	if requestKey == "" {
		return errors.New("request_key is required")
	}

	snapshot := s.Snapshot()
	approval, ok := snapshot.PendingApprovals[requestKey]
	if !ok {
		return fmt.Errorf("approval request `%s` not found", requestKey)
	}

	if s.approvals != nil {
		if err := s.approvals.RespondApproval(ctx, approval.WorkspaceID, approval.RequestID, accept); err != nil {
			return fmt.Errorf("deliver approval decision for `%s`: %w", requestKey, err)
		}
	}

	raw, err := json.Marshal(map[string]any{
		"id":     approval.RequestID,
		"method": "approval/resolved",
		"params": map[string]any{
			"threadId": approval.ThreadID,
			"turnId":   approval.TurnID,
			"accepted": accept,
		},
	})
	if err != nil {
		return err
	}
	s.loop.ApplyRawEvent(ctx, approval.WorkspaceID, raw, time.Now().UnixMilli())
	outcome := "approved"
	if !accept {
		outcome = "denied"
	}
	audit.Record("approval", outcome, approval.WorkspaceID, "", requestKey)
	return nil
}

// DeliverReply sends a user reply to the child request a job is waiting on
// and records the delivery outcome.
func (s *Service) DeliverReply(ctx context.Context, jobID, reply string) error {
	snapshot := s.Snapshot()
	job, ok := snapshot.Jobs[jobID]
	if !ok {
		return fmt.Errorf("subtask `%s` is not tracked", jobID)
	}
	requestID := job.WaitingRequestID

	if s.replies != nil {
		if err := s.replies.RespondUserInput(ctx, job.WorkspaceID, requestID, job.WaitingQuestionIDs, reply); err != nil {
			s.loop.MarkReplyDeliveryFailed(jobID, requestID, err.Error(), time.Now().UnixMilli())
			return fmt.Errorf("deliver reply for subtask `%s`: %w", jobID, err)
		}
	}
	if err := s.loop.MarkReplyDelivered(jobID, requestID, reply, time.Now().UnixMilli()); err != nil {
		return err
	}
	audit.Record("reply", "delivered", job.WorkspaceID, jobID, requestID)
	return nil
}

// SaveState persists the current aggregate through the snapshot store.
func (s *Service) SaveState(ctx context.Context) error {
	if s.snapshots == nil {
		return errors.New("no snapshot store configured")
	}
	if err := s.snapshots.SaveState(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("save supervisor state: %w", err)
	}
	return nil
}

// LoadState restores the aggregate from the snapshot store. A store without
// a saved state leaves the aggregate empty.
func (s *Service) LoadState(ctx context.Context) error {
	if s.snapshots == nil {
		return errors.New("no snapshot store configured")
	}
	agg, err := s.snapshots.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load supervisor state: %w", err)
	}
	if agg != nil {
		s.loop.Store().Replace(agg)
	}
	return nil
}

// MarshalSnapshot serializes the aggregate for the host process.
func (s *Service) MarshalSnapshot() ([]byte, error) {
	return json.MarshalIndent(s.Snapshot(), "", "  ")
}

// RestoreSnapshot replaces the aggregate with a previously serialized one.
func (s *Service) RestoreSnapshot(data []byte) error {
	agg := state.NewAggregate()
	if err := json.Unmarshal(data, agg); err != nil {
		return fmt.Errorf("restore supervisor state: %w", err)
	}
	s.loop.Store().Replace(agg)
	return nil
}
