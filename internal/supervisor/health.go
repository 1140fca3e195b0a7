package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/state"
)

// RunHealthCheck grades every probed workspace against the configured
// staleness thresholds and raises health signals only on transition. Each
// episode gets a fresh signal id: acknowledging one stall does not swallow
// the next one after the workspace recovers.
func (l *Loop) RunHealthCheck(ctx context.Context, inputs []HealthInput, nowMs int64) {
	var raised []state.Signal
	var disconnected []string

	l.store.Update(func(a *state.Aggregate) {
		for _, input := range inputs {
			previous := state.HealthHealthy
			if ws, ok := a.Workspaces[input.WorkspaceID]; ok {
				previous = ws.Health
			}
			next := l.computeHealth(input, nowMs)

			ws := workspaceState(a, input.WorkspaceID)
			if name := strings.TrimSpace(input.WorkspaceName); name != "" {
				ws.Name = name
			}
			ws.Connected = input.Connected
			ws.Health = next
			if at, ok := l.lastEventAt(input.WorkspaceID); ok {
				ws.LastActivityAtMs = at
			}
			a.UpsertWorkspace(ws)

			if previous == next {
				continue
			}

			switch next {
			case state.HealthDegraded:
				sig := state.Signal{
					ID:          fmt.Sprintf("health:%s:stalled:%d", input.WorkspaceID, nowMs),
					Kind:        state.SignalStalled,
					WorkspaceID: input.WorkspaceID,
					Message:     "Workspace is stale (no recent events).",
					CreatedAtMs: nowMs,
					Context:     map[string]any{"health": string(state.HealthDegraded)},
				}
				a.PushSignal(sig)
				raised = append(raised, sig)
			case state.HealthDisconnected:
				disconnected = append(disconnected, input.WorkspaceID)
				sig := state.Signal{
					ID:          fmt.Sprintf("health:%s:disconnected:%d", input.WorkspaceID, nowMs),
					Kind:        state.SignalDisconnected,
					WorkspaceID: input.WorkspaceID,
					Message:     "Workspace appears disconnected.",
					CreatedAtMs: nowMs,
					Context:     map[string]any{"health": string(state.HealthDisconnected)},
				}
				a.PushSignal(sig)
				raised = append(raised, sig)
			case state.HealthHealthy:
				// Recovery clears health state only. Outstanding signals
				// remain until a human acknowledges them.
			}
		}
	})

	if l.metrics != nil && l.metrics.ReconcileTicks != nil {
		l.metrics.ReconcileTicks.Add(ctx, 1)
	}
	if l.bus != nil {
		for _, workspaceID := range disconnected {
			l.bus.Publish(bus.TopicWorkspaceDisconnected, bus.WorkspaceEvent{
				WorkspaceID: workspaceID,
				Kind:        "disconnected",
			})
		}
	}
	l.publishSignals(ctx, raised)
}

func (l *Loop) computeHealth(input HealthInput, nowMs int64) state.Health {
	if !input.Connected {
		return state.HealthDisconnected
	}
	last, ok := l.lastEventAt(input.WorkspaceID)
	if !ok {
		return state.HealthDegraded
	}
	staleAfter, disconnectedAfter := l.thresholds()
	age := nowMs - last
	switch {
	case age >= disconnectedAfter:
		return state.HealthDisconnected
	case age >= staleAfter:
		return state.HealthDegraded
	default:
		return state.HealthHealthy
	}
}

// AckSignal acknowledges a signal. Acknowledging an already acknowledged
// signal is a no-op that reports the prior state; acknowledgment never
// regresses.
func (l *Loop) AckSignal(ctx context.Context, signalID string, acknowledgedAtMs int64) (found, already bool) {
	l.store.Update(func(a *state.Aggregate) {
		found, already = a.AckSignal(signalID, acknowledgedAtMs)
	})
	if found && !already {
		if l.metrics != nil && l.metrics.SignalsAcked != nil {
			l.metrics.SignalsAcked.Add(ctx, 1)
		}
		if l.bus != nil {
			l.bus.Publish(bus.TopicSignalAcknowledged, bus.SignalEvent{SignalID: signalID})
		}
	}
	return found, already
}

// AppendChatMessage records one chat message in the durable history.
func (l *Loop) AppendChatMessage(msg state.ChatMessage) {
	l.store.Update(func(a *state.Aggregate) {
		a.AppendChat(msg, l.cfg.ChatHistoryLimit)
	})
}

// ChatHistory returns the chat history oldest-first.
func (l *Loop) ChatHistory() []state.ChatMessage {
	return l.store.Snapshot().ChatHistory
}

// UpsertJob records or replaces a tracked job.
func (l *Loop) UpsertJob(job state.Job) {
	l.store.Update(func(a *state.Aggregate) {
		a.UpsertJob(job)
	})
}

// WaitingJobs lists jobs blocked on a child request, newest first.
func (l *Loop) WaitingJobs() []state.Job {
	var waiting []state.Job
	for _, job := range l.store.Snapshot().Jobs {
		if job.Status == state.JobWaitingForUser && job.WaitingRequestID != "" && strings.TrimSpace(job.WorkspaceID) != "" {
			waiting = append(waiting, job)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].RequestedAtMs > waiting[j].RequestedAtMs
	})
	return waiting
}

// RecordRouteDecision projects a routing decision into the activity feed.
func (l *Loop) RecordRouteDecision(routeID, message string, createdAtMs int64, metadata map[string]any) {
	l.store.Update(func(a *state.Aggregate) {
		a.PushActivity(state.ActivityEntry{
			ID:          fmt.Sprintf("route_decision:%s:%d", routeID, createdAtMs),
			Kind:        "route_decision",
			Message:     message,
			CreatedAtMs: createdAtMs,
			Metadata:    metadata,
		}, l.cfg.ActivityFeedLimit)
	})
}

// MarkReplyDelivered transitions a waiting job back to running after its
// pending child request received an answer, and resolves the matching open
// question.
func (l *Loop) MarkReplyDelivered(jobID, requestID, replyPreview string, deliveredAtMs int64) error {
	var outerErr error
	l.store.Update(func(a *state.Aggregate) {
		job, ok := a.Jobs[jobID]
		if !ok {
			outerErr = fmt.Errorf("subtask `%s` is not tracked", jobID)
			return
		}
		if job.Status != state.JobWaitingForUser {
			outerErr = fmt.Errorf("subtask `%s` is not waiting for user input anymore", jobID)
			return
		}
		if job.WaitingRequestID == "" {
			outerErr = fmt.Errorf("subtask `%s` no longer has a pending request to answer", jobID)
			return
		}
		if job.WaitingRequestID != requestID {
			outerErr = fmt.Errorf("subtask `%s` is waiting on a different request id", jobID)
			return
		}

		job.Status = state.JobRunning
		job.WaitingRequestID = ""
		job.WaitingQuestionIDs = nil
		a.UpsertJob(job)

		requestKey := fmt.Sprintf("%s:%s", job.WorkspaceID, requestID)
		replySummary := summarizeText(replyPreview, 180)
		a.AppendJobEvent(jobID, state.JobEvent{
			ID:          fmt.Sprintf("reply_delivered:%s:%s", jobID, requestKey),
			Kind:        "reply_delivered",
			Message:     fmt.Sprintf("Reply delivered to child request `%s`.", requestKey),
			CreatedAtMs: deliveredAtMs,
			Metadata:    map[string]any{"requestKey": requestKey, "replySummary": replySummary},
		})
		a.ResolveOpenQuestion(requestKey)

		a.PushActivity(state.ActivityEntry{
			ID:          fmt.Sprintf("reply_delivered:%s:%s:%d", jobID, requestKey, deliveredAtMs),
			Kind:        "reply_delivered",
			Message:     fmt.Sprintf("Reply delivered for subtask `%s`.", jobID),
			CreatedAtMs: deliveredAtMs,
			WorkspaceID: job.WorkspaceID,
			ThreadID:    job.ThreadID,
			Metadata:    map[string]any{"subtaskId": jobID, "requestKey": requestKey, "replySummary": replySummary},
		}, l.cfg.ActivityFeedLimit)
		l.pushSubtaskChat(a, job,
			fmt.Sprintf("Reply delivered to child task request `%s`. Continuing execution.", requestKey),
			"reply_delivered", deliveredAtMs)
	})
	return outerErr
}

// MarkReplyDeliveryFailed records a failed reply delivery without changing
// the job's waiting state, so the question can be answered again.
func (l *Loop) MarkReplyDeliveryFailed(jobID, requestID, deliveryErr string, failedAtMs int64) {
	l.store.Update(func(a *state.Aggregate) {
		job, ok := a.Jobs[jobID]
		if !ok {
			return
		}
		requestKey := fmt.Sprintf("%s:%s", job.WorkspaceID, requestID)
		added := a.AppendJobEvent(jobID, state.JobEvent{
			ID:          fmt.Sprintf("reply_delivery_failed:%s:%s", jobID, requestKey),
			Kind:        "failed",
			Message:     fmt.Sprintf("Reply delivery failed: %s", deliveryErr),
			CreatedAtMs: failedAtMs,
			Metadata:    map[string]any{"requestKey": requestKey, "error": deliveryErr},
		})
		a.PushActivity(state.ActivityEntry{
			ID:          fmt.Sprintf("reply_delivery_failed:%s:%s:%d", jobID, requestKey, failedAtMs),
			Kind:        "reply_delivery_failed",
			Message:     fmt.Sprintf("Failed to deliver reply for subtask `%s`.", jobID),
			CreatedAtMs: failedAtMs,
			WorkspaceID: job.WorkspaceID,
			ThreadID:    job.ThreadID,
			NeedsInput:  true,
			Metadata:    map[string]any{"subtaskId": jobID, "requestKey": requestKey, "error": deliveryErr},
		}, l.cfg.ActivityFeedLimit)
		if added {
			l.pushSubtaskChat(a, job, fmt.Sprintf("Reply delivery failed: %s", deliveryErr), "reply_delivery_failed", failedAtMs)
		}
	})
}
