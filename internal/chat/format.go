package chat

import (
	"fmt"
	"strings"

	"github.com/basket/warden/internal/dispatch"
	"github.com/basket/warden/internal/state"
)

// Rendered is a chat reply split into a short primary line and the
// identifier-heavy detail below it. Text joins both for transports that
// show a single message.
type Rendered struct {
	Primary   string
	Technical string
}

// Text returns the full reply as one message.
func (r Rendered) Text() string {
	if r.Technical == "" {
		return r.Primary
	}
	return r.Primary + "\n" + r.Technical
}

func rendered(lines []string) Rendered {
	if len(lines) == 0 {
		return Rendered{}
	}
	return Rendered{Primary: lines[0], Technical: strings.Join(lines[1:], "\n")}
}

// FormatHelp lists the supported commands.
func FormatHelp() Rendered {
	return Rendered{Primary: strings.Join([]string{
		"Supported commands:",
		"- /dispatch --ws ws-1,ws-2 --prompt \"...\" [--thread ...] [--dedupe ...] [--model ...] [--effort ...] [--access-mode read-only|current|full-access]",
		"- /ack <signal_id>",
		"- /status [workspace_id]",
		"- /feed [needs_input]",
		"- /help",
		"",
		"Free-form chat:",
		"- Any message without `/` is routed by Supervisor (local tool vs delegated workspace).",
		"- When a child subtask is waiting for input, reply directly or target it with `@<subtask_id> ...`.",
	}, "\n")}
}

// FormatStatus renders the /status reply. An empty workspaceID renders the
// global summary.
func FormatStatus(agg *state.Aggregate, workspaceID string) (Rendered, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID != "" {
		workspace, ok := agg.Workspaces[workspaceID]
		if !ok {
			return Rendered{}, fmt.Errorf("workspace `%s` not found", workspaceID)
		}
		threadCount := 0
		for _, thread := range agg.Threads {
			if thread.WorkspaceID == workspaceID {
				threadCount++
			}
		}
		jobCount := 0
		for _, job := range agg.Jobs {
			if job.WorkspaceID == workspaceID {
				jobCount++
			}
		}
		pendingSignals := 0
		for _, signal := range agg.Signals {
			if !signal.Acknowledged() && signal.WorkspaceID == workspaceID {
				pendingSignals++
			}
		}
		return rendered([]string{
			fmt.Sprintf("Status for workspace `%s`:", workspaceID),
			fmt.Sprintf("- connected: %s", yesNo(workspace.Connected)),
			fmt.Sprintf("- health: %s", workspace.Health),
			fmt.Sprintf("- current_task: %s", orDefault(workspace.CurrentTask, "none")),
			fmt.Sprintf("- next_step: %s", orDefault(workspace.NextExpectedStep, "pending update")),
			fmt.Sprintf("- last_activity_at_ms: %s", msLabel(workspace.LastActivityAtMs)),
			fmt.Sprintf("- blockers: %s", blockersLabel(workspace.Blockers)),
			fmt.Sprintf("- threads: %d", threadCount),
			fmt.Sprintf("- jobs: %d", jobCount),
			fmt.Sprintf("- pending_signals: %d", pendingSignals),
		}), nil
	}

	lines := []string{
		"Global supervisor status:",
		fmt.Sprintf("- workspaces: %d", len(agg.Workspaces)),
		fmt.Sprintf("- threads: %d", len(agg.Threads)),
		fmt.Sprintf("- jobs: %d", len(agg.Jobs)),
		fmt.Sprintf("- pending_signals: %d", len(agg.UnacknowledgedSignals())),
		fmt.Sprintf("- pending_approvals: %d", len(agg.PendingApprovals)),
		fmt.Sprintf("- open_questions: %d", len(agg.OpenQuestions)),
	}
	if len(agg.Workspaces) == 0 {
		lines = append(lines, "- workspaces_detail: none")
	} else {
		lines = append(lines, "- workspaces_detail:")
		for _, id := range agg.WorkspaceIDs() {
			workspace := agg.Workspaces[id]
			lines = append(lines, fmt.Sprintf("  - %s (%s): %s",
				workspace.ID, workspace.Health, orDefault(workspace.CurrentTask, "idle")))
		}
	}
	return rendered(lines), nil
}

// FormatFeed renders the /feed reply from an already-filtered page of
// activity entries. total is the size of the unfiltered view the page was
// taken from.
func FormatFeed(items []state.ActivityEntry, total int, needsInputOnly bool) Rendered {
	filter := ""
	if needsInputOnly {
		filter = " (needs input)"
	}
	lines := []string{fmt.Sprintf("Activity feed%s: showing %d of %d", filter, len(items), total)}

	if len(items) == 0 {
		lines = append(lines, "- no activity entries")
		return rendered(lines)
	}
	for _, entry := range items {
		marker := ""
		if entry.NeedsInput {
			marker = " [needs_input]"
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s (ws: %s, thread: %s, at: %d)%s",
			entry.Kind, entry.Message,
			orDefault(entry.WorkspaceID, "global"), orDefault(entry.ThreadID, "-"),
			entry.CreatedAtMs, marker))
	}
	return rendered(lines)
}

// FormatAck renders the /ack confirmation.
func FormatAck(signalID string) Rendered {
	return Rendered{Primary: fmt.Sprintf("Signal `%s` acknowledged.", signalID)}
}

// FormatDispatch renders the /dispatch reply with per-workspace outcomes.
func FormatDispatch(request *DispatchRequest, batch dispatch.BatchResult) Rendered {
	dispatched := 0
	for _, item := range batch.Results {
		if item.Status == dispatch.StatusDispatched {
			dispatched++
		}
	}
	failed := len(batch.Results) - dispatched

	lines := []string{
		fmt.Sprintf("Dispatch completed for %d workspace(s): %d dispatched, %d failed.",
			len(request.WorkspaceIDs), dispatched, failed),
		fmt.Sprintf("Prompt: %s", truncateRunes(strings.TrimSpace(request.Prompt), 140)),
	}
	if request.RouteKind != "" {
		lines = append(lines, fmt.Sprintf("Route kind: %s", request.RouteKind))
	}
	if request.RouteReason != "" {
		lines = append(lines, fmt.Sprintf("Route reason: %s", request.RouteReason))
	}
	if request.RouteFallback != "" {
		lines = append(lines, fmt.Sprintf("Route fallback: %s", request.RouteFallback))
	}
	if request.Model != "" {
		lines = append(lines, fmt.Sprintf("Model: %s", request.Model))
	}
	if request.Effort != "" {
		lines = append(lines, fmt.Sprintf("Reasoning effort: %s", request.Effort))
	}
	if request.AccessMode != "" {
		lines = append(lines, fmt.Sprintf("Access mode: %s", request.AccessMode))
	}

	for _, item := range batch.Results {
		if item.Status == dispatch.StatusDispatched {
			marker := ""
			if item.IdempotentReplay {
				marker = " [idempotent_replay]"
			}
			lines = append(lines, fmt.Sprintf("- %s: dispatched (thread: %s, turn: %s)%s",
				item.WorkspaceID, orDefault(item.ThreadID, "n/a"), orDefault(item.TurnID, "n/a"), marker))
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: failed (%s)",
			item.WorkspaceID, orDefault(item.Error, "unknown error")))
	}
	return rendered(lines)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func msLabel(value int64) string {
	if value == 0 {
		return "none"
	}
	return fmt.Sprintf("%d", value)
}

func blockersLabel(blockers []string) string {
	if len(blockers) == 0 {
		return "none"
	}
	return strings.Join(blockers, ", ")
}

func truncateRunes(value string, maxChars int) string {
	runes := []rune(value)
	if len(runes) <= maxChars {
		return value
	}
	return string(runes[:maxChars])
}
