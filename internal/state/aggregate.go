package state

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Aggregate is the full supervisor state. Threads are keyed by
// "workspaceID:threadID"; signals and the activity feed are newest-first.
type Aggregate struct {
	Workspaces       map[string]Workspace       `json:"workspaces"`
	Threads          map[string]Thread          `json:"threads"`
	Jobs             map[string]Job             `json:"jobs"`
	Signals          []Signal                   `json:"signals"`
	ActivityFeed     []ActivityEntry            `json:"activity_feed"`
	OpenQuestions    map[string]OpenQuestion    `json:"open_questions"`
	PendingApprovals map[string]PendingApproval `json:"pending_approvals"`
	ChatHistory      []ChatMessage              `json:"chat_history"`
}

// NewAggregate returns an empty aggregate with all containers allocated.
func NewAggregate() *Aggregate {
	return &Aggregate{
		Workspaces:       map[string]Workspace{},
		Threads:          map[string]Thread{},
		Jobs:             map[string]Job{},
		Signals:          []Signal{},
		ActivityFeed:     []ActivityEntry{},
		OpenQuestions:    map[string]OpenQuestion{},
		PendingApprovals: map[string]PendingApproval{},
		ChatHistory:      []ChatMessage{},
	}
}

// ThreadKey builds the composite thread map key.
func ThreadKey(workspaceID, threadID string) string {
	return fmt.Sprintf("%s:%s", workspaceID, threadID)
}

// Clone returns a deep copy of the aggregate.
func (a *Aggregate) Clone() *Aggregate {
	out := &Aggregate{
		Workspaces:       make(map[string]Workspace, len(a.Workspaces)),
		Threads:          make(map[string]Thread, len(a.Threads)),
		Jobs:             make(map[string]Job, len(a.Jobs)),
		Signals:          make([]Signal, len(a.Signals)),
		ActivityFeed:     make([]ActivityEntry, len(a.ActivityFeed)),
		OpenQuestions:    make(map[string]OpenQuestion, len(a.OpenQuestions)),
		PendingApprovals: make(map[string]PendingApproval, len(a.PendingApprovals)),
		ChatHistory:      make([]ChatMessage, len(a.ChatHistory)),
	}
	for id, ws := range a.Workspaces {
		ws.Blockers = cloneStrings(ws.Blockers)
		out.Workspaces[id] = ws
	}
	for key, th := range a.Threads {
		th.Blockers = cloneStrings(th.Blockers)
		out.Threads[key] = th
	}
	for id, job := range a.Jobs {
		job.WaitingQuestionIDs = cloneStrings(job.WaitingQuestionIDs)
		if job.RecentEvents != nil {
			events := make([]JobEvent, len(job.RecentEvents))
			for i, ev := range job.RecentEvents {
				ev.Metadata = cloneMap(ev.Metadata)
				events[i] = ev
			}
			job.RecentEvents = events
		}
		out.Jobs[id] = job
	}
	for i, sig := range a.Signals {
		sig.Context = cloneMap(sig.Context)
		out.Signals[i] = sig
	}
	for i, entry := range a.ActivityFeed {
		entry.Metadata = cloneMap(entry.Metadata)
		out.ActivityFeed[i] = entry
	}
	for id, q := range a.OpenQuestions {
		q.Context = cloneMap(q.Context)
		out.OpenQuestions[id] = q
	}
	for key, appr := range a.PendingApprovals {
		appr.Params = cloneMap(appr.Params)
		out.PendingApprovals[key] = appr
	}
	copy(out.ChatHistory, a.ChatHistory)
	return out
}

// WorkspaceIDs returns the sorted ids of all tracked workspaces.
func (a *Aggregate) WorkspaceIDs() []string {
	ids := make([]string, 0, len(a.Workspaces))
	for id := range a.Workspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ThreadsForWorkspace returns the workspace's threads sorted by id.
func (a *Aggregate) ThreadsForWorkspace(workspaceID string) []Thread {
	var threads []Thread
	for _, th := range a.Threads {
		if th.WorkspaceID == workspaceID {
			threads = append(threads, th)
		}
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].ID < threads[j].ID })
	return threads
}

// UnacknowledgedSignals returns signals not yet acknowledged, newest first.
func (a *Aggregate) UnacknowledgedSignals() []Signal {
	var out []Signal
	for _, sig := range a.Signals {
		if !sig.Acknowledged() {
			out = append(out, sig)
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return in
	}
	return out
}
