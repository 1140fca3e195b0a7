package state

// Reducers. Every method mutates the aggregate in place and maintains the
// container invariants: signals and activity newest-first, chat oldest-first,
// bounded feeds, monotonic signal acknowledgment.

// UpsertWorkspace inserts or replaces a workspace by id.
func (a *Aggregate) UpsertWorkspace(ws Workspace) {
	if ws.Health == "" {
		ws.Health = HealthHealthy
	}
	a.Workspaces[ws.ID] = ws
}

// RemoveWorkspace drops a workspace and everything scoped to it: threads,
// jobs, open questions, and pending approvals. Signals and the activity feed
// are kept as history.
func (a *Aggregate) RemoveWorkspace(id string) {
	delete(a.Workspaces, id)
	for key, th := range a.Threads {
		if th.WorkspaceID == id {
			delete(a.Threads, key)
		}
	}
	for jobID, job := range a.Jobs {
		if job.WorkspaceID == id {
			delete(a.Jobs, jobID)
		}
	}
	for qID, q := range a.OpenQuestions {
		if q.WorkspaceID == id {
			delete(a.OpenQuestions, qID)
		}
	}
	for key, appr := range a.PendingApprovals {
		if appr.WorkspaceID == id {
			delete(a.PendingApprovals, key)
		}
	}
}

// UpsertThread inserts or replaces a thread keyed by workspace and thread id.
func (a *Aggregate) UpsertThread(th Thread) {
	if th.Status == "" {
		th.Status = ThreadIdle
	}
	a.Threads[ThreadKey(th.WorkspaceID, th.ID)] = th
}

// RemoveThread drops one thread.
func (a *Aggregate) RemoveThread(workspaceID, threadID string) {
	delete(a.Threads, ThreadKey(workspaceID, threadID))
}

// Thread looks up a thread by workspace and thread id.
func (a *Aggregate) Thread(workspaceID, threadID string) (Thread, bool) {
	th, ok := a.Threads[ThreadKey(workspaceID, threadID)]
	return th, ok
}

// UpsertJob inserts or replaces a job by id.
func (a *Aggregate) UpsertJob(job Job) {
	if job.Status == "" {
		job.Status = JobQueued
	}
	a.Jobs[job.ID] = job
}

// AppendJobEvent appends an event to a job's recent-event ring. Events with an
// id already present are ignored; the ring keeps at most JobEventLimit entries,
// trimming the oldest.
func (a *Aggregate) AppendJobEvent(jobID string, ev JobEvent) bool {
	job, ok := a.Jobs[jobID]
	if !ok {
		return false
	}
	for _, existing := range job.RecentEvents {
		if existing.ID != "" && existing.ID == ev.ID {
			return false
		}
	}
	job.RecentEvents = append(job.RecentEvents, ev)
	if len(job.RecentEvents) > JobEventLimit {
		job.RecentEvents = job.RecentEvents[len(job.RecentEvents)-JobEventLimit:]
	}
	a.Jobs[jobID] = job
	return true
}

// PushSignal inserts a signal at the front of the list. A signal with the
// same id replaces the existing entry in place, but an acknowledgment already
// recorded there is preserved: acknowledgment never regresses.
func (a *Aggregate) PushSignal(sig Signal) {
	for i, existing := range a.Signals {
		if existing.ID == sig.ID {
			if existing.AcknowledgedAtMs != 0 {
				sig.AcknowledgedAtMs = existing.AcknowledgedAtMs
			}
			a.Signals[i] = sig
			return
		}
	}
	a.Signals = append([]Signal{sig}, a.Signals...)
}

// AckSignal marks a signal acknowledged. It reports whether the signal exists
// and whether it had already been acknowledged; acknowledging twice is a
// no-op that keeps the original timestamp.
func (a *Aggregate) AckSignal(id string, nowMs int64) (found, already bool) {
	for i, sig := range a.Signals {
		if sig.ID != id {
			continue
		}
		if sig.AcknowledgedAtMs != 0 {
			return true, true
		}
		a.Signals[i].AcknowledgedAtMs = nowMs
		return true, false
	}
	return false, false
}

// PushActivity records an activity entry. An entry with an id already present
// is replaced in place; otherwise the entry is inserted at the front and the
// feed trimmed to limit (DefaultActivityFeedLimit when limit is zero).
func (a *Aggregate) PushActivity(entry ActivityEntry, limit int) {
	if limit <= 0 {
		limit = DefaultActivityFeedLimit
	}
	for i, existing := range a.ActivityFeed {
		if existing.ID != "" && existing.ID == entry.ID {
			a.ActivityFeed[i] = entry
			return
		}
	}
	a.ActivityFeed = append([]ActivityEntry{entry}, a.ActivityFeed...)
	if len(a.ActivityFeed) > limit {
		a.ActivityFeed = a.ActivityFeed[:limit]
	}
}

// AppendChat appends a chat message, trimming the oldest messages beyond
// limit (DefaultChatHistoryLimit when limit is zero).
func (a *Aggregate) AppendChat(msg ChatMessage, limit int) {
	if limit <= 0 {
		limit = DefaultChatHistoryLimit
	}
	a.ChatHistory = append(a.ChatHistory, msg)
	if len(a.ChatHistory) > limit {
		a.ChatHistory = a.ChatHistory[len(a.ChatHistory)-limit:]
	}
}

// UpsertOpenQuestion records an unresolved question keyed by id.
func (a *Aggregate) UpsertOpenQuestion(q OpenQuestion) {
	a.OpenQuestions[q.ID] = q
}

// ResolveOpenQuestion removes a question and returns it.
func (a *Aggregate) ResolveOpenQuestion(id string) (OpenQuestion, bool) {
	q, ok := a.OpenQuestions[id]
	if ok {
		delete(a.OpenQuestions, id)
	}
	return q, ok
}

// UpsertPendingApproval records an unresolved approval keyed by request key.
func (a *Aggregate) UpsertPendingApproval(p PendingApproval) {
	a.PendingApprovals[p.RequestKey] = p
}

// ResolvePendingApproval removes an approval request and returns it.
func (a *Aggregate) ResolvePendingApproval(requestKey string) (PendingApproval, bool) {
	p, ok := a.PendingApprovals[requestKey]
	if ok {
		delete(a.PendingApprovals, requestKey)
	}
	return p, ok
}
