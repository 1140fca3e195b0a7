package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/dispatch"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/supervisor"
)

// Manager holds one client per configured workspace and adapts them to the
// dispatch backend, approval, and reply interfaces.
type Manager struct {
	log     *slog.Logger
	metrics *otel.Metrics
	handler NotificationHandler

	mu      sync.Mutex
	clients map[string]*managedClient
}

type managedClient struct {
	cfg    config.WorkspaceConfig
	client *Client
}

// NewManager builds a manager that feeds inbound notifications to handler.
func NewManager(log *slog.Logger, metrics *otel.Metrics, handler NotificationHandler) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log,
		metrics: metrics,
		handler: handler,
		clients: map[string]*managedClient{},
	}
}

// Configure reconciles the client set against the configured workspaces.
// New workspaces get a client; removed ones are closed and dropped.
func (m *Manager) Configure(workspaces []config.WorkspaceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	for _, ws := range workspaces {
		seen[ws.ID] = true
		if entry, ok := m.clients[ws.ID]; ok {
			entry.cfg = ws
			continue
		}
		m.clients[ws.ID] = &managedClient{
			cfg:    ws,
			client: NewClient(ws.ID, ws.URL, m.log, m.handler),
		}
	}
	for id, entry := range m.clients {
		if !seen[id] {
			_ = entry.client.Close()
			delete(m.clients, id)
		}
	}
}

// ConnectAll dials every configured workspace, logging failures without
// aborting: unreachable workspaces surface through health instead.
func (m *Manager) ConnectAll(ctx context.Context) {
	for _, entry := range m.entries() {
		if entry.client.Connected() {
			continue
		}
		if err := entry.client.Connect(ctx); err != nil {
			m.log.Warn("workspace connect failed", "workspace_id", entry.cfg.ID, "error", err)
		}
	}
}

// Close shuts every client down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.clients {
		_ = entry.client.Close()
	}
}

func (m *Manager) entries() []*managedClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*managedClient, 0, len(m.clients))
	for _, entry := range m.clients {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cfg.ID < entries[j].cfg.ID })
	return entries
}

func (m *Manager) entry(workspaceID string) (*managedClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.clients[workspaceID]
	if !ok || !entry.client.Connected() {
		return nil, fmt.Errorf("workspace `%s` is not connected", workspaceID)
	}
	return entry, nil
}

// StartThread starts a fresh thread in the workspace runtime.
func (m *Manager) StartThread(ctx context.Context, workspaceID string) (map[string]any, error) {
	entry, err := m.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	return entry.client.Call(ctx, "thread/start", map[string]any{
		"cwd":            entry.cfg.Root,
		"approvalPolicy": "on-request",
	})
}

// ResumeThread resumes an existing thread.
func (m *Manager) ResumeThread(ctx context.Context, workspaceID, threadID string) (map[string]any, error) {
	entry, err := m.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	return entry.client.Call(ctx, "thread/resume", map[string]any{
		"threadId": threadID,
	})
}

// StartTurn dispatches one prompt into a thread, carrying model, effort,
// and the approval/sandbox policies derived from the access mode.
func (m *Manager) StartTurn(ctx context.Context, workspaceID, threadID, prompt, model, effort, accessMode string) (map[string]any, error) {
	entry, err := m.entry(workspaceID)
	if err != nil {
		return nil, err
	}

	mode := dispatch.ResolveAccessMode(accessMode)
	params := map[string]any{
		"threadId":       threadID,
		"input":          []map[string]any{{"type": "text", "text": prompt}},
		"cwd":            entry.cfg.Root,
		"approvalPolicy": dispatch.ApprovalPolicyForAccessMode(mode),
		"sandboxPolicy":  dispatch.SandboxPolicyForAccessMode(mode, entry.cfg.Root),
	}
	if model != "" {
		params["model"] = model
	}
	if effort != "" {
		params["effort"] = effort
	}
	return entry.client.Call(ctx, "turn/start", params)
}

// RespondApproval answers a pending approval request on the runtime.
func (m *Manager) RespondApproval(ctx context.Context, workspaceID, requestID string, accept bool) error {
	entry, err := m.entry(workspaceID)
	if err != nil {
		return err
	}
	decision := "denied"
	if accept {
		decision = "approved"
	}
	return entry.client.Respond(ctx, requestID, map[string]any{"decision": decision})
}

// RespondUserInput answers a child request waiting on user input. Each
// known question id gets the reply; a request without question ids gets a
// single bare answer.
func (m *Manager) RespondUserInput(ctx context.Context, workspaceID, requestID string, questionIDs []string, reply string) error {
	entry, err := m.entry(workspaceID)
	if err != nil {
		return err
	}
	if len(questionIDs) == 0 {
		return entry.client.Respond(ctx, requestID, map[string]any{"answer": reply})
	}
	answers := make([]map[string]any, 0, len(questionIDs))
	for _, id := range questionIDs {
		answers = append(answers, map[string]any{"id": id, "answer": reply})
	}
	return entry.client.Respond(ctx, requestID, map[string]any{"answers": answers})
}

// HealthInputs probes every workspace and reports connectivity for the
// pull side of the reconciliation loop. A failed probe reads as not
// connected.
func (m *Manager) HealthInputs(ctx context.Context, probeTimeout time.Duration) []supervisor.HealthInput {
	entries := m.entries()
	inputs := make([]supervisor.HealthInput, 0, len(entries))
	for _, entry := range entries {
		connected := entry.client.Connected()
		if connected {
			connected = m.probe(ctx, entry, probeTimeout)
		}
		inputs = append(inputs, supervisor.HealthInput{
			WorkspaceID:   entry.cfg.ID,
			WorkspaceName: entry.cfg.Name,
			Connected:     connected,
		})
	}
	return inputs
}

func (m *Manager) probe(ctx context.Context, entry *managedClient, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := entry.client.Ping(probeCtx)
	elapsed := time.Since(start)

	if m.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrWorkspaceID.String(entry.cfg.ID))
		if m.metrics.ProbeDuration != nil {
			m.metrics.ProbeDuration.Record(ctx, elapsed.Seconds(), attrs)
		}
		if err != nil && m.metrics.ProbeFailures != nil {
			m.metrics.ProbeFailures.Add(ctx, 1, attrs)
		}
	}
	if err != nil {
		m.log.Warn("workspace probe failed", "workspace_id", entry.cfg.ID, "error", err)
		return false
	}
	return true
}
