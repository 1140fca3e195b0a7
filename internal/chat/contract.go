package chat

import (
	"fmt"

	"github.com/basket/warden/internal/contract"
)

// BuildDispatchContract expands a /dispatch request into an action contract
// document, one dispatch_turn action per target workspace. The document
// still has to pass contract validation before execution.
func BuildDispatchContract(request *DispatchRequest, actionIDPrefix string) map[string]any {
	actions := make([]any, 0, len(request.WorkspaceIDs))
	for index, workspaceID := range request.WorkspaceIDs {
		action := map[string]any{
			"type":         "dispatch_turn",
			"action_id":    fmt.Sprintf("%s-%d", actionIDPrefix, index+1),
			"workspace_id": workspaceID,
			"prompt":       request.Prompt,
		}
		setIfPresent(action, "thread_id", request.ThreadID)
		setIfPresent(action, "dedupe_key", request.DedupeKey)
		setIfPresent(action, "model", request.Model)
		setIfPresent(action, "effort", request.Effort)
		setIfPresent(action, "access_mode", request.AccessMode)
		setIfPresent(action, "route_kind", request.RouteKind)
		setIfPresent(action, "route_reason", request.RouteReason)
		setIfPresent(action, "route_fallback", request.RouteFallback)
		actions = append(actions, action)
	}

	return map[string]any{
		"version": contract.Version,
		"actions": actions,
	}
}

func setIfPresent(target map[string]any, key, value string) {
	if value != "" {
		target[key] = value
	}
}
