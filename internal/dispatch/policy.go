package dispatch

import (
	"fmt"
	"strings"
)

// Access modes accepted on dispatch actions.
const (
	AccessReadOnly   = "read-only"
	AccessCurrent    = "current"
	AccessFullAccess = "full-access"
)

// NormalizeAccessMode trims and validates an access mode, keeping the empty
// string for "not specified".
func NormalizeAccessMode(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	switch trimmed {
	case AccessReadOnly, AccessCurrent, AccessFullAccess:
		return trimmed, nil
	default:
		return "", fmt.Errorf("access_mode must be one of `read-only`, `current`, or `full-access`")
	}
}

// ResolveAccessMode maps an optional access mode to the effective one,
// defaulting to current.
func ResolveAccessMode(value string) string {
	switch strings.TrimSpace(value) {
	case AccessReadOnly:
		return AccessReadOnly
	case AccessFullAccess:
		return AccessFullAccess
	default:
		return AccessCurrent
	}
}

// ApprovalPolicyForAccessMode returns the approval policy sent with a turn:
// full access turns never ask, everything else asks on request.
func ApprovalPolicyForAccessMode(accessMode string) string {
	if accessMode == AccessFullAccess {
		return "never"
	}
	return "on-request"
}

// SandboxPolicyForAccessMode builds the sandbox policy object sent with a
// turn.
func SandboxPolicyForAccessMode(accessMode, workspacePath string) map[string]any {
	switch accessMode {
	case AccessFullAccess:
		return map[string]any{"type": "dangerFullAccess"}
	case AccessReadOnly:
		return map[string]any{"type": "readOnly"}
	default:
		return map[string]any{
			"type":          "workspaceWrite",
			"writableRoots": []any{workspacePath},
			"networkAccess": true,
		}
	}
}
