// Package contract parses and validates the versioned action contract that
// planners and chat commands hand to the dispatcher. Structure is enforced
// by JSON Schema; cross-action rules (unique action ids, workspace-scoped
// dedupe keys) are checked here.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/warden/internal/dispatch"
)

// Version is the only contract version this build accepts.
const Version = "warden.dispatch.v1"

//go:embed schema.json
var schemaJSON []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal contract schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("contract.json", doc); err != nil {
			compileErr = fmt.Errorf("add contract schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("contract.json")
	})
	return compiled, compileErr
}

// Validated is a contract that passed both schema and semantic validation,
// with every field trimmed and dedupe tokens left as authored.
type Validated struct {
	Version string
	Actions []dispatch.Action
}

type rawContract struct {
	Version string      `json:"version"`
	Actions []rawAction `json:"actions"`
}

type rawAction struct {
	Type          string `json:"type"`
	ActionID      string `json:"action_id"`
	WorkspaceID   string `json:"workspace_id"`
	Prompt        string `json:"prompt"`
	ThreadID      string `json:"thread_id"`
	DedupeKey     string `json:"dedupe_key"`
	Model         string `json:"model"`
	Effort        string `json:"effort"`
	AccessMode    string `json:"access_mode"`
	RouteKind     string `json:"route_kind"`
	RouteTarget   string `json:"route_target"`
	RouteReason   string `json:"route_reason"`
	RouteFallback string `json:"route_fallback"`
}

// Parse validates raw contract JSON and returns the normalized actions.
func Parse(raw []byte) (Validated, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Validated{}, fmt.Errorf("invalid action contract JSON: %w", err)
	}
	return ParseValue(doc)
}

// ParseValue validates an already decoded contract document.
func ParseValue(doc any) (Validated, error) {
	s, err := schema()
	if err != nil {
		return Validated{}, err
	}
	if err := s.Validate(doc); err != nil {
		return Validated{}, fmt.Errorf("invalid action contract: %w", err)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return Validated{}, fmt.Errorf("invalid action contract: %w", err)
	}
	var contract rawContract
	if err := json.Unmarshal(encoded, &contract); err != nil {
		return Validated{}, fmt.Errorf("invalid action contract: %w", err)
	}
	return validate(contract)
}

func validate(contract rawContract) (Validated, error) {
	if version := strings.TrimSpace(contract.Version); version != Version {
		return Validated{}, fmt.Errorf("unsupported action contract version `%s` (expected `%s`)", version, Version)
	}
	if len(contract.Actions) == 0 {
		return Validated{}, fmt.Errorf("actions must contain at least one item")
	}

	seenActionIDs := map[string]bool{}
	seenDedupeKeys := map[string]bool{}
	actions := make([]dispatch.Action, 0, len(contract.Actions))

	for _, raw := range contract.Actions {
		action, err := normalizeAction(raw)
		if err != nil {
			return Validated{}, err
		}

		if seenActionIDs[action.ActionID] {
			return Validated{}, fmt.Errorf("duplicate action_id `%s` in action contract", action.ActionID)
		}
		seenActionIDs[action.ActionID] = true

		dedupeToken := action.DedupeKey
		if dedupeToken == "" {
			dedupeToken = action.ActionID
		}
		scoped := fmt.Sprintf("%s:%s", action.WorkspaceID, dedupeToken)
		if seenDedupeKeys[scoped] {
			return Validated{}, fmt.Errorf("duplicate dedupe key `%s` for workspace `%s`", dedupeToken, action.WorkspaceID)
		}
		seenDedupeKeys[scoped] = true

		actions = append(actions, action)
	}

	return Validated{Version: Version, Actions: actions}, nil
}

func normalizeAction(raw rawAction) (dispatch.Action, error) {
	actionID, err := required("action_id", raw.ActionID)
	if err != nil {
		return dispatch.Action{}, err
	}
	workspaceID, err := required("workspace_id", raw.WorkspaceID)
	if err != nil {
		return dispatch.Action{}, err
	}
	prompt, err := required("prompt", raw.Prompt)
	if err != nil {
		return dispatch.Action{}, err
	}
	return dispatch.Action{
		ActionID:      actionID,
		WorkspaceID:   workspaceID,
		Prompt:        prompt,
		ThreadID:      strings.TrimSpace(raw.ThreadID),
		DedupeKey:     strings.TrimSpace(raw.DedupeKey),
		Model:         strings.TrimSpace(raw.Model),
		Effort:        strings.TrimSpace(raw.Effort),
		AccessMode:    strings.TrimSpace(raw.AccessMode),
		RouteKind:     strings.TrimSpace(raw.RouteKind),
		RouteTarget:   strings.TrimSpace(raw.RouteTarget),
		RouteReason:   strings.TrimSpace(raw.RouteReason),
		RouteFallback: strings.TrimSpace(raw.RouteFallback),
	}, nil
}

func required(field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return trimmed, nil
}
