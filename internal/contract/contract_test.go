package contract

import (
	"strings"
	"testing"
)

func TestParseValidContract(t *testing.T) {
	validated, err := Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [
			{
				"type": "dispatch_turn",
				"action_id": " action-1 ",
				"workspace_id": " ws-1 ",
				"thread_id": " thread-1 ",
				"prompt": " fix failing tests ",
				"dedupe_key": " dispatch-1 ",
				"model": "gpt-5",
				"access_mode": "read-only"
			},
			{
				"type": "dispatch_turn",
				"action_id": "action-2",
				"workspace_id": "ws-2",
				"prompt": "ship release"
			}
		]
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if validated.Version != Version {
		t.Fatalf("version = %q", validated.Version)
	}
	if len(validated.Actions) != 2 {
		t.Fatalf("actions = %+v", validated.Actions)
	}
	first := validated.Actions[0]
	if first.ActionID != "action-1" || first.WorkspaceID != "ws-1" || first.Prompt != "fix failing tests" {
		t.Fatalf("first not trimmed: %+v", first)
	}
	if first.ThreadID != "thread-1" || first.DedupeKey != "dispatch-1" || first.AccessMode != "read-only" {
		t.Fatalf("first optionals: %+v", first)
	}
	if validated.Actions[1].DedupeKey != "" {
		t.Fatalf("second dedupe key = %q", validated.Actions[1].DedupeKey)
	}
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	_, err := Parse([]byte(`{
		"version": "warden.dispatch.v0",
		"actions": [{"type": "dispatch_turn", "action_id": "a", "workspace_id": "ws", "prompt": "run"}]
	}`))
	if err == nil || !strings.Contains(err.Error(), "unsupported action contract version") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsEmptyActions(t *testing.T) {
	_, err := Parse([]byte(`{"version": "warden.dispatch.v1", "actions": []}`))
	if err == nil || err.Error() != "actions must contain at least one item" {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsDuplicateActionID(t *testing.T) {
	_, err := Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [
			{"type": "dispatch_turn", "action_id": "action-1", "workspace_id": "ws-1", "prompt": "first"},
			{"type": "dispatch_turn", "action_id": "action-1", "workspace_id": "ws-2", "prompt": "second"}
		]
	}`))
	if err == nil || !strings.Contains(err.Error(), "duplicate action_id `action-1`") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsDuplicateDedupeKeyWithinWorkspace(t *testing.T) {
	_, err := Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [
			{"type": "dispatch_turn", "action_id": "action-1", "workspace_id": "ws-1", "prompt": "first", "dedupe_key": "same"},
			{"type": "dispatch_turn", "action_id": "action-2", "workspace_id": "ws-1", "prompt": "second", "dedupe_key": "same"}
		]
	}`))
	if err == nil || !strings.Contains(err.Error(), "duplicate dedupe key `same` for workspace `ws-1`") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseAllowsSameDedupeKeyAcrossWorkspaces(t *testing.T) {
	validated, err := Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [
			{"type": "dispatch_turn", "action_id": "action-1", "workspace_id": "ws-1", "prompt": "first", "dedupe_key": "same"},
			{"type": "dispatch_turn", "action_id": "action-2", "workspace_id": "ws-2", "prompt": "second", "dedupe_key": "same"}
		]
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(validated.Actions) != 2 {
		t.Fatalf("actions = %+v", validated.Actions)
	}
}

func TestParseRejectsBlankRequiredField(t *testing.T) {
	_, err := Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [{"type": "dispatch_turn", "action_id": "action-1", "workspace_id": "ws-1", "prompt": "   "}]
	}`))
	if err == nil || err.Error() != "prompt is required" {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsUnknownActionType(t *testing.T) {
	_, err := Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [{"type": "noop", "action_id": "a", "workspace_id": "ws", "prompt": "x"}]
	}`))
	if err == nil || !strings.Contains(err.Error(), "invalid action contract") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [{"type": "dispatch_turn", "action_id": "a", "workspace_id": "ws", "prompt": "x"}],
		"unexpected": true
	}`))
	if err == nil || !strings.Contains(err.Error(), "invalid action contract") {
		t.Fatalf("top-level err = %v", err)
	}

	_, err = Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [{"type": "dispatch_turn", "action_id": "a", "workspace_id": "ws", "prompt": "x", "extra": 1}]
	}`))
	if err == nil || !strings.Contains(err.Error(), "invalid action contract") {
		t.Fatalf("action-level err = %v", err)
	}
}

func TestParseRejectsInvalidAccessMode(t *testing.T) {
	_, err := Parse([]byte(`{
		"version": "warden.dispatch.v1",
		"actions": [{"type": "dispatch_turn", "action_id": "a", "workspace_id": "ws", "prompt": "x", "access_mode": "yolo"}]
	}`))
	if err == nil || !strings.Contains(err.Error(), "invalid action contract") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{`)); err == nil || !strings.Contains(err.Error(), "invalid action contract JSON") {
		t.Fatalf("err = %v", err)
	}
}
