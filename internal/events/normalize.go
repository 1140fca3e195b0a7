package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed marks payloads that looked relevant but were missing required
// identifiers. Callers count these and move on; a malformed payload never
// stops the stream.
var ErrMalformed = errors.New("malformed workspace event")

// Normalize turns one raw session payload into a normalized event.
// Payloads with methods outside the recognized set come back as
// lifecycle_noise carrying the method, so callers can still refresh
// workspace activity.
func Normalize(workspaceID string, raw json.RawMessage, receivedAtMs int64) (Event, error) {
	var message map[string]any
	if err := json.Unmarshal(raw, &message); err != nil {
		return Event{}, fmt.Errorf("%w: not a JSON object: %v", ErrMalformed, err)
	}
	return NormalizeMessage(workspaceID, message, receivedAtMs)
}

// NormalizeMessage is Normalize for an already decoded payload.
func NormalizeMessage(workspaceID string, message map[string]any, receivedAtMs int64) (Event, error) {
	if message == nil {
		return Event{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	method := strings.TrimSpace(stringField(message, "method"))
	if method == "" {
		return Event{}, fmt.Errorf("%w: missing method", ErrMalformed)
	}
	params, _ := message["params"].(map[string]any)

	switch {
	case method == "turn/started":
		return normalizeTurn(workspaceID, method, params, receivedAtMs, KindTurnStarted)
	case method == "turn/completed":
		return normalizeTurn(workspaceID, method, params, receivedAtMs, KindTurnCompleted)
	case method == "turn/failed":
		return normalizeTurn(workspaceID, method, params, receivedAtMs, KindTurnFailed)
	case method == "item/started":
		return normalizeItem(workspaceID, method, params, receivedAtMs, false)
	case method == "item/completed":
		return normalizeItem(workspaceID, method, params, receivedAtMs, true)
	case method == "error":
		return normalizeError(workspaceID, method, params, receivedAtMs)
	case strings.HasSuffix(method, "requestUserInput"):
		return normalizeUserInput(workspaceID, method, message, params, receivedAtMs)
	case strings.HasSuffix(method, "requestApproval"):
		return normalizeApproval(workspaceID, method, message, params, receivedAtMs)
	case strings.HasSuffix(method, "approvalResolved") || method == "approval/resolved":
		return normalizeApprovalResolved(workspaceID, method, message, params, receivedAtMs)
	default:
		return Event{
			WorkspaceID:  workspaceID,
			Kind:         KindLifecycleNoise,
			Method:       method,
			ReceivedAtMs: receivedAtMs,
		}, nil
	}
}

func normalizeTurn(workspaceID, method string, params map[string]any, receivedAtMs int64, kind Kind) (Event, error) {
	turn, _ := params["turn"].(map[string]any)
	threadID := field(params, "threadId", "thread_id")
	if threadID == "" {
		threadID = field(turn, "threadId", "thread_id")
	}
	turnID := field(params, "turnId", "turn_id")
	if turnID == "" {
		turnID = field(turn, "id")
	}
	if threadID == "" || turnID == "" {
		return Event{}, fmt.Errorf("%w: %s without thread or turn id", ErrMalformed, method)
	}
	task := extractTask(params)
	if task == "" {
		task = extractTask(turn)
	}
	ev := Event{
		WorkspaceID:  workspaceID,
		Kind:         kind,
		ThreadID:     threadID,
		TurnID:       turnID,
		Task:         task,
		Method:       method,
		ReceivedAtMs: receivedAtMs,
	}
	if kind == KindTurnFailed {
		ev.Message = errorMessage(params)
		ev.WillRetry = boolField(params, "willRetry", "will_retry")
	}
	return ev, nil
}

func normalizeItem(workspaceID, method string, params map[string]any, receivedAtMs int64, done bool) (Event, error) {
	item, _ := params["item"].(map[string]any)
	threadID := field(params, "threadId", "thread_id")
	if threadID == "" {
		threadID = field(item, "threadId", "thread_id")
	}
	itemID := field(params, "itemId", "item_id")
	if itemID == "" {
		itemID = field(item, "id")
	}
	if threadID == "" || itemID == "" {
		return Event{}, fmt.Errorf("%w: %s without thread or item id", ErrMalformed, method)
	}
	itemType := field(item, "type")
	task := extractTask(params)
	if task == "" {
		task = extractTask(item)
	}
	class := ItemOther
	if strings.EqualFold(itemType, "question") {
		class = ItemQuestion
	}
	return Event{
		WorkspaceID:  workspaceID,
		Kind:         KindItemAdded,
		ThreadID:     threadID,
		ItemID:       itemID,
		ItemType:     itemType,
		ItemClass:    class,
		ItemDone:     done,
		Task:         task,
		Method:       method,
		ReceivedAtMs: receivedAtMs,
	}, nil
}

func normalizeUserInput(workspaceID, method string, message, params map[string]any, receivedAtMs int64) (Event, error) {
	requestID, ok := requestID(message)
	if !ok {
		return Event{}, fmt.Errorf("%w: %s without request id", ErrMalformed, method)
	}
	var question string
	var questionIDs []string
	if rawQuestions, ok := params["questions"].([]any); ok {
		for _, rawQuestion := range rawQuestions {
			entry, ok := rawQuestion.(map[string]any)
			if !ok {
				continue
			}
			if id := field(entry, "id"); id != "" {
				questionIDs = append(questionIDs, id)
			}
			if question == "" {
				question = field(entry, "question", "prompt", "text")
			}
		}
	}
	if question == "" {
		question = field(params, "question", "prompt", "message")
	}
	if question == "" {
		question = "Child task is waiting for input."
	}
	return Event{
		WorkspaceID:  workspaceID,
		Kind:         KindItemAdded,
		ItemClass:    ItemQuestion,
		ThreadID:     field(params, "threadId", "thread_id"),
		TurnID:       field(params, "turnId", "turn_id"),
		ItemID:       field(params, "itemId", "item_id"),
		Question:     question,
		QuestionIDs:  questionIDs,
		RequestID:    requestID,
		RequestKey:   RequestKey(workspaceID, requestID),
		Method:       method,
		Params:       params,
		ReceivedAtMs: receivedAtMs,
	}, nil
}

func normalizeApproval(workspaceID, method string, message, params map[string]any, receivedAtMs int64) (Event, error) {
	requestID, ok := requestID(message)
	if !ok {
		return Event{}, fmt.Errorf("%w: %s without request id", ErrMalformed, method)
	}
	return Event{
		WorkspaceID:  workspaceID,
		Kind:         KindItemAdded,
		ItemClass:    ItemApprovalRequest,
		ThreadID:     field(params, "threadId", "thread_id"),
		TurnID:       field(params, "turnId", "turn_id"),
		ItemID:       field(params, "itemId", "item_id"),
		RequestID:    requestID,
		RequestKey:   RequestKey(workspaceID, requestID),
		Method:       method,
		Params:       params,
		ReceivedAtMs: receivedAtMs,
	}, nil
}

func normalizeApprovalResolved(workspaceID, method string, message, params map[string]any, receivedAtMs int64) (Event, error) {
	requestID, ok := requestID(message)
	if !ok {
		requestID = field(params, "requestId", "request_id")
	}
	if requestID == "" {
		return Event{}, fmt.Errorf("%w: %s without request id", ErrMalformed, method)
	}
	return Event{
		WorkspaceID:  workspaceID,
		Kind:         KindApprovalResolved,
		RequestID:    requestID,
		RequestKey:   RequestKey(workspaceID, requestID),
		Method:       method,
		Params:       params,
		ReceivedAtMs: receivedAtMs,
	}, nil
}

func normalizeError(workspaceID, method string, params map[string]any, receivedAtMs int64) (Event, error) {
	message := errorMessage(params)
	if message == "" {
		return Event{}, fmt.Errorf("%w: error event without message", ErrMalformed)
	}
	return Event{
		WorkspaceID:  workspaceID,
		Kind:         KindError,
		ThreadID:     field(params, "threadId", "thread_id"),
		TurnID:       field(params, "turnId", "turn_id"),
		Message:      message,
		WillRetry:    boolField(params, "willRetry", "will_retry"),
		Method:       method,
		ReceivedAtMs: receivedAtMs,
	}, nil
}

// RequestKey builds the workspace-scoped key identifying one approval or
// user-input request.
func RequestKey(workspaceID, requestID string) string {
	return fmt.Sprintf("%s:%s", workspaceID, requestID)
}

func field(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func boolField(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if b, ok := m[key].(bool); ok {
			return b
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func extractTask(m map[string]any) string {
	return field(m, "currentTask", "current_task", "summary", "preview", "title")
}

func errorMessage(params map[string]any) string {
	if errObj, ok := params["error"].(map[string]any); ok {
		if msg := field(errObj, "message"); msg != "" {
			return msg
		}
	}
	return field(params, "message")
}

// requestID reads the top-level request id, which agents send as either a
// number or a string.
func requestID(message map[string]any) (string, bool) {
	switch id := message["id"].(type) {
	case string:
		trimmed := strings.TrimSpace(id)
		return trimmed, trimmed != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case json.Number:
		return id.String(), true
	default:
		return "", false
	}
}
