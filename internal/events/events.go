// Package events normalizes raw workspace session payloads into a closed set
// of supervisor events. Payload shapes vary across agent runtimes: keys come
// in camelCase or snake_case, identifiers may live flat in params or nested
// under turn/item objects, and request ids may be numbers or strings. The
// normalizer absorbs all of that so downstream reducers see one shape.
package events

// Kind is the closed set of normalized event kinds.
type Kind string

const (
	KindTurnStarted      Kind = "turn_started"
	KindTurnProgress     Kind = "turn_progress"
	KindTurnCompleted    Kind = "turn_completed"
	KindTurnFailed       Kind = "turn_failed"
	KindItemAdded        Kind = "item_added"
	KindApprovalResolved Kind = "approval_resolved"
	KindError            Kind = "error"
	KindLifecycleNoise   Kind = "lifecycle_noise"
)

// ItemClass subdivides item_added events.
type ItemClass string

const (
	ItemQuestion        ItemClass = "question"
	ItemApprovalRequest ItemClass = "approval_request"
	ItemOther           ItemClass = "other"
)

// Event is one normalized workspace event.
type Event struct {
	WorkspaceID  string
	Kind         Kind
	ThreadID     string
	TurnID       string
	ItemID       string
	ItemType     string
	ItemClass    ItemClass
	ItemDone     bool
	Task         string
	Question     string
	Message      string
	WillRetry    bool
	RequestID    string
	RequestKey   string
	QuestionIDs  []string
	Method       string
	Params       map[string]any
	ReceivedAtMs int64
}
