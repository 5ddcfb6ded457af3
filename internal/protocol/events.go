package protocol

// Event names broadcast to live update subscribers.
const (
	EventInitialState   = "initial_state"
	EventEngineStatus   = "engine_status"
	EventSessionChanged = "session_changed"
	EventActionsUpdated = "actions_updated"
)

// HubEvent is the envelope pushed to every connected subscriber.
type HubEvent struct {
	Event string `json:"event"`

	// engine_status
	Running *bool `json:"running,omitempty"`
	Managed *bool `json:"managed,omitempty"`

	// session_changed; SessionDir is empty when the engine went away
	SessionDir *string `json:"session_dir,omitempty"`
	SessionID  *string `json:"session_id,omitempty"`

	// actions_updated
	Watermark *int64 `json:"watermark,omitempty"`

	// initial_state
	Status *Status `json:"status,omitempty"`
}

// Ptr returns a pointer to v, for optional event fields.
func Ptr[T any](v T) *T {
	return &v
}
