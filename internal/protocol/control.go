package protocol

import "time"

// Status is the payload of GET /api/debug/status and of the initial_state
// hub event.
type Status struct {
	Reachable  bool     `json:"reachable"`
	Managed    bool     `json:"managed"`
	State      string   `json:"state"`
	EngineURL  string   `json:"engine_url"`
	SessionDir string   `json:"session_dir,omitempty"`
	Session    *Session `json:"session,omitempty"`
	Watermark  int64    `json:"watermark"`
}

// Session mirrors one row of the engine's sessions table.
type Session struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	EngineVersion string     `json:"engine_version"`
	UserAgent     string     `json:"user_agent"`
}

// Action mirrors one row of the engine's actions table. Rows are append-only;
// nothing here is ever written back.
type Action struct {
	ID               int64      `json:"id"`
	SessionID        string     `json:"session_id"`
	TabID            string     `json:"tab_id"`
	Kind             string     `json:"kind"`
	Timestamp        time.Time  `json:"timestamp"`
	DurationMs       int64      `json:"duration_ms"`
	Params           string     `json:"params,omitempty"`
	Result           string     `json:"result,omitempty"`
	Success          bool       `json:"success"`
	Error            string     `json:"error,omitempty"`
	ScreenshotBefore string     `json:"screenshot_before,omitempty"`
	ScreenshotAfter  string     `json:"screenshot_after,omitempty"`
	Events           []*Event   `json:"events,omitempty"`
}

// Event is a child record of an Action.
type Event struct {
	ID        int64     `json:"id"`
	ActionID  int64     `json:"action_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload,omitempty"`
}

// ErrorBody is the JSON error envelope the control surface renders for
// supervisor and attacher failures.
type ErrorBody struct {
	Error string `json:"error"`
}

// OKBody is the trivial success envelope for lifecycle endpoints.
type OKBody struct {
	OK bool `json:"ok"`
}
