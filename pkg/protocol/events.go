package protocol

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventStatus    = "status"
	EventLogs      = "logs"
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"

	// Console (multi-session PTY) frames.
	EventConsoleOutput = "console:output"
	EventConsoleExit   = "console:exit"
	EventConsoleError  = "console:error"

	// Agent scheduler events (payload.type distinguishes subtypes).
	EventAgent = "agent"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunOutput    = "run.output"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventScheduled    = "scheduled"
	AgentEventQuarantined  = "quarantined"
)

// Client→server console message types.
const (
	ConsoleAttach = "console:attach"
	ConsoleInput  = "console:input"
	ConsoleResize = "console:resize"
)

// EventFrame is the envelope for every server→client WS message.
type EventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// NewEvent builds an event frame.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Event: name, Payload: payload}
}

// ConsoleMessage is the client→server console frame. SessionID must be a
// UUID; Data carries raw terminal input for console:input.
type ConsoleMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ConsoleOutput is the payload for console:output frames.
type ConsoleOutput struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ConsoleExit is the payload for console:exit frames.
type ConsoleExit struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// ConsoleError is the payload for console:error frames.
type ConsoleError struct {
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

// AgentEvent is the payload for agent frames; Type is one of the
// AgentEvent* subtypes.
type AgentEvent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Data    any    `json:"data,omitempty"`
}

// StatusPayload is broadcast when upstream auth state changes.
type StatusPayload struct {
	Authenticated bool `json:"authenticated"`
}

// MaxConsoleInputBytes bounds a single console:input frame. Larger frames
// are dropped silently.
const MaxConsoleInputBytes = 64 * 1024

// Terminal dimension bounds enforced on resize frames.
const (
	MinCols = 1
	MaxCols = 500
	MinRows = 1
	MaxRows = 200
)
