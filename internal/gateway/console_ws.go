package gateway

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/codeck-dev/codeck/pkg/protocol"
)

func validSessionID(id string) bool {
	return uuid.Validate(id) == nil
}

// handleConsoleMessage dispatches one client→server console frame. Every
// frame carries a session id, validated as a UUID before any lookup.
func (s *Server) handleConsoleMessage(c *Client, msg protocol.ConsoleMessage) {
	if !validSessionID(msg.SessionID) {
		c.SendEvent(protocol.EventFrame{
			Event:   protocol.EventConsoleError,
			Payload: protocol.ConsoleError{SessionID: msg.SessionID, Error: "invalid session id"},
		})
		return
	}

	sess, err := s.console.Get(msg.SessionID)
	if err != nil {
		c.SendEvent(protocol.EventFrame{
			Event:   protocol.EventConsoleError,
			Payload: protocol.ConsoleError{SessionID: msg.SessionID, Error: "session not found"},
		})
		return
	}

	switch msg.Type {
	case protocol.ConsoleAttach:
		sessionID := msg.SessionID
		replay := sess.Attach(c.id, msg.Cols, msg.Rows, func(data []byte) {
			c.SendEvent(protocol.EventFrame{
				Event:   protocol.EventConsoleOutput,
				Payload: protocol.ConsoleOutput{SessionID: sessionID, Data: string(data)},
			})
		})
		c.markAttached(sessionID)
		if len(replay) > 0 {
			c.SendEvent(protocol.EventFrame{
				Event:   protocol.EventConsoleOutput,
				Payload: protocol.ConsoleOutput{SessionID: sessionID, Data: string(replay)},
			})
		}
		if exited, code := sess.Exited(); exited {
			c.SendEvent(protocol.EventFrame{
				Event:   protocol.EventConsoleExit,
				Payload: protocol.ConsoleExit{SessionID: sessionID, ExitCode: code},
			})
		}

	case protocol.ConsoleInput:
		if len(msg.Data) > protocol.MaxConsoleInputBytes {
			slog.Warn("oversized console input dropped", "session", msg.SessionID, "bytes", len(msg.Data))
			return
		}
		if err := sess.WriteInput([]byte(msg.Data)); err != nil {
			c.SendEvent(protocol.EventFrame{
				Event:   protocol.EventConsoleError,
				Payload: protocol.ConsoleError{SessionID: msg.SessionID, Error: "write failed"},
			})
		}

	case protocol.ConsoleResize:
		sess.Resize(c.id, msg.Cols, msg.Rows)

	default:
		c.SendEvent(protocol.EventFrame{
			Event:   protocol.EventConsoleError,
			Payload: protocol.ConsoleError{SessionID: msg.SessionID, Error: "unknown message type"},
		})
	}
}
