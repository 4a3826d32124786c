package sessionnet

import (
	"fmt"

	"github.com/opd-ai/sessionnet/transport"
)

// SessionEvent is a session lifecycle notification.
type SessionEvent uint8

const (
	// SessionOpened fires when the server assigns the first session id.
	SessionOpened SessionEvent = iota + 1
	// SessionClosed fires when the server closes the session.
	SessionClosed
	// SessionChanged fires when the server replaces the session id.
	SessionChanged
	// SessionStopped fires once every transport has stopped.
	SessionStopped
	// RedirectStarted fires when the server asks the session to move.
	RedirectStarted
	// RedirectSucceeded fires when the new servers accepted the redirect token.
	RedirectSucceeded
	// RedirectFailed fires when the redirect could not be completed.
	RedirectFailed
)

func (e SessionEvent) String() string {
	switch e {
	case SessionOpened:
		return "opened"
	case SessionClosed:
		return "closed"
	case SessionChanged:
		return "changed"
	case SessionStopped:
		return "stopped"
	case RedirectStarted:
		return "redirect_started"
	case RedirectSucceeded:
		return "redirect_succeeded"
	case RedirectFailed:
		return "redirect_failed"
	default:
		return fmt.Sprintf("session_event(%d)", uint8(e))
	}
}

// TransportEvent is a transport lifecycle notification.
type TransportEvent uint8

const (
	// TransportStarted fires when a transport is established.
	TransportStarted TransportEvent = iota + 1
	// TransportStopped fires when a transport stopped for good.
	TransportStopped
	// TransportFailed fires when a transport ran out of addresses.
	TransportFailed
	// TransportTimeout fires when a connection attempt timed out.
	TransportTimeout
	// TransportDisconnected fires when an established transport dropped.
	TransportDisconnected
)

func (e TransportEvent) String() string {
	switch e {
	case TransportStarted:
		return "started"
	case TransportStopped:
		return "stopped"
	case TransportFailed:
		return "connection_failed"
	case TransportTimeout:
		return "connection_timeout"
	case TransportDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("transport_event(%d)", uint8(e))
	}
}

// SessionEventCallback receives session events with the session id current
// at the time of the event.
type SessionEventCallback func(event SessionEvent, sessionID string)

// TransportEventCallback receives transport lifecycle events.
type TransportEventCallback func(protocol transport.Protocol, event TransportEvent)

// TransportErrorCallback receives failures a transport reported.
type TransportErrorCallback func(protocol transport.Protocol, err *transport.Error)

// ResponseTimeoutCallback fires when an expected message type did not arrive
// in time.
type ResponseTimeoutCallback func(msgType string)

// Handler receives the payload of one inbound message type.
type Handler func(msgType string, body []byte)

// TransportOptionsResolver supplies transport options for the servers named
// in a redirect. flavor is the opaque server class sent by the server. A nil
// result keeps the options the protocol was last connected with.
type TransportOptionsResolver func(flavor string, protocol transport.Protocol) *transport.Options
