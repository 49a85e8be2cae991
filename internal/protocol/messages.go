// Package protocol defines the WebSocket frames exchanged between clients and
// the server. Every frame is a JSON envelope {"event": <name>, "data": <object>}.
// The event name is the discriminator; data is decoded into a concrete struct
// once the event is known.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventFindPartner = "find_partner"
	EventSignal      = "signal"
	EventReportUser  = "report_user"
	EventPing        = "ping"
)

// Server -> Client events. EventSignal is used in both directions.
const (
	EventSessionCreated      = "session_created"
	EventBanned              = "banned"
	EventPartnerFound        = "partner_found"
	EventWaitingForPartner   = "waiting_for_partner"
	EventPartnerDisconnected = "partner_disconnected"
	EventReportReceived      = "report_received"
	EventError               = "error"
	EventPong                = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeParseError       = "parse_error"
	CodeUnsupportedEvent = "unsupported_event"
	CodeRateLimited      = "rate_limited"
)

// SignalFromField is the key injected into relayed signal payloads.
const SignalFromField = "from"

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame. Data is kept raw for deferred decoding.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON rejects frames without an event name.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if raw.Event == "" {
		return fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	e.Event = raw.Event
	e.Data = raw.Data
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// FindPartnerMsg asks the server to pair the client with someone.
type FindPartnerMsg struct{}

// SignalMsg carries an opaque WebRTC payload (offer, answer, ICE candidate).
// The server never looks inside; it only needs the payload to be an object
// so that the sender can be tagged onto it.
type SignalMsg struct {
	Payload map[string]json.RawMessage
}

// ReportUserMsg reports the current partner. Reason may be empty.
type ReportUserMsg struct {
	Reason string `json:"reason"`
}

// PingMsg is a client keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the connection has a session.
type SessionCreatedMsg struct {
	SessionID string `json:"session_id"`
}

// BannedMsg is sent right before a banned device is disconnected.
// Duration is the remaining ban time in seconds.
type BannedMsg struct {
	Reason   string `json:"reason"`
	Duration int    `json:"duration"`
}

// PartnerFoundMsg names the peer the client has been paired with.
type PartnerFoundMsg struct {
	PartnerID string `json:"partner_id"`
}

// ReportReceivedMsg acknowledges a report.
type ReportReceivedMsg struct {
	Message string `json:"message"`
}

// ErrorMsg communicates a protocol level error.
type ErrorMsg struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds, set with CodeRateLimited
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a raw frame into its event name and typed
// payload. Unknown or server-only events return an error alongside the
// event name so that callers can report it.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Event {
	case EventFindPartner:
		msg = FindPartnerMsg{}
	case EventPing:
		msg = PingMsg{}
	case EventReportUser:
		var m ReportUserMsg
		if hasData(env.Data) {
			err = json.Unmarshal(env.Data, &m)
		}
		msg = m
	case EventSignal:
		var m SignalMsg
		if !hasData(env.Data) {
			err = fmt.Errorf("missing data")
		} else {
			err = json.Unmarshal(env.Data, &m.Payload)
		}
		msg = m
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, msg, nil
}

// NewServerMessage encodes an outbound frame. A nil payload produces a frame
// without data.
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		env.Data = raw
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewSignalMessage builds the frame relayed to a partner: a shallow copy of
// payload with the sender's connection ID set under "from". payload itself
// is left untouched.
func NewSignalMessage(payload map[string]json.RawMessage, from string) ([]byte, error) {
	fromRaw, err := json.Marshal(from)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal sender: %w", err)
	}

	tagged := make(map[string]json.RawMessage, len(payload)+1)
	for k, v := range payload {
		tagged[k] = v
	}
	tagged[SignalFromField] = fromRaw

	return NewServerMessage(EventSignal, tagged)
}

func hasData(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
