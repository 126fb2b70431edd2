package protocol

import "encoding/json"

// Action identifies the kind of a message.
type Action string

const (
	ActionNotification Action = "notification"
	ActionRequest      Action = "request"
	ActionResponse     Action = "response"
)

// HandshakeKey is the reserved request key that marks a connection usable.
const HandshakeKey = "handshake"

// Message is the envelope exchanged with a plugin across the sandbox boundary.
// A request carries a correlation id; its response echoes the same id and
// plugin name. Notifications carry no id and are never acknowledged.
type Message struct {
	Action  Action          `json:"action"`
	Name    string          `json:"name"`
	Key     string          `json:"key,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`

	// RequestInfo is opaque caller metadata, forwarded verbatim so the
	// remote side can make its own authorization decisions.
	RequestInfo json.RawMessage `json:"requestInfo,omitempty"`
}

// NewRequest builds a request message for the given plugin, method and
// correlation id.
func NewRequest(name, key string, id int64, payload, requestInfo json.RawMessage) Message {
	return Message{
		Action:      ActionRequest,
		Name:        name,
		Key:         key,
		ID:          &id,
		Payload:     payload,
		RequestInfo: requestInfo,
	}
}

// NewNotification builds a one-way notification message. It carries no
// correlation id.
func NewNotification(name, key string, payload json.RawMessage) Message {
	return Message{
		Action:  ActionNotification,
		Name:    name,
		Key:     key,
		Payload: payload,
	}
}

// Respond builds the response for a request, echoing its name, key and id.
// errText is empty on success.
func Respond(req Message, payload json.RawMessage, errText string) Message {
	return Message{
		Action:  ActionResponse,
		Name:    req.Name,
		Key:     req.Key,
		ID:      req.ID,
		Payload: payload,
		Error:   errText,
	}
}

// CorrelationID returns the message id, or 0 and false for messages that
// carry none.
func (m Message) CorrelationID() (int64, bool) {
	if m.ID == nil {
		return 0, false
	}
	return *m.ID, true
}
