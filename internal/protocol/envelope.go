// Package protocol defines the wire format for the devbus message bus.
//
// Every bus message is a single JSON object carried in one text WebSocket
// frame. The envelope shape is inferred from which fields are present:
//
//   - Broadcast: {version, method, params}
//   - Request:   {version, method, target, params, id?}
//   - Response:  {version, id: {requestId, clientId}, result | error}
//
// A Request whose target is "server" is answered by the bus itself.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// CurrentVersion is the current protocol version.
const CurrentVersion = 2

// ServerTarget is the request target that addresses the bus itself.
const ServerTarget = "server"

var (
	// ErrMalformed is returned by Parse for payloads that are not a JSON object.
	ErrMalformed = errors.New("malformed message")
	// ErrVersionMismatch is returned by Parse when the version is absent or
	// differs from CurrentVersion.
	ErrVersionMismatch = errors.New("wrong protocol version")
)

// Kind classifies a parsed envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindBroadcast
	KindRequest
	KindServerRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindRequest:
		return "request"
	case KindServerRequest:
		return "server_request"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is one bus envelope. Raw fields keep the sender's JSON intact so
// that forwarding does not reinterpret params, ids or results.
type Message struct {
	Version int             `json:"version"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Target  string          `json:"target,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`

	hasMethod bool
	hasTarget bool
}

// ResponseID is the id a forwarded request carries, so that the eventual
// response can be routed back to the originating client.
type ResponseID struct {
	RequestID json.RawMessage `json:"requestId"`
	ClientID  string          `json:"clientId"`
}

type wireMessage struct {
	Version json.RawMessage `json:"version"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Target  *string         `json:"target"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Parse decodes a bus payload and checks its protocol version.
func Parse(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}
	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkVersion(w.Version); err != nil {
		return nil, err
	}

	m := &Message{
		Version: CurrentVersion,
		Params:  w.Params,
		Result:  w.Result,
		Error:   w.Error,
	}
	if HasValue(w.ID) {
		m.ID = w.ID
	}
	if w.Method != nil {
		m.Method = *w.Method
		m.hasMethod = true
	}
	if w.Target != nil {
		m.Target = *w.Target
		m.hasTarget = true
	}
	return m, nil
}

// checkVersion compares the version field by numeric value, so 2.0 and 2e0
// are accepted. Non-numeric versions never match.
func checkVersion(raw json.RawMessage) error {
	if !HasValue(raw) {
		return fmt.Errorf("%w: missing version", ErrVersionMismatch)
	}
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return fmt.Errorf("%w: got %s, want %d", ErrVersionMismatch, raw, CurrentVersion)
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || v != CurrentVersion {
		return fmt.Errorf("%w: got %s, want %d", ErrVersionMismatch, raw, CurrentVersion)
	}
	return nil
}

// Classify returns the envelope kind of a parsed message.
func Classify(m *Message) Kind {
	switch {
	case m.hasMethod && !m.hasTarget && !HasValue(m.ID):
		return KindBroadcast
	case m.hasMethod && m.hasTarget:
		if m.Target == ServerTarget {
			return KindServerRequest
		}
		return KindRequest
	case len(m.Result) > 0 || len(m.Error) > 0:
		if _, ok := m.ResponseID(); ok {
			return KindResponse
		}
	}
	return KindInvalid
}

// ResponseID decodes the {requestId, clientId} form of the message id.
func (m *Message) ResponseID() (ResponseID, bool) {
	trimmed := bytes.TrimSpace(m.ID)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ResponseID{}, false
	}
	var rid struct {
		RequestID json.RawMessage `json:"requestId"`
		ClientID  *string         `json:"clientId"`
	}
	if err := json.Unmarshal(trimmed, &rid); err != nil {
		return ResponseID{}, false
	}
	if len(rid.RequestID) == 0 || rid.ClientID == nil {
		return ResponseID{}, false
	}
	return ResponseID{RequestID: rid.RequestID, ClientID: *rid.ClientID}, true
}

// HasValue reports whether a raw field is present and not JSON null.
func HasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// NewBroadcast encodes a broadcast envelope. params may be nil.
func NewBroadcast(method string, params any) ([]byte, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return json.Marshal(Message{Version: CurrentVersion, Method: method, Params: raw})
}

// NewResult encodes a response carrying result for the request id.
func NewResult(id json.RawMessage, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return json.Marshal(Message{Version: CurrentVersion, ID: id, Result: raw})
}

// NewError encodes a response carrying errMsg for the request id.
func NewError(id json.RawMessage, errMsg string) ([]byte, error) {
	raw, _ := json.Marshal(errMsg) // a string always marshals
	return json.Marshal(Message{Version: CurrentVersion, ID: id, Error: raw})
}

func marshalOptional(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
