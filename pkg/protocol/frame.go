// Package protocol defines the wire format spoken between the relay broker,
// its clients and its worker. It is importable by any endpoint.
package protocol

import "encoding/json"

// DefaultAddr is the broker's default listen address.
const DefaultAddr = ":5234"

// DefaultPath is the HTTP path upgraded to a WebSocket connection.
const DefaultPath = "/ws"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between endpoints over WebSocket.
// A request expects exactly one response carrying the same ID and Method.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // request method or event name
	Payload json.RawMessage `json:"payload,omitempty"` // request params, response result or event data
	Error   string          `json:"error,omitempty"`   // error description (response only)
	Code    string          `json:"code,omitempty"`    // machine-parseable error code (response only)
}

// Request methods.
const (
	MethodRole   = "role"
	MethodAction = "action"
	MethodStatus = "status"
)

// Role answers to MethodRole.
const (
	RoleWorker = "worker"
	RoleClient = "client"
)

// Presence and push event names.
const (
	EventServerOK        = "server ok"
	EventNoServer        = "no server"
	EventRoleRejected    = "role rejected"
	EventSingleSample    = "single sample"
	EventSamplerComplete = "sampler complete"
)

// Call is the payload of an action request.
type Call struct {
	Fn   string          `json:"fn"`
	Args json.RawMessage `json:"args,omitempty"`
}

// StatusResult is the broker's answer to MethodStatus.
type StatusResult struct {
	WorkerAvailable bool `json:"worker_available"`
}

// RoleRejection is the body of EventRoleRejected, sent to a connection whose
// role answer the broker refused. The connection stays open without a role.
type RoleRejection struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// PushPayload is the body of a worker push event.
type PushPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request frame. A nil payload is sent without a payload field.
func NewRequest(id uint64, method string, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: raw}, nil
}

// NewResponse builds a success response to req.
func NewResponse(req Frame, result json.RawMessage) Frame {
	return Frame{Type: FrameTypeResponse, ID: req.ID, Method: req.Method, Payload: result}
}

// NewErrorResponse builds a failed response to req.
func NewErrorResponse(req Frame, code, message string) Frame {
	return Frame{Type: FrameTypeResponse, ID: req.ID, Method: req.Method, Error: message, Code: code}
}

// NewEvent builds an event frame.
func NewEvent(name string, payload json.RawMessage) Frame {
	return Frame{Type: FrameTypeEvent, Method: name, Payload: payload}
}

// Failed reports whether a response frame carries an error.
func (f Frame) Failed() bool {
	return f.Error != "" || f.Code != ""
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
