// Package jsonrpc defines the frames exchanged with edges: JSON-RPC 2.0
// requests, responses and notifications, plus the schema-less legacy objects
// sent by old edge firmware.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const Version = "2.0"

// ErrInvalidFrame is returned by Parse for payloads that are neither JSON
// objects nor well-formed JSON-RPC envelopes.
var ErrInvalidFrame = errors.New("invalid frame")

// ErrInvalidRequest marks an invalid frame that named a method, so the sender
// expects an answer. It wraps ErrInvalidFrame.
var ErrInvalidRequest = fmt.Errorf("%w: invalid request", ErrInvalidFrame)

// Frame is one of *Request, *Response, *Notification or LegacyObject.
type Frame interface {
	isFrame()
}

// Request and Response carry their id as text. RawID keeps an id that was
// not a string (a number) as it appeared on the wire, so the answer echoes
// the same JSON value.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	RawID   json.RawMessage `json:"-"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	RawID   json.RawMessage `json:"-"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Answers copies req's id, including a numeric one, onto r.
func (r *Response) Answers(req *Request) *Response {
	r.ID, r.RawID = req.ID, req.RawID
	return r
}

func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	return json.Marshal(struct {
		plain
		ID json.RawMessage `json:"id"`
	}{plain(r), wireID(r.ID, r.RawID)})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, raw, _, err := parseID(aux.ID)
	if err != nil {
		return err
	}
	*r = Request(aux.plain)
	r.ID, r.RawID = id, raw
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	type plain Response
	return json.Marshal(struct {
		plain
		ID json.RawMessage `json:"id"`
	}{plain(r), wireID(r.ID, r.RawID)})
}

func (r *Response) UnmarshalJSON(data []byte) error {
	type plain Response
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, raw, _, err := parseID(aux.ID)
	if err != nil {
		return err
	}
	*r = Response(aux.plain)
	r.ID, r.RawID = id, raw
	return nil
}

func wireID(id string, raw json.RawMessage) json.RawMessage {
	if len(raw) > 0 {
		return raw
	}
	b, _ := json.Marshal(id)
	return b
}

func (*Request) isFrame()      {}
func (*Response) isFrame()     {}
func (*Notification) isFrame() {}
func (LegacyObject) isFrame()  {}

// NewRequest builds a request with a fresh id. params may be nil.
func NewRequest(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: uuid.NewString(), Method: method, Params: raw}, nil
}

func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response; a nil result is sent as an empty object.
func NewResult(id string, result any) (*Response, error) {
	raw := json.RawMessage(`{}`)
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		raw = b
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

func NewErrorResponse(id string, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return b, nil
}

// envelope is the union of every field a structured frame may carry.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Parse classifies an inbound payload. Objects carrying "jsonrpc":"2.0" are
// structured frames; any other JSON object is a LegacyObject.
func Parse(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidFrame)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	if env.JSONRPC != Version {
		var legacy LegacyObject
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return legacy, nil
	}

	id, rawID, hasID, err := parseID(env.ID)
	if err != nil {
		if env.Method != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, err
	}

	switch {
	case env.Method != nil && hasID:
		return &Request{JSONRPC: Version, ID: id, RawID: rawID, Method: *env.Method, Params: env.Params}, nil
	case env.Method != nil:
		return &Notification{JSONRPC: Version, Method: *env.Method, Params: env.Params}, nil
	case hasID && (env.Result != nil || env.Error != nil):
		return &Response{JSONRPC: Version, ID: id, RawID: rawID, Result: env.Result, Error: env.Error}, nil
	default:
		return nil, fmt.Errorf("%w: envelope has neither method nor result", ErrInvalidFrame)
	}
}

// parseID accepts string and number ids. For numbers the raw text is
// returned too.
func parseID(raw json.RawMessage) (string, json.RawMessage, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, false, nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", nil, false, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return id, nil, true, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", nil, false, fmt.Errorf("%w: id must be a string or a number", ErrInvalidFrame)
	}
	return n.String(), append(json.RawMessage(nil), raw...), true, nil
}
