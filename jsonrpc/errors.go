package jsonrpc

import "fmt"

const (
	ErrCodeInvalidRequest      = -32600
	ErrCodeUnknownMethod       = -32601
	ErrCodeInvalidParams       = -32602
	ErrCodeInternal            = -32603
	ErrCodeEdgeNotConnected    = -32001
	ErrCodeNotConnectedOnClose = -32002
)

// Error is the JSON-RPC error object. It doubles as a Go error so handlers
// can return one to choose the code sent back to the edge.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func EdgeNotConnected(edgeID string) *Error {
	return &Error{Code: ErrCodeEdgeNotConnected, Message: fmt.Sprintf("Edge [%s] is not connected", edgeID)}
}

func NotConnectedOnClose(edgeID string) *Error {
	return &Error{Code: ErrCodeNotConnectedOnClose, Message: fmt.Sprintf("connection to Edge [%s] closed before reply", edgeID)}
}

func UnknownMethod(method string) *Error {
	return &Error{Code: ErrCodeUnknownMethod, Message: fmt.Sprintf("unknown method [%s]", method)}
}

func Internal(err error) *Error {
	return &Error{Code: ErrCodeInternal, Message: err.Error()}
}
