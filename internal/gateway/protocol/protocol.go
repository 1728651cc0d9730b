// Package protocol defines the line-delimited JSON-RPC wire format spoken by
// the agent subprocess and the event envelope sent to browser clients.
//
// The agent omits the {"jsonrpc":"2.0"} member on the wire, so it is neither
// required on decode nor emitted on encode.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Standard error codes.
const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

// ErrMalformed is returned by Decode for anything that is not exactly one of
// the four message shapes.
var ErrMalformed = errors.New("protocol: malformed message")

// ID is a JSON-RPC message id: a string or an integer. The zero value is the
// integer 0.
type ID struct {
	str   string
	num   int64
	isStr bool
}

// StringID returns a string id.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// IntID returns an integer id.
func IntID(n int64) ID { return ID{num: n} }

// IsString reports whether the id was a JSON string.
func (id ID) IsString() bool { return id.isStr }

// String returns the id as text; integer ids are rendered in base 10.
func (id ID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// Key returns a map key that keeps "1" and 1 apart.
func (id ID) Key() string {
	if id.isStr {
		return "s:" + id.str
	}
	return "n:" + strconv.FormatInt(id.num, 10)
}

// MarshalJSON keeps the original JSON type of the id.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON accepts a JSON string or an integer that fits in int64.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrMalformed
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: id must be a string or integer", ErrMalformed)
	}
	*id = IntID(n)
	return nil
}

// Error is the error object carried by an ErrorMessage. It implements error
// so a failed call surfaces it directly to the awaiting caller.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error, marshalling data when non-nil.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Message is one decoded wire message. Exactly one of *Request,
// *Notification, *Response or *ErrorMessage.
type Message interface {
	isMessage()
}

// Request is a call that expects a Response or ErrorMessage with the same ID.
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Notification is a one-way message; it carries no id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the successful answer to a Request.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result"`
}

// ErrorMessage is the failed answer to a Request. ID is nil when the peer
// could not determine which request failed.
type ErrorMessage struct {
	ID    *ID    `json:"id"`
	Error *Error `json:"error"`
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}
func (*ErrorMessage) isMessage() {}

// Decode classifies a single line into one of the four message shapes.
func Decode(line []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, ErrMalformed
	}

	rawID, hasID := fields["id"]
	rawMethod, hasMethod := fields["method"]
	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]
	params := fields["params"]
	if isNull(params) {
		params = nil
	}

	if hasMethod {
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return nil, fmt.Errorf("%w: method must be a non-empty string", ErrMalformed)
		}
		if hasResult || hasError {
			return nil, fmt.Errorf("%w: method with result or error", ErrMalformed)
		}
		if !hasID {
			return &Notification{Method: method, Params: params}, nil
		}
		var id ID
		if err := id.UnmarshalJSON(rawID); err != nil {
			return nil, fmt.Errorf("%w: request id", ErrMalformed)
		}
		return &Request{ID: id, Method: method, Params: params}, nil
	}

	switch {
	case hasResult && !hasError:
		if !hasID || isNull(rawID) {
			return nil, fmt.Errorf("%w: response without id", ErrMalformed)
		}
		var id ID
		if err := id.UnmarshalJSON(rawID); err != nil {
			return nil, fmt.Errorf("%w: response id", ErrMalformed)
		}
		return &Response{ID: id, Result: rawResult}, nil

	case hasError && !hasResult:
		if !hasID {
			return nil, fmt.Errorf("%w: error without id", ErrMalformed)
		}
		rpcErr, err := decodeError(rawError)
		if err != nil {
			return nil, err
		}
		msg := &ErrorMessage{Error: rpcErr}
		if !isNull(rawID) {
			var id ID
			if err := id.UnmarshalJSON(rawID); err != nil {
				return nil, fmt.Errorf("%w: error id", ErrMalformed)
			}
			msg.ID = &id
		}
		return msg, nil
	}

	return nil, ErrMalformed
}

func decodeError(raw json.RawMessage) (*Error, error) {
	var shape struct {
		Code    *json.Number    `json:"code"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil || shape.Code == nil || shape.Message == nil {
		return nil, fmt.Errorf("%w: error object needs code and message", ErrMalformed)
	}
	code, err := strconv.Atoi(shape.Code.String())
	if err != nil {
		return nil, fmt.Errorf("%w: error code must be an integer", ErrMalformed)
	}
	e := &Error{Code: code, Message: *shape.Message}
	if !isNull(shape.Data) {
		e.Data = shape.Data
	}
	return e, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Encode renders a message as a single line terminated by '\n'.
func Encode(msg Message) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch m := msg.(type) {
	case *Request, *Notification:
		data, err = json.Marshal(m)
	case *Response:
		result := m.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		data, err = json.Marshal(struct {
			ID     ID              `json:"id"`
			Result json.RawMessage `json:"result"`
		}{m.ID, result})
	case *ErrorMessage:
		if m.Error == nil {
			return nil, fmt.Errorf("%w: error message without error", ErrMalformed)
		}
		data, err = json.Marshal(m)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", msg)
	}
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// NewRequest marshals params into a Request.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification marshals params into a Notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResponse marshals result into a Response.
func NewResponse(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorMessage answers the request id with rpcErr.
func NewErrorMessage(id ID, rpcErr *Error) *ErrorMessage {
	return &ErrorMessage{ID: &id, Error: rpcErr}
}

func marshalOptional(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}
