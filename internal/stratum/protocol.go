package stratum

import (
	"encoding/json"
	"fmt"
)

// Stratum methods
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodGetTransactions     = "mining.get_transactions"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodNotify              = "mining.notify"
)

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
)

// Message is an inbound Stratum JSON-RPC request
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Response answers a request. Result and error are always present on the wire.
type Response struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

// Notification is a server initiated message
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Error is a Stratum error, encoded as [code, message, data]
type Error struct {
	Code    int
	Message string
	Data    any
}

// NewError creates an error without data
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON encodes the error as a three element array
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON decodes the three element array form
func (e *Error) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("stratum error must be an array: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("stratum error has %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Code); err != nil {
		return fmt.Errorf("invalid error code: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Message); err != nil {
		return fmt.Errorf("invalid error message: %w", err)
	}
	if len(raw) > 2 {
		if err := json.Unmarshal(raw[2], &e.Data); err != nil {
			return fmt.Errorf("invalid error data: %w", err)
		}
	}
	return nil
}

// errorValue keeps a nil *Error from being boxed into a non-nil interface.
func errorValue(err *Error) any {
	if err == nil {
		return nil
	}
	return err
}

// AuthorizeRequest represents mining.authorize parameters
type AuthorizeRequest struct {
	Username string
	Password string
}

// Submission represents mining.submit parameters plus the full nonce
type Submission struct {
	Worker      string
	JobID       string
	NTime       string
	ExtraNonce2 string
	Solution    string
	Nonce       string
}

// ParseMessage parses a JSON-RPC message from bytes. Only invalid JSON is an
// error. A null line yields a nil message. Any other value that is not a
// request object, or carries a non-string method or non-array params, keeps
// only the fields that fit, so it is treated as an unknown method.
func ParseMessage(data []byte) (*Message, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if v == nil {
		return nil, nil
	}

	msg := &Message{}
	obj, ok := v.(map[string]any)
	if !ok {
		return msg, nil
	}
	msg.ID = obj["id"]
	msg.Method, _ = obj["method"].(string)
	msg.Params, _ = obj["params"].([]any)
	return msg, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters. Missing values are empty.
func ParseAuthorizeRequest(params []any) *AuthorizeRequest {
	return &AuthorizeRequest{
		Username: stringParam(params, 0),
		Password: stringParam(params, 1),
	}
}

// ParseSubmitRequest parses mining.submit parameters:
// [worker, jobId, nTime, extraNonce2, solution]
func ParseSubmitRequest(params []any) (*Submission, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	names := [...]string{"worker", "job_id", "ntime", "extranonce2", "solution"}
	values := make([]string, len(names))
	for i, name := range names {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", name)
		}
		values[i] = s
	}

	return &Submission{
		Worker:      values[0],
		JobID:       values[1],
		NTime:       values[2],
		ExtraNonce2: values[3],
		Solution:    values[4],
	}, nil
}

func stringParam(params []any, i int) string {
	if i >= len(params) {
		return ""
	}
	s, _ := params[i].(string)
	return s
}
