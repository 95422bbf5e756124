package messaging

import (
	"fmt"

	"github.com/tailored-agentic-units/sysend/codec"
)

type Request struct {
	Method    string `json:"method"`
	RequestID string `json:"requestId"`
	Args      []any  `json:"args"`
}

type Response struct {
	RequestID string `json:"requestId"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewRequest builds a call frame with a fresh request id.
func NewRequest(method string, args ...any) Request {
	if args == nil {
		args = []any{}
	}
	return Request{Method: method, RequestID: generateID(), Args: args}
}

func NewResult(requestID string, result any) Response {
	return Response{RequestID: requestID, Result: result}
}

func NewError(requestID, message string) Response {
	return Response{RequestID: requestID, Error: message}
}

func (r Response) Failed() bool {
	return r.Error != ""
}

func (r Request) Wire() map[string]any {
	args := make([]any, len(r.Args))
	copy(args, r.Args)
	return map[string]any{
		"method":    r.Method,
		"requestId": r.RequestID,
		"args":      args,
	}
}

func (r Response) Wire() map[string]any {
	w := map[string]any{"requestId": r.RequestID}
	if r.Failed() {
		w["error"] = r.Error
	} else {
		w["result"] = r.Result
	}
	return w
}

func ParseRequest(v any) (Request, error) {
	req, err := codec.As[Request](v)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.RequestID == "" {
		return Request{}, fmt.Errorf("%w: request id is required", ErrMalformed)
	}
	return req, nil
}

func ParseResponse(v any) (Response, error) {
	resp, err := codec.As[Response](v)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if resp.RequestID == "" {
		return Response{}, fmt.Errorf("%w: request id is required", ErrMalformed)
	}
	return resp, nil
}
