package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
)

// requestEnvelope is the strict wire schema for an inbound request.
//
// All four keys are required; pointer fields distinguish an absent key from
// a zero value, and Params keeps the distinction natively (nil when the key
// is absent, the bytes "null" when it is explicitly null).
type requestEnvelope struct {
	ID      *int64          `json:"id"`
	JSONRPC *string         `json:"jsonrpc"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (env *requestEnvelope) validate() error {
	switch {
	case env.ID == nil:
		return errors.New(`missing required field "id"`)
	case env.JSONRPC == nil:
		return errors.New(`missing required field "jsonrpc"`)
	case env.Method == nil:
		return errors.New(`missing required field "method"`)
	case env.Params == nil:
		return errors.New(`missing required field "params"`)
	}
	return nil
}

// Request is a validated JSON-RPC 2.0 request, as handed to dispatch logic.
//
// Params is the raw, still-undecoded params value; dispatch branches resolve
// it with ParseParams once the expected shape is known.
type Request struct {
	ID     int64
	Method string
	Params json.RawMessage
}

// Parse interprets raw bytes as a JSON-RPC 2.0 request envelope.
//
// The envelope must be a JSON object with exactly the keys id (integer),
// jsonrpc (string), method (string) and params (any value, null included).
// Unknown keys, missing keys and mistyped values are all structural
// failures. A structural failure carries no trustworthy id, so its error
// response uses id 0. A well-formed envelope whose jsonrpc field is not
// "2.0" is rejected with the id that was decoded.
//
// On failure the second return value is a complete error Response ready to
// send; the caller never constructs its own envelope for protocol-level
// failures.
func Parse(data []byte) (*Request, *Response) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env requestEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, reject(0, err.Error())
	}
	if dec.More() {
		return nil, reject(0, "unexpected data after request object")
	}
	if err := env.validate(); err != nil {
		return nil, reject(0, err.Error())
	}
	if *env.JSONRPC != Version {
		return nil, reject(*env.ID, "Invalid jsonrpc version")
	}

	return &Request{ID: *env.ID, Method: *env.Method, Params: env.Params}, nil
}

func reject(id int64, message string) *Response {
	resp := NewErrorResponse(id, NewInvalidRequestError(message))
	return &resp
}

// ParseParams decodes the request's raw params value into T.
//
// On decode failure it returns a complete InvalidParams error Response
// echoing the request id, with the decoder diagnostic as the message.
// Dispatch code is expected to return that response as its own result:
//
//	nums, errResp := jsonrpc.ParseParams[[2]int](req)
//	if errResp != nil {
//		return *errResp
//	}
//
// Call it once per request, in the dispatch branch that knows the shape.
func ParseParams[T any](req *Request) (T, *Response) {
	var params T
	raw := req.Params
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		resp := NewErrorResponse(req.ID, NewInvalidParamsError(err.Error()))
		return params, &resp
	}
	return params, nil
}

// MethodNotFound builds the MethodNotFound error response for this request,
// naming the unmatched method. It is the default branch of a dispatch
// switch; the request remains usable afterwards.
func (r *Request) MethodNotFound(method string) Response {
	return NewErrorResponse(r.ID, NewMethodNotFoundError("method not found: "+method))
}
