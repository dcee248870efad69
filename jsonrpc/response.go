package jsonrpc

import "encoding/json"

// Version is the protocol version stamped on every envelope.
const Version = "2.0"

// Response is the JSON-RPC 2.0 response envelope.
//
// Exactly one of Result and Error is set. The wire form carries whichever
// key is present and omits the other entirely; consumers branch on key
// presence, not on a discriminant field. Result holds the payload
// pre-encoded, so a JSON null result still serializes (omitempty only drops
// the key when the field is nil).
//
// Use NewResponse and NewErrorResponse; they maintain the one-of invariant.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse builds a success envelope for the given request id.
//
// The result payload is encoded eagerly. If it cannot be represented as JSON
// (cyclic values, NaN, channels), the returned envelope is an InternalError
// response instead; construction never fails or panics.
func NewResponse(id int64, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, NewInternalError(err.Error()))
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}
}

// NewErrorResponse builds an error envelope for the given request id.
func NewErrorResponse(id int64, rpcErr *Error) Response {
	if rpcErr == nil {
		rpcErr = NewInternalError("internal error")
	}
	return Response{JSONRPC: Version, ID: id, Error: rpcErr}
}
