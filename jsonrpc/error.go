package jsonrpc

// JSON-RPC 2.0 error codes. The four parse-visible codes are fixed by the
// protocol; ParseError is defined for interoperability and for applications
// that surface their own syntax failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// The protocol reserves [-32099, -32000] for implementation-defined server
// errors.
const (
	CodeServerErrorMin = -32099
	CodeServerErrorMax = -32000
)

// Error is the JSON-RPC 2.0 error object.
//
// Data is always serialized, as JSON null when absent, so error envelopes
// keep a fixed wire shape.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds an error object with an application-defined code.
// The standardized codes have dedicated constructors below.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewServerError builds an error object for the reserved server range
// [-32099, -32000]. The caller owns code allocation within that range; like
// every constructor here it is total, so a code outside the range is carried
// through unchanged rather than rejected.
func NewServerError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewParseError builds a ParseError (-32700) error object.
func NewParseError(message string) *Error {
	return &Error{Code: CodeParseError, Message: message}
}

// NewInvalidRequestError builds an InvalidRequest (-32600) error object.
func NewInvalidRequestError(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message}
}

// NewMethodNotFoundError builds a MethodNotFound (-32601) error object.
func NewMethodNotFoundError(message string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: message}
}

// NewInvalidParamsError builds an InvalidParams (-32602) error object.
func NewInvalidParamsError(message string) *Error {
	return &Error{Code: CodeInvalidParams, Message: message}
}

// NewInternalError builds an InternalError (-32603) error object.
func NewInternalError(message string) *Error {
	return &Error{Code: CodeInternalError, Message: message}
}
