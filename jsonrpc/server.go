package jsonrpc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-kit/kit/log"

	"github.com/mnehpets/onerpc/endpoint"
)

// DispatchFunc routes one validated request to application logic and
// returns the response envelope for it. Every branch converges on the same
// type: success envelopes, extraction failures and method-not-found
// responses are all ordinary return values.
type DispatchFunc func(ctx context.Context, req *Request) Response

// Server binds a DispatchFunc to the endpoint framework.
// Use endpoint.Handler(srv.Endpoint, processors...) to create an http.Handler.
type Server struct {
	dispatch DispatchFunc
	logger   log.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerErrorLogger sets the logger used for protocol rejections and
// recovered dispatch panics. By default no logging occurs.
func ServerErrorLogger(logger log.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a Server around dispatch.
func NewServer(dispatch DispatchFunc, opts ...ServerOption) *Server {
	s := &Server{
		dispatch: dispatch,
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rpcParams captures the raw request body. Envelope parsing is deferred to
// Parse so that failures become JSON-RPC error responses rather than the
// endpoint decoder's HTTP 400s.
type rpcParams struct {
	Body []byte `body:"" maxLength:"1048576"`
}

// Endpoint is the endpoint function that processes one JSON-RPC request.
// Pass to endpoint.Handler() to create an http.Handler.
func (s *Server) Endpoint(w http.ResponseWriter, r *http.Request, params rpcParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "JSON-RPC requires POST method", nil)
	}

	// Per JSON-RPC over HTTP convention, Content-Type must be application/json.
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, endpoint.Error(http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
	}

	req, errResp := Parse(params.Body)
	if errResp != nil {
		s.logger.Log("err", errResp.Error.Message, "code", errResp.Error.Code)
		return &endpoint.JSONRenderer{Value: *errResp}, nil
	}

	return &endpoint.JSONRenderer{Value: s.Serve(r.Context(), req)}, nil
}

// Serve runs dispatch for one parsed request, with panic containment: a
// panicking dispatch branch still answers the request with an InternalError
// envelope. Transports call Serve after Parse has accepted the envelope.
func (s *Server) Serve(ctx context.Context, req *Request) (resp Response) {
	if req == nil {
		return NewErrorResponse(0, NewInternalError("internal error"))
	}
	defer func() {
		if v := recover(); v != nil {
			s.logger.Log("err", "dispatch panic", "method", req.Method, "panic", fmt.Sprint(v))
			resp = NewErrorResponse(req.ID, NewInternalError("internal error"))
		}
	}()

	if s.dispatch == nil {
		s.logger.Log("err", "nil dispatch function", "method", req.Method)
		return NewErrorResponse(req.ID, NewInternalError("internal error"))
	}
	return s.dispatch(ctx, req)
}
