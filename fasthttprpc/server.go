// Package fasthttprpc serves JSON-RPC 2.0 over fasthttp.
//
// It speaks the same wire contract as the net/http transport in package
// jsonrpc: the same strict envelope, the same error taxonomy, and protocol
// failures answered inside the envelope rather than through HTTP status
// codes. Use it where connection volume makes fasthttp worthwhile; the
// dispatch side is shared, so a service can expose both transports.
package fasthttprpc

import (
	"context"
	"io"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pquerna/ffjson/ffjson"
	"github.com/valyala/fasthttp"

	"github.com/mnehpets/onerpc/jsonrpc"
)

// ContentType is the MIME type stamped on every JSON-RPC response.
const ContentType = "application/json; charset=utf-8"

// Server serves JSON-RPC 2.0 requests from fasthttp request contexts.
type Server struct {
	rpc    *jsonrpc.Server
	logger log.Logger
}

// ServerOption sets an optional parameter for servers.
type ServerOption func(*Server)

// ServerErrorLogger sets the logger used for protocol rejections, dispatch
// panics and response encoding failures. By default nothing is logged.
func ServerErrorLogger(logger log.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a Server around dispatch.
func NewServer(dispatch jsonrpc.DispatchFunc, options ...ServerOption) *Server {
	s := &Server{
		logger: log.NewNopLogger(),
	}
	for _, option := range options {
		option(s)
	}
	s.rpc = jsonrpc.NewServer(dispatch, jsonrpc.ServerErrorLogger(s.logger))
	return s
}

// Handle processes one request. Register it as the fasthttp handler:
//
//	fasthttp.ListenAndServe(":8080", srv.Handle)
func (s *Server) Handle(rctx *fasthttp.RequestCtx) {
	if string(rctx.Method()) != fasthttp.MethodPost {
		rctx.Response.Header.Set("Content-Type", "text/plain; charset=utf-8")
		rctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		io.WriteString(rctx, "405 must POST\n")
		return
	}

	if ct := string(rctx.Request.Header.ContentType()); ct != "" && !strings.HasPrefix(ct, "application/json") {
		rctx.Response.Header.Set("Content-Type", "text/plain; charset=utf-8")
		rctx.SetStatusCode(fasthttp.StatusUnsupportedMediaType)
		io.WriteString(rctx, "415 Content-Type must be application/json\n")
		return
	}

	req, errResp := jsonrpc.Parse(rctx.Request.Body())
	if errResp != nil {
		s.logger.Log("err", errResp.Error.Message, "code", errResp.Error.Code)
		s.write(rctx, *errResp)
		return
	}

	s.write(rctx, s.rpc.Serve(context.Background(), req))
}

// write sends resp with HTTP status 200; protocol failures travel inside the
// envelope.
func (s *Server) write(rctx *fasthttp.RequestCtx, resp jsonrpc.Response) {
	rctx.Response.Header.Set("Content-Type", ContentType)
	rctx.SetStatusCode(fasthttp.StatusOK)

	b, err := ffjson.Marshal(resp)
	if err != nil {
		// Result payloads are pre-encoded, so only the error data field can
		// fail here. The fallback envelope has a fixed shape and cannot.
		s.logger.Log("err", "response encoding failed", "cause", err)
		b, _ = ffjson.Marshal(jsonrpc.NewErrorResponse(resp.ID, jsonrpc.NewInternalError("response encoding failed")))
	}
	rctx.Write(b)
}
