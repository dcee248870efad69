// Package endpoint is the HTTP handler framework the RPC transports plug
// into. A request passes through three phases:
//
//  1. Unmarshal: the handler decodes the request (query, body, header) into
//     a typed params struct driven by struct tags.
//  2. Endpoint: the EndpointFunc runs the application logic and returns a
//     Renderer; it never writes to the response itself.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors wrap the chain as middleware (request ids, logging, metrics,
// sessions); package middleware supplies the stock set. The jsonrpc package
// mounts its server as an EndpointFunc whose params capture the raw body,
// so envelope failures become JSON-RPC error responses instead of the
// decoder's HTTP 400s.
//
// Renderers in this package: JSONRenderer, StringRenderer and
// NoContentRenderer.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// EndpointError is a client-visible error carrying the HTTP status it should
// answer with. Errors without one render as 500.
type EndpointError struct {
	Status int
	// Message is a short, human-readable description suitable for an HTTP error body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError.
func Error(status int, message string, err error) error {
	return newEndpointError(status, message, err)
}

func newEndpointError(status int, message string, err error) error {
	// Avoid double-wrapping.
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes one response into an http.ResponseWriter.
//
// A Renderer must call WriteHeader (setting Content-Type first if it has
// one) and then write the body. A non-nil error from Render means the
// response could not be written; the handler answers it with a 500.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware that wraps the rest of the chain. It must call
// next unless it short-circuits the request, and it must not write headers
// or body itself; returning an error stops the chain immediately.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc is the wrapped handler function type: it receives the request
// and the decoded params and returns the Renderer that will write the
// response. Application logic lives here; serialization lives in the
// Renderer, and params decoding in the Handler wrapper.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler adapts an EndpointFunc to http.Handler: it runs the
// processor chain, decodes params into P (normally a tagged struct), calls
// the endpoint and invokes the returned Renderer.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler.
//
// This helper exists to enable type inference for the params type P.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

type hooksKey struct{}

// Defer registers fn to run just before response headers are written; fn
// must not call WriteHeader itself. Outside an EndpointHandler the context
// carries no hook registry and Defer is a silent no-op, so middleware that
// persists state this way (sessions) only works inside the framework.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs the functions registered via Defer, newest first, and empties
// the registry so they cannot run twice. Call it exactly once, before
// writing headers. Without a hook registry in ctx it is a silent no-op.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		for i := len(*hooks) - 1; i >= 0; i-- {
			(*hooks)[i](w)
		}
		*hooks = nil
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
//
// This helper exists to enable type inference for the params type P.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	// Seed the Defer/Commit hook registry unless an outer handler already did.
	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		ctx := context.WithValue(r.Context(), hooksKey{}, &hooks)
		r = r.WithContext(ctx)
	}

	// run recurses through the processors in order and ends at the endpoint.
	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < 0 || i > len(h.Processors) {
			return errors.New("endpoint: invalid processor index")
		} else if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		// Chain exhausted; decode params and run the endpoint. Unmarshal
		// enforces at runtime that P is a struct or pointer to struct.
		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}

		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}

		Commit(r2.Context(), w2)
		return renderer.Render(w2, r2)

	}

	// Start the processor chain.
	err := run(0, w, r)

	if err != nil {
		status := http.StatusInternalServerError
		message := ""

		var ee *EndpointError
		// Check if the error already encodes a valid HTTP status.
		if errors.As(err, &ee) && ee != nil {
			if ee.Status >= 100 {
				status = ee.Status
			}
			if ee.Message == "" {
				message = http.StatusText(status)
			} else {
				message = ee.Message
			}
		} else {
			message = err.Error()
		}
		Commit(r.Context(), w)
		http.Error(w, message, status)
		return
	}
}
