package middleware

import (
	"context"
	mathrand "math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mnehpets/onerpc/endpoint"
)

// RequestIDHeader is the header carrying the request id on responses (and,
// when trusted, on inbound requests).
const RequestIDHeader = "X-Request-Id"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newRequestID generates a ULID string for a request.
func newRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

type requestIDContextKey struct{}

// WithRequestID stores a request id in ctx and returns the derived context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDContextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// RequestIDProcessor tags every request with a ULID, exposed through the
// request context and echoed in the X-Request-Id response header.
type RequestIDProcessor struct {
	// TrustHeader reuses an inbound X-Request-Id value instead of minting a
	// new one. Enable only behind a proxy that sets or sanitizes the header.
	TrustHeader bool
}

// NewRequestIDProcessor creates a RequestIDProcessor that mints a fresh id
// for every request.
func NewRequestIDProcessor() *RequestIDProcessor {
	return &RequestIDProcessor{}
}

// Process implements endpoint.Processor.
func (p *RequestIDProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	var id string
	if p.TrustHeader {
		id = r.Header.Get(RequestIDHeader)
	}
	if id == "" {
		id = newRequestID()
	}

	w.Header().Set(RequestIDHeader, id)
	*r = *r.WithContext(WithRequestID(r.Context(), id))
	return next(w, r)
}

var _ endpoint.Processor = (*RequestIDProcessor)(nil)
