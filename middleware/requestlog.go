package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/mnehpets/onerpc/endpoint"
)

// RequestLogProcessor logs one line per request: method, path, status and
// elapsed time, plus the request id when a RequestIDProcessor ran earlier in
// the chain.
type RequestLogProcessor struct {
	logger log.Logger
}

// NewRequestLogProcessor creates a RequestLogProcessor writing to logger.
// A nil logger disables output.
func NewRequestLogProcessor(logger log.Logger) *RequestLogProcessor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RequestLogProcessor{logger: logger}
}

// Process implements endpoint.Processor.
func (p *RequestLogProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	begin := time.Now()
	sr := &statusRecorder{ResponseWriter: w}

	err := next(sr, r)

	keyvals := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", responseStatus(sr, err),
		"took", time.Since(begin),
	}
	if id, ok := RequestIDFromContext(r.Context()); ok {
		keyvals = append(keyvals, "request_id", id)
	}
	if err != nil {
		keyvals = append(keyvals, "err", err)
	}
	p.logger.Log(keyvals...)

	return err
}

// statusRecorder captures the status code written downstream. Errors returned
// by the chain are rendered after processors unwind, so those statuses are
// derived from the error value instead (see responseStatus).
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// responseStatus resolves the effective response status after next returned.
func responseStatus(sr *statusRecorder, err error) int {
	if err != nil {
		var ee *endpoint.EndpointError
		if errors.As(err, &ee) && ee != nil && ee.Status >= 100 {
			return ee.Status
		}
		return http.StatusInternalServerError
	}
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

var _ endpoint.Processor = (*RequestLogProcessor)(nil)
