package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSONRenderer serializes a value as JSON and writes it to the response.
//
// JSONRenderer is terminal: it MUST call WriteHeader and MUST NOT call next.
//
// Content-Type is always set to "application/json".
//
// Error handling:
//   - If encoding fails, JSONRenderer returns the encoding error.
//
// Note: since writing the response may have already started, callers should
// treat returned encoding errors as best-effort signals.
//
// This renderer uses json.Encoder which appends a trailing newline. HTML
// escaping is disabled, so payload bytes pass through unmodified.
type JSONRenderer struct {
	Status int
	Value  interface{}
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")

	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}
