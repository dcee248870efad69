package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestRequestIDProcessor_MintsULID(t *testing.T) {
	p := NewRequestIDProcessor()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	var ctxID string
	next := func(w http.ResponseWriter, r *http.Request) error {
		id, ok := RequestIDFromContext(r.Context())
		if !ok {
			t.Fatal("request id missing from context")
		}
		ctxID = id
		return nil
	}

	if err := p.Process(w, r, next); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	headerID := w.Header().Get(RequestIDHeader)
	if headerID == "" {
		t.Fatal("X-Request-Id header not set")
	}
	if headerID != ctxID {
		t.Errorf("header/context mismatch: header %q, context %q", headerID, ctxID)
	}
	if _, err := ulid.Parse(headerID); err != nil {
		t.Errorf("request id %q is not a ULID: %v", headerID, err)
	}
}

func TestRequestIDProcessor_UniquePerRequest(t *testing.T) {
	p := NewRequestIDProcessor()
	next := func(w http.ResponseWriter, r *http.Request) error { return nil }

	w1 := httptest.NewRecorder()
	if err := p.Process(w1, httptest.NewRequest("GET", "/", nil), next); err != nil {
		t.Fatalf("Process: %v", err)
	}
	w2 := httptest.NewRecorder()
	if err := p.Process(w2, httptest.NewRequest("GET", "/", nil), next); err != nil {
		t.Fatalf("Process: %v", err)
	}

	id1 := w1.Header().Get(RequestIDHeader)
	id2 := w2.Header().Get(RequestIDHeader)
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Errorf("expected distinct ids, got %q and %q", id1, id2)
	}
}

func TestRequestIDProcessor_TrustHeader(t *testing.T) {
	p := &RequestIDProcessor{TrustHeader: true}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, "upstream-id")

	next := func(w http.ResponseWriter, r *http.Request) error {
		id, _ := RequestIDFromContext(r.Context())
		if id != "upstream-id" {
			t.Errorf("context id: got %q, want %q", id, "upstream-id")
		}
		return nil
	}

	if err := p.Process(w, r, next); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if got := w.Header().Get(RequestIDHeader); got != "upstream-id" {
		t.Errorf("header id: got %q, want %q", got, "upstream-id")
	}
}

func TestRequestIDProcessor_UntrustedHeaderIgnored(t *testing.T) {
	p := NewRequestIDProcessor() // TrustHeader off
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, "spoofed")

	next := func(w http.ResponseWriter, r *http.Request) error { return nil }
	if err := p.Process(w, r, next); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	got := w.Header().Get(RequestIDHeader)
	if got == "" || got == "spoofed" {
		t.Errorf("inbound id should be replaced, got %q", got)
	}
}

func TestRequestIDProcessor_TrustHeader_MissingMints(t *testing.T) {
	p := &RequestIDProcessor{TrustHeader: true}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	next := func(w http.ResponseWriter, r *http.Request) error { return nil }
	if err := p.Process(w, r, next); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	got := w.Header().Get(RequestIDHeader)
	if got == "" {
		t.Fatal("expected minted id when no inbound header")
	}
	if _, err := ulid.Parse(got); err != nil {
		t.Errorf("minted id %q is not a ULID: %v", got, err)
	}
}

func TestRequestIDFromContext_Missing(t *testing.T) {
	if id, ok := RequestIDFromContext(context.Background()); ok || id != "" {
		t.Errorf("RequestIDFromContext(empty): got (%q,%v), want (\"\",false)", id, ok)
	}
}
