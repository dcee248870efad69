package middleware

// Session middleware for the endpoint processor/renderer pipeline.
//
// Sessions are anonymous: a fresh session is attached to every request that
// does not present a valid session cookie. State written through the Session
// interface is sealed into the cookie just before response headers go out.

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/onerpc/endpoint"
)

var (
	ErrNilSession = errors.New("nil session")
	// ErrKeyNotFound is returned by Session.Get when the key has no value.
	ErrKeyNotFound = errors.New("session key not found")
)

// SessionIDBytes is the number of random bytes used to generate a session ID.
//
// 16 bytes -> 22 chars raw URL base64.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime.
const DefaultSessionPeriod = time.Hour * 24

// MaxExtendedPeriod bounds how long a session may live in total,
// even if continually extended.
const MaxExtendedPeriod = time.Hour * 24 * 90

// DefaultSessionRevalidationExtendThreshold is the default threshold for extending a session before it expires.
const DefaultSessionRevalidationExtendThreshold = DefaultSessionPeriod / 4

// DefaultCookieName is the session cookie name used when none is configured.
const DefaultCookieName = "ORS"

type ByteSlice interface {
	~[]byte
}

// Session is request-scoped session state.
type Session interface {
	// ID returns the session identifier.
	// Returns an empty string if no session state exists (e.g. after Clear).
	ID() string
	// Expires returns the expiration time of the session.
	// Returns the zero time if no session state exists.
	Expires() time.Time
	// Get unmarshals the value associated with key into dest.
	// dest must be a pointer. Returns ErrKeyNotFound if the key has no value.
	Get(key string, dest any) error
	// Set stores the value associated with key.
	// value will be marshaled using the session's codec.
	Set(key string, value any) error
	// Delete removes the value associated with key from the session.
	// This is a no-op if the key does not exist.
	Delete(key string)
	// Reset replaces the session with a fresh one: a new random ID, a new
	// expiry and an empty key/value bag.
	Reset() error
	// Clear discards all session state; the cookie is removed from the client.
	Clear() error
}

// sessionData[Raw] is the serializable session state.
//
// It is designed to be serialized/deserialized using the middleware secure-cookie
// marshal/unmarshal funcs (see SecureCookieAEAD), which defaults to CBOR.
type sessionData[Raw ByteSlice] struct {
	// ID is a random session identifier.
	ID string `cbor:"1,keyasint"`
	// Expires is the absolute expiry time for session validity.
	Expires time.Time `cbor:"2,keyasint"`
	// Period is the difference between the creation time and expiry time in seconds.
	// Note that the semantics differs from MaxAge in http.Cookie, which is relative to
	// the time the cookie is set.
	Period int `cbor:"3,keyasint"`
	// KV is an application-owned key/value bag.
	KV map[string]Raw `cbor:"4,keyasint,omitempty"`
}

// session implements Session with sessionData[Raw] as the underlying data,
// and with a dirty flag to track modification.
type session[Raw ByteSlice] struct {
	sessionData *sessionData[Raw]
	// period is the lifetime used when (re)initializing session data.
	period time.Duration
	// marshal encodes a user-supplied value into a Raw value.
	marshal func(any) ([]byte, error)
	// unmarshal decodes a Raw value into a user-supplied value.
	unmarshal func([]byte, any) error
	// dirty indicates whether the session data has been modified.
	dirty bool
}

func (s *session[Raw]) ID() string {
	if s == nil || s.sessionData == nil {
		return ""
	}
	return s.sessionData.ID
}

func (s *session[Raw]) Expires() time.Time {
	if s == nil || s.sessionData == nil {
		return time.Time{}
	}
	return s.sessionData.Expires
}

func (s *session[Raw]) Get(key string, dest any) error {
	if s == nil || s.sessionData == nil {
		return ErrKeyNotFound
	}
	raw, ok := s.sessionData.KV[key]
	if !ok {
		return ErrKeyNotFound
	}
	if s.unmarshal == nil {
		return errors.New("no value decoder configured")
	}
	return s.unmarshal([]byte(raw), dest)
}

func (s *session[Raw]) Set(key string, value any) error {
	if s == nil {
		return ErrNilSession
	}
	if s.marshal == nil {
		return errors.New("no value encoder configured")
	}
	if s.sessionData == nil {
		// Session was cleared earlier in the request; writing starts a new one.
		sd, err := newSessionData[Raw](s.period)
		if err != nil {
			return err
		}
		s.sessionData = sd
	}

	raw, err := s.marshal(value)
	if err != nil {
		return err
	}

	if s.sessionData.KV == nil {
		s.sessionData.KV = map[string]Raw{}
	}
	s.sessionData.KV[key] = raw
	s.dirty = true
	return nil
}

func (s *session[Raw]) Delete(key string) {
	if s == nil || s.sessionData == nil {
		return
	}
	if s.sessionData.KV == nil {
		return
	}
	if _, ok := s.sessionData.KV[key]; !ok {
		return
	}
	delete(s.sessionData.KV, key)
	s.dirty = true
}

func (s *session[Raw]) Reset() error {
	if s == nil {
		return ErrNilSession
	}
	// Regenerate session state to rotate the ID and drop all stored values.
	sd, err := newSessionData[Raw](s.period)
	if err != nil {
		return err
	}
	s.sessionData = sd
	s.dirty = true
	return nil
}

func (s *session[Raw]) Clear() error {
	if s == nil {
		return ErrNilSession
	}
	// Clear removes session state; the deferred cookie write clears the client cookie.
	s.sessionData = nil
	s.dirty = true
	return nil
}

// newSessionData creates a new sessionData[Raw] with a random ID and the given
// lifetime. A non-positive period falls back to DefaultSessionPeriod.
func newSessionData[Raw ByteSlice](period time.Duration) (*sessionData[Raw], error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	if period <= 0 {
		period = DefaultSessionPeriod
	}
	// Default expiration is based on time of creation.
	// Truncate to second precision moves the creation time backwards, which
	// ensures the start of the valid period is in the past.
	now := time.Now().Truncate(time.Second)
	return &sessionData[Raw]{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Expires: now.Add(period),
		Period:  int(period.Seconds()),
		KV:      map[string]Raw{},
	}, nil
}

// validate checks whether the session is valid at time now.
//
// If the session is expired, it returns (false, false).
// If the session is valid, and the remaining time before expiry is less than extendThreshold,
// it extends the session by extendPeriod and returns (true, true).
func (sd *sessionData[Raw]) validate(extendThreshold, extendPeriod time.Duration) (ok bool, extended bool) {
	if sd == nil {
		return false, false
	}

	now := time.Now()

	// Period participates in maximum-lifetime calculations.
	// Reject out-of-range values.
	if sd.Period <= 0 {
		return false, false
	}
	maxPeriod := int(MaxExtendedPeriod.Seconds())
	if sd.Period > maxPeriod {
		return false, false
	}

	// If session has expired or Expires is not set, treat as invalid.
	if sd.Expires.IsZero() || !now.Before(sd.Expires) {
		return false, false
	}

	if extendThreshold <= 0 || extendPeriod <= 0 || extendPeriod < extendThreshold {
		return true, false
	}
	if sd.Expires.Sub(now) < extendThreshold {
		// If less than extendThreshold remaining, extend session
		// to a maximum age of extendPeriod from now.
		sd.extendTo(now.Add(extendPeriod))
		return true, true
	}
	return true, false
}

// extendTo sets the absolute expiry time for the session.
//
// If newExpires is not after the current Expires, this is a no-op.
// Period is increased by the amount Expires moves forward (in whole seconds).
func (sd *sessionData[Raw]) extendTo(newExpires time.Time) {
	if sd == nil {
		return
	}
	if sd.Expires.IsZero() {
		return
	}
	newExpires = newExpires.Truncate(time.Second)
	if !newExpires.After(sd.Expires) {
		return
	}

	// Enforce an absolute maximum lifetime.
	issuedAt := sd.Expires.Add(-time.Duration(sd.Period) * time.Second)
	maxExpires := issuedAt.Add(MaxExtendedPeriod)
	if newExpires.After(maxExpires) {
		newExpires = maxExpires
	}
	if !newExpires.After(sd.Expires) {
		return
	}

	delta := newExpires.Sub(sd.Expires)
	sd.Period += int(delta.Seconds())
	sd.Expires = newExpires
}

// newSession creates a session with initialized session data.
func newSession[Raw ByteSlice](period time.Duration, marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) (*session[Raw], error) {
	sd, err := newSessionData[Raw](period)
	if err != nil {
		return nil, err
	}
	return &session[Raw]{
		sessionData: sd,
		period:      period,
		dirty:       true,
		marshal:     marshal,
		unmarshal:   unmarshal,
	}, nil
}

// sessionContextKey is an unexported unique key for storing sessions in context.
type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor is an endpoint processor that attaches a Session to every
// request. A valid session cookie is revalidated (and possibly extended); a
// missing or unusable cookie yields a fresh anonymous session.
//
// Config:
//   - MaxAge: lifetime for newly created sessions and the extension period.
//   - ExtendThreshold: extend only when time remaining is less than this.
type SessionProcessor[Raw ByteSlice] struct {
	cookie          SecureCookie[sessionData[Raw]]
	MaxAge          time.Duration
	ExtendThreshold time.Duration
	marshal         func(any) ([]byte, error)
	unmarshal       func([]byte, any) error
}

// NewCustomSessionProcessor returns a SessionProcessor with custom
// marshal/unmarshal funcs for session values and the cookie payload.
func NewCustomSessionProcessor[Raw ByteSlice](cookieName string, keyID string, keys map[string][]byte, marshal func(any) ([]byte, error), unmarshal func([]byte, any) error, opts ...SecureCookieOption) (*SessionProcessor[Raw], error) {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}

	cookie, err := NewCustomSecureCookie[sessionData[Raw]](cookieName, keyID, keys, marshal, unmarshal, opts...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor[Raw]{
		cookie:          cookie,
		MaxAge:          DefaultSessionPeriod,
		ExtendThreshold: DefaultSessionRevalidationExtendThreshold,
		marshal:         marshal,
		unmarshal:       unmarshal,
	}, nil
}

// NewSessionProcessor returns a SessionProcessor with default marshal/unmarshal of CBOR.
func NewSessionProcessor(cookieName string, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SessionProcessor[cbor.RawMessage], error) {
	return NewCustomSessionProcessor[cbor.RawMessage](cookieName, keyID, keys, cbor.Marshal, cbor.Unmarshal, opts...)
}

// Process implements endpoint.Processor.
func (p *SessionProcessor[Raw]) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if p.cookie == nil {
		return errors.New("SessionProcessor requires SecureCookie")
	}

	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultSessionPeriod
	}
	extendThreshold := p.ExtendThreshold
	if extendThreshold <= 0 {
		extendThreshold = DefaultSessionRevalidationExtendThreshold
	}

	sess := &session[Raw]{
		period:    maxAge,
		marshal:   p.marshal,
		unmarshal: p.unmarshal,
	}

	// Try to resume an existing session.
	hadCookie := false
	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		hadCookie = true
		if sessData, err := p.cookie.Decode(c); err == nil {
			// Make sure KV is initialized so downstream code can safely write to it.
			if sessData.KV == nil {
				sessData.KV = map[string]Raw{}
			}
			if ok, extended := sessData.validate(extendThreshold, maxAge); ok {
				sess.sessionData = &sessData
				sess.dirty = extended
			}
		}
	}

	if sess.sessionData == nil {
		// No usable session; start a fresh anonymous one. When the client sent
		// a cookie that did not decode or validate, write the replacement
		// immediately so the stale cookie stops coming back.
		sd, err := newSessionData[Raw](maxAge)
		if err != nil {
			return err
		}
		sess.sessionData = sd
		sess.dirty = hadCookie
	}

	// Just before headers are written, check for dirty, and persist any changes.
	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.maybeSetCookie(w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor[Raw]) maybeSetCookie(w http.ResponseWriter, sess *session[Raw]) {
	if sess == nil {
		return
	}
	if sess.sessionData == nil {
		if sess.dirty {
			c := p.cookie.Clear()
			http.SetCookie(w, c)
		}
		return
	}

	maxAge := int(time.Until(sess.sessionData.Expires).Seconds())
	if maxAge <= 0 {
		c := p.cookie.Clear()
		http.SetCookie(w, c)
		return
	}

	if sess.dirty {
		c, err := p.cookie.Encode(*sess.sessionData, maxAge)
		if err == nil {
			http.SetCookie(w, c)
		}
		return
	}
}

var _ endpoint.Processor = (*SessionProcessor[cbor.RawMessage])(nil)
var _ Session = (*session[cbor.RawMessage])(nil)
