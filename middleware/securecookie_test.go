package middleware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

type clientState struct {
	Subject string
	Visits  int
}

func newAESGCMAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// testKeys generates a keyring with a random key per id.
func testKeys(t *testing.T, ids ...string) map[string][]byte {
	t.Helper()
	keys := make(map[string][]byte, len(ids))
	for _, id := range ids {
		k := make([]byte, DefaultAEADKeysize)
		if _, err := rand.Read(k); err != nil {
			t.Fatalf("rand.Read(%s): %v", id, err)
		}
		keys[id] = k
	}
	return keys
}

func mustCookie[T any](t *testing.T, sc *SecureCookieAEAD[T], plain T) *http.Cookie {
	t.Helper()
	ck, err := sc.Encode(plain, 3600)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ck == nil {
		t.Fatal("Encode returned nil cookie")
	}
	return ck
}

func TestSecureCookieRoundTrip(t *testing.T) {
	sc, err := NewSecureCookie[clientState]("affinity", "k1", testKeys(t, "k1"),
		WithDomain("rpc.example.com"), WithSecure(false), WithSameSite(http.SameSiteStrictMode))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}

	in := clientState{Subject: "01HZX", Visits: 3}
	ck := mustCookie(t, sc, in)

	if ck.Name != "affinity" || ck.Domain != "rpc.example.com" || ck.Path != "/" {
		t.Errorf("cookie identity: got name=%q domain=%q path=%q", ck.Name, ck.Domain, ck.Path)
	}
	if !ck.HttpOnly || ck.Secure || ck.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags: got httponly=%v secure=%v samesite=%v", ck.HttpOnly, ck.Secure, ck.SameSite)
	}
	if ck.MaxAge != 3600 {
		t.Errorf("got MaxAge %d, want 3600", ck.MaxAge)
	}

	got, err := sc.Decode(ck)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip: got %+v, want %+v", got, in)
	}
}

func TestSecureCookieValueNamesSealingKey(t *testing.T) {
	sc, err := NewSecureCookie[clientState]("affinity", "k2", testKeys(t, "k1", "k2"))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}

	ck := mustCookie(t, sc, clientState{Subject: "s"})
	if !strings.HasPrefix(ck.Value, "k2.") {
		t.Errorf("got value %q, want prefix 'k2.'", ck.Value)
	}
}

func TestSecureCookieKeyRotation(t *testing.T) {
	// Both codecs hold the full keyring; only the sealing key differs, so a
	// cookie sealed before rotation still opens after it.
	keys := testKeys(t, "old", "new")
	before, err := NewSecureCookie[clientState]("affinity", "old", keys)
	if err != nil {
		t.Fatalf("NewSecureCookie(old): %v", err)
	}
	after, err := NewSecureCookie[clientState]("affinity", "new", keys)
	if err != nil {
		t.Fatalf("NewSecureCookie(new): %v", err)
	}

	in := clientState{Subject: "rotated", Visits: 1}
	got, err := after.Decode(mustCookie(t, before, in))
	if err != nil {
		t.Fatalf("Decode after rotation: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("got %+v, want %+v", got, in)
	}
}

func TestSecureCookieDecodeRejections(t *testing.T) {
	sc, err := NewSecureCookie[clientState]("affinity", "k1", testKeys(t, "k1"))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}

	tests := []struct {
		name    string
		cookie  *http.Cookie
		wantErr error
	}{
		{"NilCookie", nil, ErrCookieFormat},
		{"EmptyValue", &http.Cookie{Name: "affinity", Value: ""}, ErrCookieFormat},
		{"NoSeparator", &http.Cookie{Name: "affinity", Value: "k1deadbeef"}, ErrCookieFormat},
		{"EmptyKeyID", &http.Cookie{Name: "affinity", Value: ".deadbeef"}, ErrCookieFormat},
		{"EmptyCiphertext", &http.Cookie{Name: "affinity", Value: "k1."}, ErrCookieFormat},
		{"BadBase64", &http.Cookie{Name: "affinity", Value: "k1.!!!"}, ErrCookieFormat},
		{"ShortCiphertext", &http.Cookie{Name: "affinity", Value: "k1.AAAA"}, ErrCookieFormat},
		{"UnknownKeyID", &http.Cookie{Name: "affinity", Value: "nope.deadbeef"}, ErrCookieInvalid},
		{"OversizedValue", &http.Cookie{Name: "affinity", Value: "k1." + strings.Repeat("A", maxCookieLen)}, ErrCookieFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sc.Decode(tt.cookie); err != tt.wantErr {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecureCookieTamperRejected(t *testing.T) {
	sc, err := NewSecureCookie[clientState]("affinity", "k1", testKeys(t, "k1"))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}

	ck := mustCookie(t, sc, clientState{Subject: "secret"})
	v := []byte(ck.Value)
	v[len(v)-1] ^= 0x01
	// The flip may corrupt the base64 text itself or the sealed bytes; either
	// way the cookie must be rejected.
	if _, err := sc.Decode(&http.Cookie{Name: ck.Name, Value: string(v)}); err != ErrCookieInvalid && err != ErrCookieFormat {
		t.Errorf("got %v, want %v or %v", err, ErrCookieInvalid, ErrCookieFormat)
	}
}

func TestSecureCookieAADBindsAttributes(t *testing.T) {
	// The AAD covers name, domain, path and the secure flag, so a value sealed
	// under one cookie identity does not open under another even with the
	// same keyring.
	keys := testKeys(t, "k1")
	base := []SecureCookieOption{WithDomain("a.example.com"), WithPath("/rpc"), WithSecure(true)}

	sealer, err := NewSecureCookie[clientState]("affinity", "k1", keys, base...)
	if err != nil {
		t.Fatalf("NewSecureCookie(sealer): %v", err)
	}
	ck := mustCookie(t, sealer, clientState{Subject: "bound"})

	tests := []struct {
		name string
		opts []SecureCookieOption
	}{
		{"DifferentDomain", []SecureCookieOption{WithDomain("b.example.com"), WithPath("/rpc"), WithSecure(true)}},
		{"DifferentPath", []SecureCookieOption{WithDomain("a.example.com"), WithPath("/"), WithSecure(true)}},
		{"DifferentSecureFlag", []SecureCookieOption{WithDomain("a.example.com"), WithPath("/rpc"), WithSecure(false)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener, err := NewSecureCookie[clientState]("affinity", "k1", keys, tt.opts...)
			if err != nil {
				t.Fatalf("NewSecureCookie(opener): %v", err)
			}
			if _, err := opener.Decode(ck); err != ErrCookieInvalid {
				t.Errorf("got %v, want %v", err, ErrCookieInvalid)
			}
		})
	}

	t.Run("DifferentName", func(t *testing.T) {
		opener, err := NewSecureCookie[clientState]("other", "k1", keys, base...)
		if err != nil {
			t.Fatalf("NewSecureCookie(opener): %v", err)
		}
		if _, err := opener.Decode(ck); err != ErrCookieInvalid {
			t.Errorf("got %v, want %v", err, ErrCookieInvalid)
		}
	})

	t.Run("SameIdentity", func(t *testing.T) {
		opener, err := NewSecureCookie[clientState]("affinity", "k1", keys, base...)
		if err != nil {
			t.Fatalf("NewSecureCookie(opener): %v", err)
		}
		if _, err := opener.Decode(ck); err != nil {
			t.Errorf("same identity must open: %v", err)
		}
	})
}

func TestSecureCookieEncodeRequiresPositiveMaxAge(t *testing.T) {
	sc, err := NewSecureCookie[clientState]("affinity", "k1", testKeys(t, "k1"))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}

	for _, maxAge := range []int{0, -1} {
		if _, err := sc.Encode(clientState{}, maxAge); err != ErrCookieInvalid {
			t.Errorf("Encode(maxAge=%d): got %v, want %v", maxAge, err, ErrCookieInvalid)
		}
	}
}

func TestSecureCookieClear(t *testing.T) {
	sc, err := NewSecureCookie[clientState]("affinity", "k1", testKeys(t, "k1"), WithDomain("rpc.example.com"))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}

	ck := sc.Clear()
	if ck == nil {
		t.Fatal("Clear returned nil cookie")
	}
	if ck.Name != "affinity" || ck.Domain != "rpc.example.com" {
		t.Errorf("cookie identity: got name=%q domain=%q", ck.Name, ck.Domain)
	}
	if ck.Value != "" || ck.MaxAge != -1 || ck.Expires.IsZero() {
		t.Errorf("clearing attributes: got value=%q maxage=%d expires=%v", ck.Value, ck.MaxAge, ck.Expires)
	}
}

func TestSecureCookieConstructorValidation(t *testing.T) {
	keys := testKeys(t, "k1")

	tests := []struct {
		name string
		run  func() error
	}{
		{"NilKeys", func() error {
			_, err := NewSecureCookie[clientState]("affinity", "k1", nil)
			return err
		}},
		{"KeyIDNotInKeyring", func() error {
			_, err := NewSecureCookie[clientState]("affinity", "missing", keys)
			return err
		}},
		{"WrongKeyLength", func() error {
			bad := map[string][]byte{"k1": keys["k1"], "short": make([]byte, DefaultAEADKeysize-1)}
			_, err := NewSecureCookie[clientState]("affinity", "k1", bad)
			return err
		}},
		{"NilCodecFuncs", func() error {
			_, err := NewCustomSecureCookie[clientState]("affinity", "k1", keys, nil, nil)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.run() == nil {
				t.Error("expected a constructor error")
			}
		})
	}
}

func TestSecureCookieZeroValueDoesNotPanic(t *testing.T) {
	// Bypass the constructor; methods must fail cleanly, not panic.
	sc := &SecureCookieAEAD[clientState]{CookieName: "affinity"}
	if _, err := sc.Encode(clientState{}, 3600); err != ErrCookieConfig {
		t.Errorf("Encode: got %v, want %v", err, ErrCookieConfig)
	}
	if _, err := sc.Decode(&http.Cookie{Name: "affinity", Value: "k1.deadbeef"}); err != ErrCookieConfig {
		t.Errorf("Decode: got %v, want %v", err, ErrCookieConfig)
	}
}

func TestSecureCookieCustomPayloadCodec(t *testing.T) {
	sc, err := NewCustomSecureCookie[clientState]("affinity", "k1", testKeys(t, "k1"), json.Marshal, json.Unmarshal)
	if err != nil {
		t.Fatalf("NewCustomSecureCookie: %v", err)
	}

	in := clientState{Subject: "json", Visits: 9}
	got, err := sc.Decode(mustCookie(t, sc, in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("got %+v, want %+v", got, in)
	}
}

func TestSecureCookieCustomAEAD(t *testing.T) {
	keys := map[string][]byte{"k1": make([]byte, 32)}
	if _, err := rand.Read(keys["k1"]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	sc, err := NewSecureCookie[clientState]("affinity", "k1", keys, WithAEAD(newAESGCMAEAD))
	if err != nil {
		t.Fatalf("NewSecureCookie(AES-GCM): %v", err)
	}

	in := clientState{Subject: "gcm", Visits: 2}
	ck := mustCookie(t, sc, in)
	got, err := sc.Decode(ck)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("got %+v, want %+v", got, in)
	}

	v := []byte(ck.Value)
	v[len(v)-1] ^= 0x01
	if _, err := sc.Decode(&http.Cookie{Name: ck.Name, Value: string(v)}); err != ErrCookieInvalid && err != ErrCookieFormat {
		t.Errorf("tampered: got %v, want %v or %v", err, ErrCookieInvalid, ErrCookieFormat)
	}
}
