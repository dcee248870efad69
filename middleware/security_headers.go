package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/onerpc/endpoint"
)

// SecurityHeadersProcessor sets defensive response headers suited to a JSON
// API surface.
//
// Defaults from NewSecurityHeadersProcessor:
//   - Strict-Transport-Security: max-age=31536000; includeSubDomains
//   - Referrer-Policy: no-referrer
//   - X-Frame-Options: DENY
//   - X-Content-Type-Options: nosniff
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'
//   - Cache-Control: no-store
//
// For cross-origin access (e.g. browser RPC clients on another origin),
// configure CORS via WithCORS. This processor handles CORS preflight
// (OPTIONS) requests itself and short-circuits them with 204 No Content.
type SecurityHeadersProcessor struct {
	// HSTS configures the Strict-Transport-Security header.
	// Set to nil to disable.
	HSTS *HSTSConfig

	// ReferrerPolicy sets the Referrer-Policy header.
	// Set to empty string to disable.
	ReferrerPolicy string

	// FrameOptions sets the X-Frame-Options header.
	// Common values: DENY, SAMEORIGIN, or empty to disable.
	FrameOptions string

	// ContentTypeOptions controls the X-Content-Type-Options: nosniff header.
	ContentTypeOptions bool

	// ContentSecurityPolicy sets the Content-Security-Policy header.
	// Set to empty string to disable.
	ContentSecurityPolicy string

	// CacheControl sets the Cache-Control header.
	// Set to empty string to disable. RPC responses default to no-store.
	CacheControl string

	// CORS configures Cross-Origin Resource Sharing headers.
	// Set to nil to disable CORS handling.
	CORS *CORSConfig
}

// HSTSConfig configures HTTP Strict Transport Security.
type HSTSConfig struct {
	// MaxAge is the duration (in seconds) browsers should remember that the
	// host is HTTPS-only.
	MaxAge int

	// IncludeSubDomains applies the policy to subdomains as well.
	IncludeSubDomains bool

	// Preload marks the policy for browser preload lists. Only set this if
	// the domain has been submitted for preload.
	Preload bool
}

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the API.
	// "*" allows any origin, but is ignored when AllowCredentials is set:
	// the CORS protocol forbids wildcard origins with credentials.
	AllowedOrigins []string

	// AllowedMethods lists HTTP methods advertised on preflight.
	AllowedMethods []string

	// AllowedHeaders lists request headers advertised on preflight.
	AllowedHeaders []string

	// ExposedHeaders lists response headers readable by cross-origin callers.
	ExposedHeaders []string

	// AllowCredentials permits cookies and authorization headers.
	AllowCredentials bool

	// MaxAge is how long (in seconds) preflight results may be cached.
	MaxAge int
}

// NewSecurityHeadersProcessor creates a SecurityHeadersProcessor with
// defaults suited to an API that serves no web content.
func NewSecurityHeadersProcessor() *SecurityHeadersProcessor {
	return &SecurityHeadersProcessor{
		HSTS: &HSTSConfig{
			MaxAge:            31536000, // 1 year
			IncludeSubDomains: true,
			Preload:           false,
		},
		ReferrerPolicy:        "no-referrer",
		FrameOptions:          "DENY",
		ContentTypeOptions:    true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		CacheControl:          "no-store",
		CORS:                  nil,
	}
}

// WithHSTS configures HSTS settings and returns the processor for chaining.
func (p *SecurityHeadersProcessor) WithHSTS(maxAge int, includeSubDomains, preload bool) *SecurityHeadersProcessor {
	p.HSTS = &HSTSConfig{
		MaxAge:            maxAge,
		IncludeSubDomains: includeSubDomains,
		Preload:           preload,
	}
	return p
}

// WithoutHSTS disables the Strict-Transport-Security header.
func (p *SecurityHeadersProcessor) WithoutHSTS() *SecurityHeadersProcessor {
	p.HSTS = nil
	return p
}

// WithReferrerPolicy sets the Referrer-Policy header.
// Common values: no-referrer, same-origin, strict-origin-when-cross-origin.
func (p *SecurityHeadersProcessor) WithReferrerPolicy(policy string) *SecurityHeadersProcessor {
	p.ReferrerPolicy = policy
	return p
}

// WithFrameOptions sets the X-Frame-Options header.
// Common values: DENY, SAMEORIGIN.
func (p *SecurityHeadersProcessor) WithFrameOptions(options string) *SecurityHeadersProcessor {
	p.FrameOptions = options
	return p
}

// WithContentTypeOptions enables or disables X-Content-Type-Options: nosniff.
func (p *SecurityHeadersProcessor) WithContentTypeOptions(enabled bool) *SecurityHeadersProcessor {
	p.ContentTypeOptions = enabled
	return p
}

// WithCSP sets the Content-Security-Policy header.
func (p *SecurityHeadersProcessor) WithCSP(policy string) *SecurityHeadersProcessor {
	p.ContentSecurityPolicy = policy
	return p
}

// WithCacheControl sets the Cache-Control header.
func (p *SecurityHeadersProcessor) WithCacheControl(value string) *SecurityHeadersProcessor {
	p.CacheControl = value
	return p
}

// WithCORS configures CORS headers for cross-origin access.
func (p *SecurityHeadersProcessor) WithCORS(config *CORSConfig) *SecurityHeadersProcessor {
	p.CORS = config
	return p
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if p.HSTS != nil {
		if hsts := formatHSTS(p.HSTS); hsts != "" {
			w.Header().Set("Strict-Transport-Security", hsts)
		}
	}

	if p.ReferrerPolicy != "" {
		w.Header().Set("Referrer-Policy", p.ReferrerPolicy)
	}

	if p.FrameOptions != "" {
		w.Header().Set("X-Frame-Options", p.FrameOptions)
	}

	if p.ContentTypeOptions {
		w.Header().Set("X-Content-Type-Options", "nosniff")
	}

	if p.ContentSecurityPolicy != "" {
		w.Header().Set("Content-Security-Policy", p.ContentSecurityPolicy)
	}

	if p.CacheControl != "" {
		w.Header().Set("Cache-Control", p.CacheControl)
	}

	if p.CORS != nil {
		setCORSHeaders(w, r, p.CORS)

		// Short-circuit CORS preflight requests: an OPTIONS request carrying
		// an Origin and Access-Control-Request-Method never reaches the
		// endpoint.
		if r.Method == http.MethodOptions &&
			r.Header.Get("Origin") != "" &&
			r.Header.Get("Access-Control-Request-Method") != "" {
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}

	return next(w, r)
}

// formatHSTS formats the HSTS header value.
func formatHSTS(config *HSTSConfig) string {
	if config == nil || config.MaxAge <= 0 {
		return ""
	}

	parts := []string{"max-age=" + strconv.Itoa(config.MaxAge)}
	if config.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if config.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, "; ")
}

// setCORSHeaders sets CORS headers based on the configuration.
func setCORSHeaders(w http.ResponseWriter, r *http.Request, config *CORSConfig) {
	if config == nil {
		return
	}

	// CORS headers apply only to actual cross-origin requests, which always
	// carry an Origin header.
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if len(config.AllowedOrigins) > 0 {
		for _, allowed := range config.AllowedOrigins {
			if allowed == "*" {
				// The CORS protocol forbids '*' with credentials.
				if config.AllowCredentials {
					continue
				}
				w.Header().Set("Access-Control-Allow-Origin", "*")
				break
			} else if allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
	}

	if config.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	if len(config.ExposedHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
	}

	// Preflight-only headers.
	if r.Method == http.MethodOptions {
		if len(config.AllowedMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
		}
		if len(config.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
		}
		if config.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
		}
	}
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
