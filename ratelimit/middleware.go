package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/ratewindow/conn"
	"github.com/nhalm/ratewindow/wrapper"
)

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers in any response.
	HeadersNever
)

// KeyFunc extracts a rate limiting key component from an HTTP request.
// Returning an empty string indicates the value is missing.
type KeyFunc func(*http.Request) string

type dimension struct {
	fn       KeyFunc
	required bool
	name     string
}

// Middleware applies one Spec to HTTP requests, keyed by the configured dimensions.
type Middleware struct {
	limiter    *Limiter
	spec       Spec
	name       string
	keyDims    []dimension
	headerMode HeaderMode
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithHeaderMode configures when rate limit headers are included in responses.
func WithHeaderMode(mode HeaderMode) MiddlewareOption {
	return func(m *Middleware) {
		m.headerMode = mode
	}
}

// WithName sets a prefix for rate limit keys.
// Use to prevent key collisions when layering multiple middlewares on one limiter.
func WithName(name string) MiddlewareOption {
	return func(m *Middleware) {
		m.name = name
	}
}

// WithIP adds the client IP address (from RemoteAddr) to the key.
func WithIP() MiddlewareOption {
	return func(m *Middleware) {
		m.keyDims = append(m.keyDims, dimension{
			fn: func(r *http.Request) string {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					return r.RemoteAddr
				}
				return ip
			},
			name: "IP",
		})
	}
}

// WithRealIP adds the client IP from X-Forwarded-For or X-Real-IP.
// When required is false and neither header is present, the dimension is skipped.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
func WithRealIP(required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.keyDims = append(m.keyDims, dimension{
			fn: func(r *http.Request) string {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					first, _, _ := strings.Cut(xff, ",")
					return strings.TrimSpace(first)
				}
				return strings.TrimSpace(r.Header.Get("X-Real-IP"))
			},
			required: required,
			name:     "X-Forwarded-For or X-Real-IP header",
		})
	}
}

// WithEndpoint adds "<method>:<path>" to the key.
func WithEndpoint() MiddlewareOption {
	return func(m *Middleware) {
		m.keyDims = append(m.keyDims, dimension{
			fn: func(r *http.Request) string {
				return r.Method + ":" + r.URL.Path
			},
			name: "endpoint",
		})
	}
}

// WithHeader adds a request header value to the key.
func WithHeader(header string, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.keyDims = append(m.keyDims, dimension{
			fn: func(r *http.Request) string {
				return r.Header.Get(header)
			},
			required: required,
			name:     fmt.Sprintf("header %s", header),
		})
	}
}

// WithQueryParam adds a query parameter value to the key.
func WithQueryParam(param string, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.keyDims = append(m.keyDims, dimension{
			fn: func(r *http.Request) string {
				return r.URL.Query().Get(param)
			},
			required: required,
			name:     fmt.Sprintf("query param %s", param),
		})
	}
}

// WithURLParam adds a chi URL parameter to the key. The middleware must run
// inside the chi route that declares the parameter.
func WithURLParam(param string, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.keyDims = append(m.keyDims, dimension{
			fn: func(r *http.Request) string {
				return chi.URLParam(r, param)
			},
			required: required,
			name:     fmt.Sprintf("URL param %s", param),
		})
	}
}

// WithCustomKey adds the result of fn to the key.
func WithCustomKey(name string, fn KeyFunc, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.keyDims = append(m.keyDims, dimension{
			fn:       fn,
			required: required,
			name:     name,
		})
	}
}

// NewMiddleware creates HTTP middleware enforcing spec through l.
//
// Returns 429 (Too Many Requests) when the limit is exceeded, 400 (Bad Request)
// when a required dimension is missing, 503 (Service Unavailable) when the
// Redis connection is not available and 500 (Internal Server Error) for any
// other store failure.
//
// Panics if spec is invalid or no key dimensions are configured.
func NewMiddleware(l *Limiter, spec Spec, opts ...MiddlewareOption) *Middleware {
	if err := spec.Validate(); err != nil {
		panic("ratelimit: " + err.Error())
	}
	m := &Middleware{
		limiter:    l,
		spec:       spec,
		headerMode: HeadersAlways,
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.keyDims) == 0 {
		panic("ratelimit: must configure at least one key dimension option (WithIP, WithRealIP, WithEndpoint, WithHeader, WithQueryParam, WithURLParam or WithCustomKey)")
	}
	return m
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The rate limit ceiling for the window
//   - RateLimit-Remaining: Number of requests remaining in the window
//   - RateLimit-Reset: Unix timestamp when every counted request has left the window
//   - Retry-After: (only when limited) Seconds until one more request fits
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		useWrapper := wrapper.HasState(ctx)
		_, hasLogger := canonlog.TryGetLogger(ctx)

		key, missingDim := m.buildKey(r)
		if missingDim != "" {
			errMsg := fmt.Sprintf("Missing required %s", missingDim)
			if useWrapper {
				wrapper.SetError(r, wrapper.ErrBadRequest.With(errMsg))
			} else {
				http.Error(w, errMsg, http.StatusBadRequest)
			}
			return
		}

		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := m.limiter.Check(ctx, key, m.spec)
		if err != nil {
			if hasLogger {
				canonlog.ErrorAdd(ctx, fmt.Errorf("rate limit check: %w", err))
			}
			apiErr := wrapper.ErrInternal.With("Rate limit check failed")
			if IsUnavailable(err) {
				apiErr = wrapper.ErrServiceUnavailable.With("Rate limit store unavailable")
			}
			if useWrapper {
				wrapper.SetError(r, apiErr)
			} else {
				http.Error(w, apiErr.Message, apiErr.Status)
			}
			return
		}

		if hasLogger {
			canonlog.InfoAddMany(ctx, map[string]any{
				"ratelimit_key":       key,
				"ratelimit_allowed":   res.Allowed,
				"ratelimit_remaining": res.Remaining,
			})
		}

		shouldSetHeaders := m.headerMode == HeadersAlways || (m.headerMode == HeadersOnLimitExceeded && !res.Allowed)
		if shouldSetHeaders {
			setHeader(w, r, useWrapper, "RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			setHeader(w, r, useWrapper, "RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			setHeader(w, r, useWrapper, "RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
		}

		if !res.Allowed {
			if shouldSetHeaders {
				setHeader(w, r, useWrapper, "Retry-After", strconv.Itoa(retryAfterSeconds(res)))
			}
			errMsg := fmt.Sprintf("Rate limit exceeded: %d requests per %s", m.spec.Limit, m.spec.Window)
			if useWrapper {
				wrapper.SetError(r, wrapper.ErrRateLimited.With(errMsg))
			} else {
				http.Error(w, errMsg, http.StatusTooManyRequests)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setHeader(w http.ResponseWriter, r *http.Request, useWrapper bool, key, value string) {
	if useWrapper {
		wrapper.SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}

// IsUnavailable reports whether err means the Redis connection could not be
// used at all, as opposed to a failed command.
func IsUnavailable(err error) bool {
	return errors.Is(err, conn.ErrNotInitialized) ||
		errors.Is(err, conn.ErrConnect) ||
		errors.Is(err, conn.ErrManagerClosed)
}

// retryAfterSeconds rounds up so clients never retry early. Minimum 1.
func retryAfterSeconds(res Result) int {
	return max(1, int(math.Ceil(res.RetryAfter.Seconds())))
}

// buildKey builds the rate limit key from all dimensions.
// Returns (key, missingDimName). If missingDimName is non-empty, a required dimension was missing.
func (m *Middleware) buildKey(r *http.Request) (string, string) {
	var sb strings.Builder
	sb.Grow(20 + len(m.keyDims)*30)
	parts := 0

	if m.name != "" {
		sb.WriteString(m.name)
	}

	for _, dim := range m.keyDims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return "", dim.name
			}
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
		parts++
	}

	// The name alone never identifies a client.
	if parts == 0 {
		return "", ""
	}
	return sb.String(), ""
}
