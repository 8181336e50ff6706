// Package slo attaches a latency budget to a route so the wrapper can log
// whether each request met it.
//
//	r := chi.NewRouter()
//	r.Use(wrapper.New(wrapper.WithCanonlog(), wrapper.WithSLOs()))
//
//	r.With(slo.Track(slo.Decision)).Post("/v1/limits/{policy}/{key}", check)
//	r.With(slo.Track(slo.Probe)).Get("/healthz", healthz)
//
// The wrapper adds slo_class and slo_status (PASS or FAIL) to the request's
// canonical log line.
package slo

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Class names a latency budget.
type Class string

const (
	// Decision covers limit checks: two Redis round trips at most.
	Decision Class = "decision"

	// Admin covers resets and policy listing.
	Admin Class = "admin"

	// Probe covers health checks, which may wait on a Redis PING.
	Probe Class = "probe"

	custom Class = "custom"
)

var budgets = map[Class]time.Duration{
	Decision: 25 * time.Millisecond,
	Admin:    250 * time.Millisecond,
	Probe:    time.Second,
}

// Budget returns the latency budget for class, or zero for unknown classes.
func Budget(class Class) time.Duration {
	return budgets[class]
}

type contextKey struct{}

type budget struct {
	class  Class
	target time.Duration
}

// holder lets a route tag deep in the handler chain be read by middleware
// that sits above it and only holds the outer context.
type holder struct {
	mu sync.Mutex
	b  *budget
}

// NewContext returns a context that collects the budget set by Track further
// down the chain. Middleware that reads Status must call it first.
func NewContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, &holder{})
}

// Track tags requests with a predefined class.
func Track(class Class) func(http.Handler) http.Handler {
	return tag(budget{class: class, target: budgets[class]})
}

// TrackWithTarget tags requests with a custom budget, logged as "custom".
func TrackWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return tag(budget{class: custom, target: target})
}

func tag(b budget) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h, ok := r.Context().Value(contextKey{}).(*holder); ok {
				h.mu.Lock()
				h.b = &b
				h.mu.Unlock()
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Status reports the class of the request and whether elapsed stayed within
// its budget. ok is false when ctx did not come from NewContext or the route
// is untracked.
func Status(ctx context.Context, elapsed time.Duration) (class Class, status string, ok bool) {
	h, ok := ctx.Value(contextKey{}).(*holder)
	if !ok {
		return "", "", false
	}
	h.mu.Lock()
	b := h.b
	h.mu.Unlock()
	if b == nil {
		return "", "", false
	}
	if elapsed > b.target {
		return b.class, "FAIL", true
	}
	return b.class, "PASS", true
}
