// Package ratelimit implements an approximate sliding window rate limiter
// whose counters live in a shared store.
//
// Each window is split into SegmentsPerWindow segments. A check reads every
// segment counter for the key in one round trip, sums the segments that still
// fall inside the trailing window and, when the sum is under the limit,
// records the request against the current segment. Denied requests are never
// recorded.
//
// Basic usage:
//
//	mgr, err := conn.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer mgr.Close()
//
//	limiter := ratelimit.New(store.NewRedis(mgr), ratelimit.WithConnection(mgr))
//	ok, err := limiter.Allow(ctx, "login:"+userID, ratelimit.Spec{Limit: 5, Window: time.Minute})
//
// For distributed deployments use the Redis store. The in-memory store is only
// suitable for single-instance deployments and tests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/ratewindow/ratelimit/store"
)

// DefaultSegmentsPerWindow is used when Spec.SegmentsPerWindow is zero.
const DefaultSegmentsPerWindow = 10

// DefaultPrefix namespaces every key the limiter writes.
const DefaultPrefix = "ratelimit:"

// ErrInvalidSpec is returned when a Spec fails validation.
var ErrInvalidSpec = errors.New("invalid rate limit spec")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Spec describes a single limit: at most Limit requests per Window.
type Spec struct {
	Limit             int64         `validate:"gt=0"`
	Window            time.Duration `validate:"gt=0s"`
	SegmentsPerWindow int           `validate:"gte=0"`
}

// Segments returns the effective number of segments per window.
func (s Spec) Segments() int64 {
	if s.SegmentsPerWindow == 0 {
		return DefaultSegmentsPerWindow
	}
	return int64(s.SegmentsPerWindow)
}

// Validate checks the spec. The window must split into whole nanosecond segments.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if int64(s.Window)%s.Segments() != 0 {
		return fmt.Errorf("%w: window %s does not divide into %d segments", ErrInvalidSpec, s.Window, s.Segments())
	}
	return nil
}

// Result reports the outcome of a single check.
type Result struct {
	Allowed bool
	Limit   int64
	// Count is the number of requests in the trailing window, including this
	// one when it was allowed.
	Count     int64
	Remaining int64
	// RetryAfter is zero when allowed. Otherwise it is the wait until enough
	// old segments have left the window for one more request to fit.
	RetryAfter time.Duration
	// Reset is when every request counted so far will have left the window.
	Reset time.Time
}

// Connection is the part of the connection manager the limiter needs.
// *conn.Manager satisfies it.
type Connection interface {
	WaitReady(ctx context.Context) error
	CheckError(err error) bool
}

// Limiter checks requests against sliding window limits. Safe for concurrent use.
type Limiter struct {
	store  store.Store
	conn   Connection
	prefix string
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithConnection makes the limiter wait for the connection before each
// operation and report every failure to it.
func WithConnection(c Connection) Option {
	return func(l *Limiter) {
		l.conn = c
	}
}

// WithPrefix sets the namespace prepended to every key (default "ratelimit:").
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		l.prefix = prefix
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a limiter backed by st.
func New(st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  st,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether one more request for key fits under spec right now.
// When it returns true exactly one request has been recorded; when it returns
// false nothing was written.
//
// Store and connection errors are reported to the Connection and returned
// unchanged.
func (l *Limiter) Allow(ctx context.Context, key string, spec Spec) (bool, error) {
	res, err := l.Check(ctx, key, spec)
	return res.Allowed, err
}

// Check is Allow with the counters needed for rate limit headers.
func (l *Limiter) Check(ctx context.Context, key string, spec Spec) (res Result, err error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}

	storageKey := l.prefix + key
	defer l.report(&err)

	if l.conn != nil {
		if err = l.conn.WaitReady(ctx); err != nil {
			return Result{}, err
		}
	}

	w := newWindow(spec, l.now())

	counts, err := l.store.Segments(ctx, storageKey)
	if err != nil {
		return Result{}, err
	}

	sum := w.sum(counts)
	if sum >= spec.Limit {
		return w.denied(counts, sum, spec.Limit), nil
	}

	if err = l.store.Record(ctx, storageKey, w.current, spec.Window); err != nil {
		return Result{}, err
	}
	return w.allowed(sum+1, spec.Limit), nil
}

// Reset drops every recorded request for key.
func (l *Limiter) Reset(ctx context.Context, key string) (err error) {
	defer l.report(&err)

	if l.conn != nil {
		if err = l.conn.WaitReady(ctx); err != nil {
			return err
		}
	}
	return l.store.Reset(ctx, l.prefix+key)
}

func (l *Limiter) report(err *error) {
	if *err != nil && l.conn != nil {
		l.conn.CheckError(*err)
	}
}

// window is one check's view of time, in nanosecond ticks.
type window struct {
	now      int64
	segDur   int64
	segments int64
	current  int64
	start    int64
}

func newWindow(spec Spec, now time.Time) window {
	segments := spec.Segments()
	segDur := int64(spec.Window) / segments
	nowTicks := now.UnixNano()
	current := nowTicks / segDur

	return window{
		now:      nowTicks,
		segDur:   segDur,
		segments: segments,
		current:  current,
		start:    current - segments,
	}
}

// sum adds up segments strictly newer than the window start. Older entries the
// store has not expired yet are ignored.
func (w window) sum(counts map[int64]int64) int64 {
	var total int64
	for segment, count := range counts {
		if segment > w.start {
			total += count
		}
	}
	return total
}

// leaves returns when segment stops being counted.
func (w window) leaves(segment int64) time.Time {
	return time.Unix(0, (segment+w.segments)*w.segDur)
}

func (w window) allowed(count, limit int64) Result {
	return Result{
		Allowed:   true,
		Limit:     limit,
		Count:     count,
		Remaining: max(0, limit-count),
		Reset:     w.leaves(w.current),
	}
}

func (w window) denied(counts map[int64]int64, sum, limit int64) Result {
	live := make([]int64, 0, len(counts))
	for segment, count := range counts {
		if segment > w.start && count > 0 {
			live = append(live, segment)
		}
	}
	slices.Sort(live)

	res := Result{
		Limit: limit,
		Count: sum,
		Reset: time.Unix(0, w.now),
	}
	if len(live) == 0 {
		return res
	}
	res.Reset = w.leaves(live[len(live)-1])

	var freed int64
	for _, segment := range live {
		freed += counts[segment]
		if sum-freed < limit {
			res.RetryAfter = time.Duration(w.leaves(segment).UnixNano() - w.now)
			break
		}
	}
	return res
}
