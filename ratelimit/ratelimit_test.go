package ratelimit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhalm/ratewindow/conn"
	"github.com/nhalm/ratewindow/ratelimit"
	"github.com/nhalm/ratewindow/ratelimit/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeConn struct {
	mu       sync.Mutex
	readyErr error
	checked  []error
}

func (c *fakeConn) WaitReady(context.Context) error {
	return c.readyErr
}

func (c *fakeConn) CheckError(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checked = append(c.checked, err)
	return false
}

func (c *fakeConn) Checked() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.checked...)
}

// recordingStore wraps Memory and fails the test on any Record while armed.
type recordingStore struct {
	*store.Memory
	t       *testing.T
	armed   atomic.Bool
	records atomic.Int64
}

func (s *recordingStore) Record(ctx context.Context, key string, segment int64, ttl time.Duration) error {
	if s.armed.Load() {
		s.t.Errorf("Record(%q, %d) called after a denial", key, segment)
	}
	s.records.Add(1)
	return s.Memory.Record(ctx, key, segment, ttl)
}

type errorStore struct {
	segmentsErr error
	recordErr   error
	resetErr    error
}

func (e *errorStore) Segments(context.Context, string) (map[int64]int64, error) {
	if e.segmentsErr != nil {
		return nil, e.segmentsErr
	}
	return map[int64]int64{}, nil
}

func (e *errorStore) Record(context.Context, string, int64, time.Duration) error {
	return e.recordErr
}

func (e *errorStore) Reset(context.Context, string) error {
	return e.resetErr
}

func (e *errorStore) Close() error {
	return nil
}

func setupLimiter(t *testing.T, opts ...ratelimit.Option) (*ratelimit.Limiter, *store.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemory(store.WithMemoryClock(clock.Now))
	t.Cleanup(func() { st.Close() })

	opts = append([]ratelimit.Option{ratelimit.WithClock(clock.Now)}, opts...)
	return ratelimit.New(st, opts...), st, clock
}

func allowN(t *testing.T, l *ratelimit.Limiter, key string, spec ratelimit.Spec, n int) {
	t.Helper()
	for i := range n {
		ok, err := l.Allow(context.Background(), key, spec)
		if err != nil {
			t.Fatalf("call %d: Allow() error = %v", i+1, err)
		}
		if !ok {
			t.Fatalf("call %d: expected allowed", i+1)
		}
	}
}

func expectDenied(t *testing.T, l *ratelimit.Limiter, key string, spec ratelimit.Spec) {
	t.Helper()
	ok, err := l.Allow(context.Background(), key, spec)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if ok {
		t.Fatal("expected denied")
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    ratelimit.Spec
		wantErr bool
	}{
		{name: "valid default segments", spec: ratelimit.Spec{Limit: 10, Window: time.Minute}},
		{name: "valid explicit segments", spec: ratelimit.Spec{Limit: 6, Window: 50 * time.Millisecond, SegmentsPerWindow: 5}},
		{name: "single segment", spec: ratelimit.Spec{Limit: 1, Window: time.Second, SegmentsPerWindow: 1}},
		{name: "zero limit", spec: ratelimit.Spec{Limit: 0, Window: time.Minute}, wantErr: true},
		{name: "negative limit", spec: ratelimit.Spec{Limit: -1, Window: time.Minute}, wantErr: true},
		{name: "zero window", spec: ratelimit.Spec{Limit: 1}, wantErr: true},
		{name: "negative window", spec: ratelimit.Spec{Limit: 1, Window: -time.Second}, wantErr: true},
		{name: "negative segments", spec: ratelimit.Spec{Limit: 1, Window: time.Second, SegmentsPerWindow: -2}, wantErr: true},
		{name: "window not divisible", spec: ratelimit.Spec{Limit: 1, Window: time.Second, SegmentsPerWindow: 7}, wantErr: true},
		{name: "more segments than ticks", spec: ratelimit.Spec{Limit: 1, Window: 5, SegmentsPerWindow: 10}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				if !errors.Is(err, ratelimit.ErrInvalidSpec) {
					t.Errorf("Validate() error = %v, want ErrInvalidSpec", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	specs := []ratelimit.Spec{
		{Limit: 1, Window: time.Minute},
		{Limit: 5, Window: time.Second, SegmentsPerWindow: 5},
		{Limit: 100, Window: time.Hour},
	}

	for _, spec := range specs {
		t.Run(spec.Window.String(), func(t *testing.T) {
			l, _, _ := setupLimiter(t)
			allowN(t, l, "fresh", spec, int(spec.Limit))
			expectDenied(t, l, "fresh", spec)
		})
	}
}

func TestLimiter_KeysIsolated(t *testing.T) {
	l, _, _ := setupLimiter(t)
	spec := ratelimit.Spec{Limit: 3, Window: time.Minute}

	allowN(t, l, "a", spec, 3)
	expectDenied(t, l, "a", spec)

	allowN(t, l, "b", spec, 3)
	expectDenied(t, l, "b", spec)
}

func TestLimiter_WindowElapses(t *testing.T) {
	l, _, clock := setupLimiter(t)
	spec := ratelimit.Spec{Limit: 2, Window: time.Minute}

	allowN(t, l, "k", spec, 2)
	expectDenied(t, l, "k", spec)

	clock.Advance(time.Minute)
	allowN(t, l, "k", spec, 2)
	expectDenied(t, l, "k", spec)
}

func TestLimiter_PartialSliding(t *testing.T) {
	l, _, clock := setupLimiter(t)
	spec := ratelimit.Spec{Limit: 10, Window: 10 * time.Second, SegmentsPerWindow: 10}

	for i := range 10 {
		allowN(t, l, "k", spec, 1)
		if i < 9 {
			clock.Advance(time.Second)
		}
	}
	clock.Advance(500 * time.Millisecond)
	expectDenied(t, l, "k", spec)

	// Only the first second's request has left the window.
	clock.Advance(500 * time.Millisecond)
	allowN(t, l, "k", spec, 1)
	expectDenied(t, l, "k", spec)
}

func TestLimiter_SegmentScenario(t *testing.T) {
	l, _, clock := setupLimiter(t)
	spec := ratelimit.Spec{Limit: 6, Window: 50 * time.Millisecond, SegmentsPerWindow: 5}

	allowN(t, l, "K1", spec, 3)
	clock.Advance(20 * time.Millisecond)
	allowN(t, l, "K1", spec, 3)
	expectDenied(t, l, "K1", spec)

	allowN(t, l, "K2", spec, 6)
	expectDenied(t, l, "K2", spec)

	// The segment written at t=0 is now outside the window; t=20ms is not.
	clock.Advance(30 * time.Millisecond)
	allowN(t, l, "K1", spec, 3)
	expectDenied(t, l, "K1", spec)
}

func TestLimiter_DenialNeverWrites(t *testing.T) {
	clock := newFakeClock()
	mem := store.NewMemory(store.WithMemoryClock(clock.Now))
	defer mem.Close()

	st := &recordingStore{Memory: mem, t: t}
	l := ratelimit.New(st, ratelimit.WithClock(clock.Now))
	spec := ratelimit.Spec{Limit: 4, Window: time.Minute}

	allowN(t, l, "k", spec, 4)
	if got := st.records.Load(); got != 4 {
		t.Fatalf("expected 4 records, got %d", got)
	}

	st.armed.Store(true)
	for range 5 {
		expectDenied(t, l, "k", spec)
	}
	clock.Advance(30 * time.Second)
	expectDenied(t, l, "k", spec)
}

func TestLimiter_Check(t *testing.T) {
	l, _, clock := setupLimiter(t)
	spec := ratelimit.Spec{Limit: 2, Window: 10 * time.Second, SegmentsPerWindow: 10}
	ctx := context.Background()
	t0 := clock.Now()

	res, err := l.Check(ctx, "k", spec)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Count != 1 || res.Remaining != 1 || res.Limit != 2 {
		t.Errorf("first Check() = %+v", res)
	}
	if !res.Reset.Equal(t0.Add(10 * time.Second)) {
		t.Errorf("first Reset = %v, want %v", res.Reset, t0.Add(10*time.Second))
	}
	if res.RetryAfter != 0 {
		t.Errorf("first RetryAfter = %v, want 0", res.RetryAfter)
	}

	clock.Advance(3 * time.Second)
	res, _ = l.Check(ctx, "k", spec)
	if !res.Allowed || res.Count != 2 || res.Remaining != 0 {
		t.Errorf("second Check() = %+v", res)
	}

	res, _ = l.Check(ctx, "k", spec)
	if res.Allowed {
		t.Fatal("third Check() should be denied")
	}
	if res.Count != 2 || res.Remaining != 0 {
		t.Errorf("denied Check() = %+v", res)
	}
	if res.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", res.RetryAfter)
	}
	if !res.Reset.Equal(t0.Add(13 * time.Second)) {
		t.Errorf("denied Reset = %v, want %v", res.Reset, t0.Add(13*time.Second))
	}

	clock.Advance(res.RetryAfter)
	res, _ = l.Check(ctx, "k", spec)
	if !res.Allowed {
		t.Error("expected allowed after RetryAfter")
	}
}

func TestLimiter_RetryAfterFreesOldestFirst(t *testing.T) {
	l, _, clock := setupLimiter(t)
	spec := ratelimit.Spec{Limit: 4, Window: 4 * time.Second, SegmentsPerWindow: 4}

	allowN(t, l, "k", spec, 1)
	clock.Advance(time.Second)
	allowN(t, l, "k", spec, 3)

	// Freeing only the first segment leaves 3 of 4, which is enough.
	res, _ := l.Check(context.Background(), "k", spec)
	if res.Allowed || res.RetryAfter != 3*time.Second {
		t.Errorf("Check() = %+v, want denied with RetryAfter 3s", res)
	}
}

func TestLimiter_Prefix(t *testing.T) {
	ctx := context.Background()
	spec := ratelimit.Spec{Limit: 5, Window: time.Minute}

	t.Run("default", func(t *testing.T) {
		l, st, _ := setupLimiter(t)
		allowN(t, l, "user", spec, 1)
		if got, _ := st.Segments(ctx, ratelimit.DefaultPrefix+"user"); len(got) != 1 {
			t.Errorf("expected one segment under default prefix, got %v", got)
		}
	})

	t.Run("custom", func(t *testing.T) {
		l, st, _ := setupLimiter(t, ratelimit.WithPrefix("api:"))
		allowN(t, l, "user", spec, 1)
		if got, _ := st.Segments(ctx, "api:user"); len(got) != 1 {
			t.Errorf("expected one segment under api:, got %v", got)
		}
		if got, _ := st.Segments(ctx, ratelimit.DefaultPrefix+"user"); len(got) != 0 {
			t.Errorf("expected nothing under default prefix, got %v", got)
		}
	})
}

func TestLimiter_Reset(t *testing.T) {
	l, _, _ := setupLimiter(t)
	spec := ratelimit.Spec{Limit: 1, Window: time.Hour}

	allowN(t, l, "k", spec, 1)
	expectDenied(t, l, "k", spec)

	if err := l.Reset(context.Background(), "k"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	allowN(t, l, "k", spec, 1)
}

func TestLimiter_InvalidSpec(t *testing.T) {
	fc := &fakeConn{}
	l, _, _ := setupLimiter(t, ratelimit.WithConnection(fc))

	ok, err := l.Allow(context.Background(), "k", ratelimit.Spec{Limit: 1})
	if ok || !errors.Is(err, ratelimit.ErrInvalidSpec) {
		t.Errorf("Allow() = %v, %v; want false, ErrInvalidSpec", ok, err)
	}
	if n := len(fc.Checked()); n != 0 {
		t.Errorf("expected no CheckError calls, got %d", n)
	}
}

func TestLimiter_ErrorsReportedAndReturnedUnchanged(t *testing.T) {
	storeErr := errors.New("connection reset by peer")
	spec := ratelimit.Spec{Limit: 5, Window: time.Minute}

	tests := []struct {
		name string
		conn *fakeConn
		st   *errorStore
		call func(*ratelimit.Limiter) error
	}{
		{
			name: "wait ready",
			conn: &fakeConn{readyErr: storeErr},
			st:   &errorStore{segmentsErr: errors.New("must not be reached")},
			call: func(l *ratelimit.Limiter) error {
				_, err := l.Allow(context.Background(), "k", spec)
				return err
			},
		},
		{
			name: "segments",
			conn: &fakeConn{},
			st:   &errorStore{segmentsErr: storeErr},
			call: func(l *ratelimit.Limiter) error {
				_, err := l.Allow(context.Background(), "k", spec)
				return err
			},
		},
		{
			name: "record",
			conn: &fakeConn{},
			st:   &errorStore{recordErr: storeErr},
			call: func(l *ratelimit.Limiter) error {
				_, err := l.Check(context.Background(), "k", spec)
				return err
			},
		},
		{
			name: "reset",
			conn: &fakeConn{},
			st:   &errorStore{resetErr: storeErr},
			call: func(l *ratelimit.Limiter) error {
				return l.Reset(context.Background(), "k")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ratelimit.New(tt.st, ratelimit.WithConnection(tt.conn))

			err := tt.call(l)
			if err != storeErr {
				t.Errorf("error = %v, want the original error unchanged", err)
			}

			checked := tt.conn.Checked()
			if len(checked) != 1 || checked[0] != storeErr {
				t.Errorf("CheckError calls = %v, want [%v]", checked, storeErr)
			}
		})
	}
}

func TestLimiter_NoConnection(t *testing.T) {
	storeErr := errors.New("boom")
	l := ratelimit.New(&errorStore{segmentsErr: storeErr})

	ok, err := l.Allow(context.Background(), "k", ratelimit.Spec{Limit: 1, Window: time.Second})
	if ok || err != storeErr {
		t.Errorf("Allow() = %v, %v; want false, %v", ok, err, storeErr)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	mem := store.NewMemory(store.WithMemoryClock(clock.Now))
	defer mem.Close()

	st := &recordingStore{Memory: mem, t: t}
	l := ratelimit.New(st, ratelimit.WithClock(clock.Now))
	spec := ratelimit.Spec{Limit: 50, Window: time.Minute}

	const concurrency = 100

	var (
		allowed atomic.Int64
		wg      sync.WaitGroup
		startCh = make(chan struct{})
	)

	wg.Add(concurrency)
	for range concurrency {
		go func() {
			defer wg.Done()
			<-startCh
			ok, err := l.Allow(context.Background(), "shared", spec)
			if err != nil {
				t.Errorf("Allow() error = %v", err)
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}

	close(startCh)
	wg.Wait()

	// Checks are not atomic with their writes, so a burst may overshoot the
	// limit, but it can never undershoot it and every admission is recorded.
	if got := allowed.Load(); got < spec.Limit {
		t.Errorf("allowed = %d, want at least %d", got, spec.Limit)
	}
	if st.records.Load() != allowed.Load() {
		t.Errorf("records = %d, allowed = %d", st.records.Load(), allowed.Load())
	}
}

func TestLimiter_Redis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mgr, err := conn.Connect(ctx, conn.Config{URL: "redis://localhost:6379/15"})
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer mgr.Close()

	client, err := mgr.Client()
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if err := client.HPExpire(ctx, "test:ratewindow:probe", time.Second, "f").Err(); err != nil {
		t.Skip("Redis does not support hash field expiry:", err)
	}

	prefix := "test:ratewindow:" + strings.ReplaceAll(t.Name(), "/", "_") + ":"
	l := ratelimit.New(store.NewRedis(mgr), ratelimit.WithConnection(mgr), ratelimit.WithPrefix(prefix))
	spec := ratelimit.Spec{Limit: 3, Window: time.Minute}

	t.Cleanup(func() {
		l.Reset(context.Background(), "k1")
		l.Reset(context.Background(), "k2")
	})

	for i := range 3 {
		ok, err := l.Allow(ctx, "k1", spec)
		if err != nil || !ok {
			t.Fatalf("call %d: Allow() = %v, %v", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "k1", spec)
	if err != nil || ok {
		t.Fatalf("fourth Allow() = %v, %v; want denied", ok, err)
	}

	ok, err = l.Allow(ctx, "k2", spec)
	if err != nil || !ok {
		t.Fatalf("other key Allow() = %v, %v; want allowed", ok, err)
	}
}
