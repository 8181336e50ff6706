// Package server exposes the limiter over HTTP so services that do not link
// the Go package can ask for decisions.
package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"github.com/sirupsen/logrus"

	"github.com/nhalm/ratewindow/auth"
	"github.com/nhalm/ratewindow/bind"
	"github.com/nhalm/ratewindow/config"
	"github.com/nhalm/ratewindow/conn"
	"github.com/nhalm/ratewindow/ratelimit"
	"github.com/nhalm/ratewindow/slo"
	"github.com/nhalm/ratewindow/wrapper"
)

// Health reports on the Redis connection. *conn.Manager implements it.
type Health interface {
	Healthcheck(ctx context.Context) error
	Stats() conn.Stats
}

// Server routes limit checks to a Limiter.
type Server struct {
	limiter    *ratelimit.Limiter
	policies   config.Policies
	health     Health
	logger     *logrus.Entry
	selfPolicy string
	admin      *auth.Tokens
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for request-independent events.
func WithLogger(logger *logrus.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSelfPolicy rate limits the /v1 API itself per client IP using the
// named policy.
func WithSelfPolicy(name string) Option {
	return func(s *Server) {
		s.selfPolicy = name
	}
}

// WithAdminTokens requires one of tokens as a bearer token on resets. Without
// it resets are open to any caller.
func WithAdminTokens(tokens ...string) Option {
	return func(s *Server) {
		s.admin = auth.NewTokens(tokens...)
	}
}

// New creates a Server.
func New(limiter *ratelimit.Limiter, policies config.Policies, health Health, opts ...Option) *Server {
	s := &Server{
		limiter:  limiter,
		policies: policies,
		health:   health,
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decision is the body returned for a limit check.
type Decision struct {
	Policy       string    `json:"policy"`
	Key          string    `json:"key"`
	Allowed      bool      `json:"allowed"`
	Limit        int64     `json:"limit"`
	Count        int64     `json:"count"`
	Remaining    int64     `json:"remaining"`
	RetryAfterMS int64     `json:"retry_after_ms"`
	Reset        time.Time `json:"reset"`
}

type policyView struct {
	Name     string `json:"name"`
	Limit    int64  `json:"limit"`
	Window   string `json:"window"`
	Segments int64  `json:"segments"`
}

type healthView struct {
	Status string     `json:"status"`
	Redis  conn.Stats `json:"redis"`
}

// Routes builds the HTTP handler.
//
//	GET    /healthz
//	GET    /v1/policies
//	POST   /v1/check                   same as below, policy and key in a JSON body
//	POST   /v1/limits/{policy}/{key}   check and record one request
//	DELETE /v1/limits/{policy}/{key}   forget every request for key (admin)
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(wrapper.New(
		wrapper.WithCanonlog(),
		wrapper.WithSLOs(),
		wrapper.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"request_id": r.Header.Get("X-Request-ID")}
		}),
	))

	r.With(slo.Track(slo.Probe)).Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		if p, ok := s.policies[s.selfPolicy]; ok {
			mw := ratelimit.NewMiddleware(s.limiter, p.Spec(),
				ratelimit.WithName("self/"+s.selfPolicy),
				ratelimit.WithIP(),
			)
			r.Use(mw.Handler)
		} else if s.selfPolicy != "" {
			s.logger.WithField("policy", s.selfPolicy).Warn("self rate limit policy not found, API is unprotected")
		}

		r.With(slo.Track(slo.Admin)).Get("/policies", s.listPolicies)
		r.With(slo.Track(slo.Decision)).Post("/check", s.checkBody)
		r.With(slo.Track(slo.Decision)).Post("/limits/{policy}/{key}", s.check)
		r.With(slo.Track(slo.Admin), s.requireAdmin).Delete("/limits/{policy}/{key}", s.reset)
	})

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		wrapper.SetError(r, wrapper.ErrNotFound)
	})
	return r
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	if s.admin == nil || s.admin.Empty() {
		return next
	}
	return auth.Bearer(s.admin)(next)
}

func (s *Server) healthz(_ http.ResponseWriter, r *http.Request) {
	view := healthView{Status: "ok", Redis: s.health.Stats()}
	if err := s.health.Healthcheck(r.Context()); err != nil {
		canonlog.ErrorAdd(r.Context(), err)
		view.Status = "unavailable"
		wrapper.SetResponse(r, http.StatusServiceUnavailable, view)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, view)
}

func (s *Server) listPolicies(_ http.ResponseWriter, r *http.Request) {
	views := make([]policyView, 0, len(s.policies))
	for _, name := range s.policies.Names() {
		spec := s.policies[name].Spec()
		views = append(views, policyView{
			Name:     name,
			Limit:    spec.Limit,
			Window:   spec.Window.String(),
			Segments: spec.Segments(),
		})
	}
	wrapper.SetResponse(r, http.StatusOK, views)
}

// CheckRequest is the body of POST /v1/check. Keys may hold characters that
// cannot appear in a URL path segment.
type CheckRequest struct {
	Policy string `json:"policy" validate:"required,max=64"`
	Key    string `json:"key" validate:"required,max=512"`
}

// lookup resolves the policy and key URL params, or sets an error.
func (s *Server) lookup(r *http.Request) (string, string, config.Policy, bool) {
	return s.resolve(r, chi.URLParam(r, "policy"), chi.URLParam(r, "key"))
}

func (s *Server) resolve(r *http.Request, name, key string) (string, string, config.Policy, bool) {
	policy, ok := s.policies[name]
	if !ok {
		wrapper.SetError(r, wrapper.ErrNotFound.WithParam("Unknown policy", "policy"))
		return "", "", config.Policy{}, false
	}
	if key == "" {
		wrapper.SetError(r, wrapper.ErrBadRequest.WithParam("Key is required", "key"))
		return "", "", config.Policy{}, false
	}
	canonlog.InfoAddMany(r.Context(), map[string]any{"policy": name, "key": key})
	return name, key, policy, true
}

func (s *Server) checkBody(_ http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !bind.JSON(r, &req) {
		return
	}
	name, key, policy, ok := s.resolve(r, req.Policy, req.Key)
	if !ok {
		return
	}
	s.decide(r, name, key, policy)
}

func (s *Server) check(_ http.ResponseWriter, r *http.Request) {
	name, key, policy, ok := s.lookup(r)
	if !ok {
		return
	}
	s.decide(r, name, key, policy)
}

func (s *Server) decide(r *http.Request, name, key string, policy config.Policy) {
	res, err := s.limiter.Check(r.Context(), storageKey(name, key), policy.Spec())
	if err != nil {
		setLimiterError(r, err)
		return
	}

	wrapper.SetHeader(r, "RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	wrapper.SetHeader(r, "RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	wrapper.SetHeader(r, "RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	if !res.Allowed {
		wrapper.SetHeader(r, "Retry-After", strconv.Itoa(max(1, int(math.Ceil(res.RetryAfter.Seconds())))))
	}
	canonlog.InfoAdd(r.Context(), "allowed", res.Allowed)

	// Denials are still 200; Allowed carries the decision.
	wrapper.SetResponse(r, http.StatusOK, Decision{
		Policy:       name,
		Key:          key,
		Allowed:      res.Allowed,
		Limit:        res.Limit,
		Count:        res.Count,
		Remaining:    res.Remaining,
		RetryAfterMS: res.RetryAfter.Milliseconds(),
		Reset:        res.Reset.UTC(),
	})
}

func (s *Server) reset(_ http.ResponseWriter, r *http.Request) {
	name, key, _, ok := s.lookup(r)
	if !ok {
		return
	}
	if err := s.limiter.Reset(r.Context(), storageKey(name, key)); err != nil {
		setLimiterError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusNoContent, nil)
}

// storageKey scopes keys by policy. Policy names never contain "/", so
// these cannot collide with the self/ middleware keys.
func storageKey(policy, key string) string {
	return policy + ":" + key
}

func setLimiterError(r *http.Request, err error) {
	canonlog.ErrorAdd(r.Context(), err)
	if ratelimit.IsUnavailable(err) {
		wrapper.SetError(r, wrapper.ErrServiceUnavailable.With("Rate limit store unavailable"))
		return
	}
	wrapper.SetError(r, wrapper.ErrInternal.With("Rate limit check failed"))
}
