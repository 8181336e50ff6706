// Package auth guards the limit service's administrative routes with static
// bearer tokens.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/nhalm/ratewindow/wrapper"
)

// Tokens holds the accepted bearer tokens.
type Tokens struct {
	tokens [][]byte
}

// NewTokens returns the set of non-empty tokens.
func NewTokens(tokens ...string) *Tokens {
	t := &Tokens{}
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			t.tokens = append(t.tokens, []byte(tok))
		}
	}
	return t
}

// Empty reports whether no token is configured.
func (t *Tokens) Empty() bool {
	return len(t.tokens) == 0
}

// Valid compares token against every configured token in constant time.
func (t *Tokens) Valid(token string) bool {
	match := 0
	for _, want := range t.tokens {
		match |= subtle.ConstantTimeCompare([]byte(token), want)
	}
	return match == 1
}

// Bearer returns middleware that requires "Authorization: Bearer <token>"
// with one of the configured tokens. With no tokens configured every request
// is rejected.
func Bearer(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				reject(w, r, "Missing authorization header")
				return
			}

			const prefix = "Bearer "
			if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
				reject(w, r, "Invalid authorization format")
				return
			}

			if !tokens.Valid(strings.TrimSpace(header[len(prefix):])) {
				reject(w, r, "Invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, msg string) {
	if wrapper.HasState(r.Context()) {
		wrapper.SetHeader(r, "WWW-Authenticate", `Bearer realm="ratewindow"`)
		wrapper.SetError(r, wrapper.ErrUnauthorized.With(msg))
		return
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="ratewindow"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
