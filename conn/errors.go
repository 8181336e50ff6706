package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors returned by Manager. Check with errors.Is.
var (
	ErrInvalidConfig     = errors.New("invalid redis connection config")
	ErrConnect           = errors.New("failed to connect to redis")
	ErrNotInitialized    = errors.New("redis connection not initialized")
	ErrManagerClosed     = errors.New("redis connection manager closed")
	ErrHealthcheckFailed = errors.New("redis healthcheck failed")
)

// Kind classifies an error returned by a Redis operation.
type Kind int

const (
	// KindOther covers server replies, cancellations and anything not caused
	// by the transport.
	KindOther Kind = iota

	// KindTransport means the socket under the connection failed: resets,
	// refusals, broken pipes, unexpected EOFs and network timeouts.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	default:
		return "other"
	}
}

var transportErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// Classify reports whether err looks like a dropped transport connection.
// Errors that carry a Redis server reply are never transport errors, even
// when the reply itself describes a connection problem.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindOther
	}

	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return KindOther
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return KindTransport
	}
	for _, errno := range transportErrnos {
		if errors.Is(err, errno) {
			return KindTransport
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransport
	}
	return KindOther
}
