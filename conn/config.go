package conn

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultDroppedConnectionGracePeriod    = 30 * time.Second
	DefaultDroppedConnectionEpisodeTimeout = 60 * time.Second
	DefaultMinForcedReconnectionInterval   = 60 * time.Second
	DefaultReconnectLockTimeout            = 15 * time.Second
	DefaultConnectTimeout                  = 5 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the Redis connection string and the thresholds that govern
// forced reconnection. Populate it with env.Parse or by hand; zero durations
// fall back to the package defaults.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string `env:"REDIS_URL,required" validate:"required"`

	// DroppedConnectionGracePeriod is how long a run of transport errors must
	// last before the connection is replaced.
	DroppedConnectionGracePeriod time.Duration `env:"REDIS_DROPPED_CONNECTION_GRACE_PERIOD" envDefault:"30s" validate:"gte=0s"`

	// DroppedConnectionEpisodeTimeout is the longest silent gap allowed between
	// two errors of the same episode.
	DroppedConnectionEpisodeTimeout time.Duration `env:"REDIS_DROPPED_CONNECTION_EPISODE_TIMEOUT" envDefault:"60s" validate:"gte=0s"`

	// MinForcedReconnectionInterval caps how often the connection is replaced.
	MinForcedReconnectionInterval time.Duration `env:"REDIS_MIN_FORCED_RECONNECTION_INTERVAL" envDefault:"60s" validate:"gte=0s"`

	// ReconnectLockTimeout bounds the wait for the reconnect lock.
	ReconnectLockTimeout time.Duration `env:"REDIS_RECONNECT_LOCK_TIMEOUT" envDefault:"15s" validate:"gte=0s"`

	// ConnectTimeout bounds each dial, including the initial one.
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"5s" validate:"gte=0s"`
}

func (c Config) withDefaults() Config {
	if c.DroppedConnectionGracePeriod == 0 {
		c.DroppedConnectionGracePeriod = DefaultDroppedConnectionGracePeriod
	}
	if c.DroppedConnectionEpisodeTimeout == 0 {
		c.DroppedConnectionEpisodeTimeout = DefaultDroppedConnectionEpisodeTimeout
	}
	if c.MinForcedReconnectionInterval == 0 {
		c.MinForcedReconnectionInterval = DefaultMinForcedReconnectionInterval
	}
	if c.ReconnectLockTimeout == 0 {
		c.ReconnectLockTimeout = DefaultReconnectLockTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// Validate checks field constraints and that URL parses as a Redis URL.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := redis.ParseURL(c.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) redisOptions() (*redis.Options, error) {
	return redis.ParseURL(c.URL)
}
