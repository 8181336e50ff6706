// Package config loads ratewindowd settings from the environment and limit
// policies from a YAML file.
//
// A .env file in the working directory is loaded first when present; real
// environment variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nhalm/ratewindow/conn"
	"github.com/nhalm/ratewindow/ratelimit"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrNoPolicies    = errors.New("no rate limit policies defined")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Server holds HTTP service settings.
type Server struct {
	Addr            string        `env:"RATEWINDOW_ADDR" envDefault:":8080" validate:"required"`
	ShutdownTimeout time.Duration `env:"RATEWINDOW_SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0s"`
	PoliciesPath    string        `env:"RATEWINDOW_POLICIES" envDefault:"./policies.yaml" validate:"required"`
	KeyPrefix       string        `env:"RATEWINDOW_KEY_PREFIX" envDefault:"ratelimit:"`
	LogLevel        string        `env:"RATEWINDOW_LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn warning error"`
	LogFormat       string        `env:"RATEWINDOW_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	SelfPolicy      string        `env:"RATEWINDOW_SELF_POLICY"`
	AdminTokens     []string      `env:"RATEWINDOW_ADMIN_TOKENS" envSeparator:","`
}

// Config is the full process configuration.
type Config struct {
	Server   Server
	Redis    conn.Config
	Policies Policies
}

// Policy is one named limit as written in the policies file.
type Policy struct {
	Limit    int64         `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
	Segments int           `yaml:"segments"`
}

// Spec converts the policy to a limiter spec.
func (p Policy) Spec() ratelimit.Spec {
	return ratelimit.Spec{
		Limit:             p.Limit,
		Window:            p.Window,
		SegmentsPerWindow: p.Segments,
	}
}

// Policies maps policy names to limits.
type Policies map[string]Policy

// Names returns the policy names in sorted order.
func (p Policies) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type policyFile struct {
	Policies Policies `yaml:"policies"`
}

// Load reads .env (if present), parses the environment and loads the
// policies file named by RATEWINDOW_POLICIES.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: load .env: %w", ErrInvalidConfig, err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := validate.Struct(cfg.Server); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Redis.Validate(); err != nil {
		return Config{}, err
	}

	policies, err := LoadPolicies(cfg.Server.PoliciesPath)
	if err != nil {
		return Config{}, err
	}
	if p := cfg.Server.SelfPolicy; p != "" {
		if _, ok := policies[p]; !ok {
			return Config{}, fmt.Errorf("%w: self policy %q is not defined", ErrInvalidConfig, p)
		}
	}
	cfg.Policies = policies
	return cfg, nil
}

// LoadPolicies reads and validates a policies file:
//
//	policies:
//	  login:
//	    limit: 5
//	    window: 1m
//	  api:
//	    limit: 1000
//	    window: 1h
//	    segments: 60
func LoadPolicies(path string) (Policies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse policies file: %w", ErrInvalidConfig, err)
	}
	if len(file.Policies) == 0 {
		return nil, ErrNoPolicies
	}

	for _, name := range file.Policies.Names() {
		if err := validate.Var(name, "required,max=64,printascii,excludesall=/"); err != nil {
			return nil, fmt.Errorf("%w: policy name %q: %w", ErrInvalidConfig, name, err)
		}
		if err := file.Policies[name].Spec().Validate(); err != nil {
			return nil, fmt.Errorf("%w: policy %q: %w", ErrInvalidConfig, name, err)
		}
	}
	return file.Policies, nil
}
