package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dense-identity/callfwd/internal/carrier"
	"github.com/dense-identity/callfwd/internal/forwarding"
	"github.com/dense-identity/callfwd/internal/store"
)

// Forwarding is the daemon configuration, read from the environment.
type Forwarding struct {
	// Destination the carrier forwards to
	Number    string `env:"FORWARDING_NUMBER,required"`
	CarrierID string `env:"FORWARDING_CARRIER" envDefault:"default"`

	// Timing
	VerifyDelay      time.Duration `env:"FORWARDING_VERIFY_DELAY" envDefault:"4s"`
	AbandonAfter     time.Duration `env:"FORWARDING_ABANDON_AFTER" envDefault:"30s"`
	PollInterval     time.Duration `env:"FORWARDING_POLL_INTERVAL" envDefault:"10s"`
	PollMinSpacing   time.Duration `env:"FORWARDING_POLL_MIN_SPACING" envDefault:"5s"`
	MismatchCooldown time.Duration `env:"FORWARDING_MISMATCH_COOLDOWN" envDefault:"2m"`

	// Verification
	Supported    bool  `env:"FORWARDING_SUPPORTED" envDefault:"true"`
	ForceSuccess bool  `env:"FORWARDING_FORCE_SUCCESS" envDefault:"false"`
	RandomSeed   int64 `env:"FORWARDING_RANDOM_SEED" envDefault:"0"`

	// Persistence
	StoreBackend  string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisUser     string `env:"REDIS_USER"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"callfwd:forwarding:v1"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"forwarding.db"`

	// Cross-process event mirror; empty disables it
	EventsChannel string `env:"EVENTS_CHANNEL"`

	// Endpoints
	BaresipAddr string `env:"BARESIP_ADDR" envDefault:"127.0.0.1:4444"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8085"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":50061"`

	Verbose bool `env:"VERBOSE" envDefault:"false"`
}

func (c *Forwarding) Validate() error {
	if c == nil {
		return fmt.Errorf("forwarding config is nil")
	}
	if strings.TrimSpace(c.Number) == "" {
		return fmt.Errorf("FORWARDING_NUMBER is required")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"FORWARDING_VERIFY_DELAY", c.VerifyDelay},
		{"FORWARDING_ABANDON_AFTER", c.AbandonAfter},
		{"FORWARDING_POLL_INTERVAL", c.PollInterval},
		{"FORWARDING_POLL_MIN_SPACING", c.PollMinSpacing},
		{"FORWARDING_MISMATCH_COOLDOWN", c.MismatchCooldown},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.d)
		}
	}
	if c.AbandonAfter <= c.VerifyDelay {
		return fmt.Errorf("FORWARDING_ABANDON_AFTER (%v) must exceed FORWARDING_VERIFY_DELAY (%v)",
			c.AbandonAfter, c.VerifyDelay)
	}

	switch strings.ToLower(strings.TrimSpace(c.StoreBackend)) {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// ControllerConfig maps the env settings onto the controller's timing policy.
func (c *Forwarding) ControllerConfig() forwarding.Config {
	id := strings.TrimSpace(c.CarrierID)
	if id == "" {
		id = carrier.DefaultID
	}
	return forwarding.Config{
		CarrierID:        id,
		VerifyDelay:      c.VerifyDelay,
		AbandonAfter:     c.AbandonAfter,
		PollInterval:     c.PollInterval,
		PollMinSpacing:   c.PollMinSpacing,
		MismatchCooldown: c.MismatchCooldown,
		Supported:        c.Supported,
		Verbose:          c.Verbose,
	}
}

func (c *Forwarding) StoreOptions() store.Options {
	return store.Options{
		Backend: c.StoreBackend,
		Redis: store.RedisOptions{
			Addr:     c.RedisAddr,
			Username: c.RedisUser,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Prefix:   c.RedisPrefix,
		},
		SQLitePath: c.SQLitePath,
	}
}
