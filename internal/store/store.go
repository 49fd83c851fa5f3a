// Package store persists the durable half of the forwarding state: the
// user's enabled flag and the last status-check time.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys written by the forwarding engine. Values are plain strings so any
// key/value backend can hold them.
const (
	KeyEnabled     = "inboundForwardingEnabled"
	KeyLastChecked = "lastCallForwardingStatusCheck"
)

// KV is a durable string key/value store. Get reports found=false for a
// missing key without an error.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Backend is a KV that owns a connection or file handle.
type Backend interface {
	KV
	Close() error
}

// Persisted is the durable forwarding state.
type Persisted struct {
	Enabled     bool
	LastChecked time.Time
}

// Load reads the durable state. Missing keys yield zero values; malformed
// values are reported as errors.
func Load(ctx context.Context, kv KV) (Persisted, error) {
	var p Persisted

	raw, ok, err := kv.Get(ctx, KeyEnabled)
	if err != nil {
		return p, fmt.Errorf("reading %s: %w", KeyEnabled, err)
	}
	if ok {
		switch strings.TrimSpace(raw) {
		case "true":
			p.Enabled = true
		case "false", "":
		default:
			return p, fmt.Errorf("invalid %s value %q", KeyEnabled, raw)
		}
	}

	raw, ok, err = kv.Get(ctx, KeyLastChecked)
	if err != nil {
		return p, fmt.Errorf("reading %s: %w", KeyLastChecked, err)
	}
	if ok && strings.TrimSpace(raw) != "" {
		ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return p, fmt.Errorf("invalid %s value %q: %w", KeyLastChecked, raw, err)
		}
		p.LastChecked = time.UnixMilli(ms)
	}

	return p, nil
}

// SaveEnabled writes the enabled flag as "true" or "false".
func SaveEnabled(ctx context.Context, kv KV, enabled bool) error {
	return kv.Set(ctx, KeyEnabled, strconv.FormatBool(enabled))
}

// SaveLastChecked writes ts as epoch milliseconds.
func SaveLastChecked(ctx context.Context, kv KV, ts time.Time) error {
	return kv.Set(ctx, KeyLastChecked, strconv.FormatInt(ts.UnixMilli(), 10))
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend    string // memory|redis|sqlite
	Redis      RedisOptions
	SQLitePath string
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, opts.Redis)
	case "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
