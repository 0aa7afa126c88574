package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("ratelimit: counter store is required")
	errMissingKey   = errors.New("ratelimit: key is required")
)

// CounterStore is the external shared counter backing the limiter. Get
// returns zero for unknown keys; SetWithTTL stores a value that expires at
// the window boundary.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, error)
	SetWithTTL(ctx context.Context, key string, value int64, ttl time.Duration) error
}

// Config describes the inputs required to build a Limiter.
type Config struct {
	Store  CounterStore
	Limit  int64
	Window time.Duration
	Logger *zap.Logger
}

// Limiter admits connections using fixed-window counting. Denials do not
// increment the counter, so a rejected client does not extend its own window.
type Limiter struct {
	store  CounterStore
	limit  int64
	window time.Duration
	logger *zap.Logger
}

// New constructs a Limiter with the provided configuration.
func New(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: cfg.Store, limit: limit, window: window, logger: logger}, nil
}

// CheckAndIncrement reports whether the key is admitted within the current
// window and, if so, records the attempt.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string) (bool, int64, error) {
	if key == "" {
		return false, 0, errMissingKey
	}
	current, err := l.store.Get(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if current >= l.limit {
		l.logger.Debug("connection rate limited",
			zap.String("key", key),
			zap.Int64("count", current))
		return false, current, nil
	}
	if err := l.store.SetWithTTL(ctx, key, current+1, l.window); err != nil {
		return false, current, err
	}
	return true, current + 1, nil
}
