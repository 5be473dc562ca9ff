// Package sweeper marks devices offline when their heartbeats stop arriving.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Threshold is how long a device may go without an accepted heartbeat before
// a sweep flips it offline.
const Threshold = 120 * time.Second

// ErrSweepFailed is returned when the bulk status update fails. The update is
// atomic: on failure no device has been marked offline.
var ErrSweepFailed = errors.New("offline sweep failed")

// Store is the registry surface the sweeper needs.
type Store interface {
	SweepOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the configuration for the Sweeper.
type Config struct {
	Logger *slog.Logger
	Store  Store

	// Now is the clock used to compute the cutoff. Defaults to time.Now.
	Now func() time.Time
}

// Sweeper runs offline sweeps. It never schedules itself; each Run is one
// sweep triggered by an external scheduler (HTTP endpoint or cron).
type Sweeper struct {
	logger *slog.Logger
	store  Store
	now    func() time.Time
}

// New creates a new Sweeper instance.
func New(cfg *Config) (*Sweeper, error) {
	if cfg == nil {
		return nil, errors.New("sweeper config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Sweeper{
		logger: cfg.Logger,
		store:  cfg.Store,
		now:    now,
	}, nil
}

// Run executes one sweep: every online device whose last_seen_at is strictly
// older than now minus Threshold flips to offline. Returns the number of
// devices flipped. Running twice with no intervening heartbeats processes
// zero devices on the second run.
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-Threshold)

	processed, err := s.store.SweepOffline(ctx, cutoff)
	if err != nil {
		s.logger.Error("offline sweep failed", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrSweepFailed, err)
	}

	if processed > 0 {
		s.logger.Info("marked stale devices offline",
			"processed", processed,
			"cutoff", cutoff,
		)
	}
	return processed, nil
}
