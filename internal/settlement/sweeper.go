package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SweepConfig schedules automatic archival of settled records older than the
// cutoff. The manual archive endpoint stays available regardless; the sweeper
// just runs the same operation on a timer.
type SweepConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	CutoffDays int           `yaml:"cutoff_days"`
}

// DefaultSweepConfig returns the sweep defaults. Disabled: automatic archival
// moves records out of the active set, so operators opt in.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Enabled:    false,
		Interval:   time.Hour,
		CutoffDays: 30,
	}
}

// Sweeper drives periodic archival sweeps against a Manager.
type Sweeper struct {
	mgr *Manager
	cfg SweepConfig
}

// NewSweeper creates a sweeper. Non-positive interval or cutoff fall back to
// the defaults.
func NewSweeper(mgr *Manager, cfg SweepConfig) *Sweeper {
	def := DefaultSweepConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CutoffDays <= 0 {
		cfg.CutoffDays = def.CutoffDays
	}
	return &Sweeper{mgr: mgr, cfg: cfg}
}

// Run blocks until ctx is cancelled, sweeping once per interval. A failed
// sweep is logged and retried next tick; records stay active until a pass
// succeeds, so nothing is lost to a transient sink outage.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", sw.cfg.Interval).
		Int("cutoff_days", sw.cfg.CutoffDays).
		Msg("archival sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("archival sweeper stopped")
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	n, err := sw.mgr.Archive(ctx, sw.cfg.CutoffDays)
	if err != nil {
		log.Warn().Err(err).Int("archived", n).Msg("archival sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("archived", n).Dur("took", time.Since(start)).Msg("archival sweep")
	}
}
