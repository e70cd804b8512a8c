package persister

import (
	"context"
	"time"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/store"
)

// Pruner periodically removes documents older than the retention window
type Pruner struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	log       *log.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewPruner creates a pruner. A zero retention disables it.
func NewPruner(s store.Store, retention, interval time.Duration, logger *log.Logger, m *metrics.Metrics) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{store: s, retention: retention, interval: interval, log: logger, metrics: m, now: time.Now}
}

// Enabled reports whether a retention window is configured
func (p *Pruner) Enabled() bool {
	return p.retention > 0
}

// Run prunes once immediately and then on every tick until ctx is cancelled
func (p *Pruner) Run(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.log.Info("Pruning documents older than %s every %s", p.retention, p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PruneOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce deletes every document older than the retention window
func (p *Pruner) PruneOnce(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	removed, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune documents: %v", err)
		return 0
	}

	if removed > 0 {
		p.log.Info("Pruned %d documents older than %s", removed, cutoff.UTC().Format(time.RFC3339))
		p.metrics.Pruned(removed)
	}
	return removed
}
