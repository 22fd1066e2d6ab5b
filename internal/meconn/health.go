package meconn

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telemt/meproxy/internal/metrics"
)

// DefaultHealthInterval is the floor-check period (spec §4.J: "Every
// 30 s").
const DefaultHealthInterval = 30 * time.Second

// HealthMonitor periodically checks the pool against its configured
// minimum size and reconnects to restore the floor (spec §4.J).
type HealthMonitor struct {
	pool     *Pool
	minSize  int
	interval time.Duration
}

// NewHealthMonitor builds a HealthMonitor for pool, targeting minSize
// live connections, checked every DefaultHealthInterval.
func NewHealthMonitor(pool *Pool, minSize int) *HealthMonitor {
	return &HealthMonitor{pool: pool, minSize: minSize, interval: DefaultHealthInterval}
}

// Run blocks, performing a floor check on every tick, until ctx is
// cancelled.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkOnce(ctx)
		}
	}
}

// checkOnce restores the pool to its minimum size, retrying with
// exponential backoff bounded to one check interval so a stuck endpoint
// list never blocks the next tick indefinitely.
func (h *HealthMonitor) checkOnce(ctx context.Context) {
	if h.pool.ConnectionCount() >= h.minSize {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = h.interval

	err := backoff.Retry(func() error {
		before := h.pool.ConnectionCount()
		h.pool.growToward(ctx, h.minSize)
		after := h.pool.ConnectionCount()
		if after < h.minSize {
			if after == before {
				metrics.ReconnectAttemptsTotal.WithLabelValues("failure").Inc()
			}
			return fmt.Errorf("pool size %d below minimum %d", after, h.minSize)
		}
		metrics.ReconnectAttemptsTotal.WithLabelValues("success").Inc()
		return nil
	}, backoff.WithContext(b, ctx))

	if err != nil {
		logger.Debug("health monitor could not restore pool floor this cycle", "size", h.pool.ConnectionCount(), "min", h.minSize, "err", err)
	} else {
		logger.Info("health monitor restored pool floor", "size", h.pool.ConnectionCount())
	}
}
