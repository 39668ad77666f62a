package maintenance

import (
	"context"
	"log/slog"
	"time"

	"authdesk/internal/service"
)

const (
	DefaultInterval = 10 * time.Minute
	tickTimeout     = 30 * time.Second
)

type Purger interface {
	Purge(ctx context.Context) (service.PurgeReport, error)
}

// Run purges expired records every interval until ctx is done. It runs one
// pass immediately so a restart does not wait a full interval.
func Run(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "maintenance")
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	runOnce(ctx, p, logger)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce(ctx, p, logger)
		}
	}
}

func runOnce(ctx context.Context, p Purger, logger *slog.Logger) {
	tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()
	rep, err := p.Purge(tickCtx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("purge failed", "error", err)
		}
		return
	}
	if rep.Total() > 0 {
		logger.Info("purged expired records",
			"tokens", rep.Tokens,
			"codes", rep.Codes,
			"share_requests", rep.ShareRequests)
	}
}
