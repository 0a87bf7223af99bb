package session

import (
	"context"
	"time"

	"github.com/haven/support-chat/internal/logging"
)

// DefaultReapInterval is how often expired sessions are reclaimed.
const DefaultReapInterval = time.Minute

// StartReaper runs Reclaim on every tick until ctx is cancelled.
func StartReaper(ctx context.Context, o *Orchestrator, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	log := logging.Component("reaper")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper loop stopped")
			return
		case <-ticker.C:
			stats, err := o.Reclaim(ctx)
			if err != nil {
				log.Error().Err(err).Msg("reclaim failed")
				continue
			}
			if stats.Ended > 0 || stats.Purged > 0 {
				log.Info().Int("ended", stats.Ended).Int64("purged", stats.Purged).Msg("reclaimed expired sessions")
			}
		}
	}
}
