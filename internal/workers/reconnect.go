package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Reconnector interface {
	ReconnectAll()
}

// StartReconnectLoop re-establishes every agent channel on each tick.
func StartReconnectLoop(ctx context.Context, interval time.Duration, r Reconnector) {
	if interval <= 0 {
		log.Warn().Msg("Reconnect loop disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReconnectAll()
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("Reconnect loop started")
}
