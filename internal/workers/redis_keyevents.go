package workers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fleet-server/internal/cache"
	"fleet-server/internal/models"
)

// StartRedisKeyeventWorker subscribes to Redis key expiration events.
// Returns true when subscription is active.
func StartRedisKeyeventWorker(ctx context.Context, cacheClient cache.Client, store HostStore, sessions SessionChecker) bool {
	pubsub, err := cacheClient.SubscribeExpired()
	if err != nil {
		log.Warn().Err(err).Msg("Redis keyevent subscribe failed")
		return false
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				handleExpired(ctx, cacheClient, store, sessions, msg)
			}
		}
	}()

	log.Info().Msg("Redis keyevent worker started")
	return true
}

// handleExpired marks a host OFFLINE when its last-seen key lapses and no
// session is holding it up.
func handleExpired(ctx context.Context, cacheClient cache.Client, store HostStore, sessions SessionChecker, msg *redis.Message) bool {
	if msg == nil {
		return false
	}
	raw, ok := cache.HostFromLastSeenKey(msg.Payload)
	if !ok {
		return false
	}
	hostID, err := uuid.Parse(raw)
	if err != nil {
		return false
	}
	if sessions.IsConnected(hostID) {
		return false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	host, err := store.GetHost(lookupCtx, hostID)
	if err != nil {
		log.Warn().Err(err).Str("host_id", raw).Msg("Keyevent host lookup failed")
		return false
	}
	if host.Status != models.HostOnline {
		return false
	}
	return markOffline(lookupCtx, cacheClient, store, hostID)
}
