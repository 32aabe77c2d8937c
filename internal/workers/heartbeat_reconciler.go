package workers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleet-server/internal/cache"
	"fleet-server/internal/models"
)

const reconcileInterval = 60 * time.Second

type HostStore interface {
	ListHosts(ctx context.Context) ([]models.Host, error)
	GetHost(ctx context.Context, id uuid.UUID) (*models.Host, error)
	UpdateHostStatus(ctx context.Context, id uuid.UUID, status models.HostStatus, osType string) error
}

// SessionChecker reports whether the server holds a live channel to a host.
type SessionChecker interface {
	IsConnected(hostID uuid.UUID) bool
}

// StartHeartbeatReconciler periodically marks ONLINE hosts OFFLINE once they
// have been silent for longer than their heartbeat window.
func StartHeartbeatReconciler(ctx context.Context, cacheClient cache.Client, store HostStore, sessions SessionChecker) {
	go func() {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reconcileOnce(ctx, cacheClient, store, sessions, time.Now())
			}
		}
	}()
	log.Info().Dur("interval", reconcileInterval).Msg("Heartbeat reconciler started")
}

func reconcileOnce(ctx context.Context, cacheClient cache.Client, store HostStore, sessions SessionChecker, now time.Time) int {
	hosts, err := store.ListHosts(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Heartbeat reconciler list hosts failed")
		return 0
	}

	marked := 0
	for i := range hosts {
		host := &hosts[i]
		if host.Status != models.HostOnline || sessions.IsConnected(host.ID) {
			continue
		}
		if !stale(cacheClient, host, now) {
			continue
		}
		if markOffline(ctx, cacheClient, store, host.ID) {
			marked++
		}
	}
	return marked
}

// stale prefers the cached last-seen time and falls back to the stored one.
func stale(cacheClient cache.Client, host *models.Host, now time.Time) bool {
	lastSeen, err := cacheClient.GetLastSeen(host.ID.String())
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			log.Warn().Err(err).Str("host_id", host.ID.String()).Msg("Heartbeat reconciler cache error")
		}
		if host.LastHeartbeat == nil {
			return true
		}
		lastSeen = *host.LastHeartbeat
	}
	return now.Sub(lastSeen) > host.HeartbeatWindow()
}

func markOffline(ctx context.Context, cacheClient cache.Client, store HostStore, hostID uuid.UUID) bool {
	if err := store.UpdateHostStatus(ctx, hostID, models.HostOffline, ""); err != nil {
		log.Warn().Err(err).Str("host_id", hostID.String()).Msg("Mark host offline failed")
		return false
	}
	if err := cacheClient.SetStatus(hostID.String(), string(models.HostOffline)); err != nil {
		log.Warn().Err(err).Str("host_id", hostID.String()).Msg("SetStatus offline failed")
	}
	log.Info().Str("host_id", hostID.String()).Msg("Host heartbeat expired, marked OFFLINE")
	return true
}
