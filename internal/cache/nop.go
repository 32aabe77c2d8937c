package cache

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nop is used when no Redis URL is configured. Reads always miss and
// rate-limit counters never advance.
type Nop struct{}

func (Nop) SetLastSeen(string, time.Time, time.Duration) error { return nil }
func (Nop) GetLastSeen(string) (time.Time, error)              { return time.Time{}, ErrMiss }
func (Nop) SetStatus(string, string) error                     { return nil }
func (Nop) GetStatus(string) (string, error)                   { return "", ErrMiss }
func (Nop) IncrWithTTL(string, time.Duration) (int64, error)   { return 0, nil }
func (Nop) Close() error                                       { return nil }

func (Nop) SubscribeExpired() (*redis.PubSub, error) {
	return nil, errors.New("cache disabled")
}
