package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "webhook:seen"

// Deduper is a fast first-line filter for webhook redeliveries. The
// webhook log row remains the source of truth; a marker only short-circuits
// the database round trip.
type Deduper struct {
	redis redis.Cmdable
	ttl   time.Duration
}

func NewDeduper(client redis.Cmdable, ttl time.Duration) *Deduper {
	return &Deduper{redis: client, ttl: ttl}
}

// Claim sets the marker for id. It returns false when the marker already
// existed. Without redis every claim succeeds.
func (d *Deduper) Claim(ctx context.Context, id string) (bool, error) {
	if d == nil || d.redis == nil {
		return true, nil
	}
	ok, err := d.redis.SetNX(ctx, dedupKey(id), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("claim webhook marker %s: %w", id, err)
	}
	return ok, nil
}

// Release drops the marker so a failed delivery can be retried.
func (d *Deduper) Release(ctx context.Context, id string) error {
	if d == nil || d.redis == nil {
		return nil
	}
	if err := d.redis.Del(ctx, dedupKey(id)).Err(); err != nil {
		return fmt.Errorf("release webhook marker %s: %w", id, err)
	}
	return nil
}

func dedupKey(id string) string {
	return fmt.Sprintf("%s:%s", dedupKeyPrefix, id)
}
