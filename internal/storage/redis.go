package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthbridge/ahi-uploader/internal/models"
)

const (
	// SnapshotTTL is the time-to-live for the cached study snapshot
	SnapshotTTL = 5 * time.Minute

	snapshotKey = "studies:snapshot"
)

// StatusCache keeps the latest published study snapshot in Redis so the
// UI can poll cheaply and a restarted server can show last-known state.
type StatusCache struct {
	client *redis.Client
}

// NewStatusCache initializes a new Redis-backed status cache
func NewStatusCache(addr, password string, db int) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &StatusCache{client: client}, nil
}

// Close closes the Redis connection
func (sc *StatusCache) Close() error {
	return sc.client.Close()
}

// SetSnapshot stores the study snapshot with tracing
func (sc *StatusCache) SetSnapshot(ctx context.Context, studies []*models.Study) error {
	ctx, span := tracer.Start(ctx, "redis.set_snapshot",
		trace.WithAttributes(
			attribute.Int("study_count", len(studies)),
		),
	)
	defer span.End()

	data, err := json.Marshal(studies)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := sc.client.Set(ctx, snapshotKey, data, SnapshotTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set snapshot: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(SnapshotTTL.Seconds())))
	return nil
}

// GetSnapshot retrieves the last published snapshot. A cache miss
// returns nil, nil.
func (sc *StatusCache) GetSnapshot(ctx context.Context) ([]*models.Study, error) {
	ctx, span := tracer.Start(ctx, "redis.get_snapshot")
	defer span.End()

	data, err := sc.client.Get(ctx, snapshotKey).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var studies []*models.Study
	if err := json.Unmarshal([]byte(data), &studies); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return studies, nil
}

// InvalidateSnapshot removes the cached snapshot
func (sc *StatusCache) InvalidateSnapshot(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_snapshot")
	defer span.End()

	if err := sc.client.Del(ctx, snapshotKey).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate snapshot: %w", err)
	}

	return nil
}
