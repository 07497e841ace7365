package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/models"
)

// redisStreamMaxLen caps each per-server stream. Approximate trimming
// keeps XADD cheap; retention pruning handles the time dimension.
const redisStreamMaxLen = 10000

// RedisSink appends samples to one stream per server. Stream entry IDs
// are insertion times, which track sample times to within the flush
// interval, close enough for retention trimming.
type RedisSink struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisSink(client *redis.Client, log zerolog.Logger) *RedisSink {
	return &RedisSink{client: client, log: log}
}

func sampleStreamKey(serverID string) string {
	return "cwatcher:samples:" + serverID
}

// Ping verifies connectivity at startup so a bad redis URL fails fast.
func (r *RedisSink) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classifyRedis(err)
	}
	r.log.Info().Msg("redis sink ready")
	return nil
}

func (r *RedisSink) WriteBatch(ctx context.Context, samples []*models.MetricsSample) error {
	if len(samples) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, sample := range samples {
		payload, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("%w: encode sample: %v", ErrSinkFatal, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: sampleStreamKey(sample.ServerID),
			MaxLen: redisStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"ts":      sample.Timestamp,
				"payload": payload,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedis(err)
	}
	return nil
}

// Prune trims every sample stream below the cutoff time.
func (r *RedisSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	minID := strconv.FormatInt(before.UnixMilli(), 10)
	var total int64

	iter := r.client.Scan(ctx, 0, sampleStreamKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.XTrimMinID(ctx, iter.Val(), minID).Result()
		if err != nil {
			return total, classifyRedis(err)
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return total, classifyRedis(err)
	}
	return total, nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}

// classifyRedis sorts redis failures: server-side command errors will
// not heal on retry, network and timeout trouble will.
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return fmt.Errorf("%w: %v", ErrSinkFatal, err)
	}
	return fmt.Errorf("%w: %v", ErrSinkRetryable, err)
}
