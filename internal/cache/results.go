// Package cache keeps recent performance-test results in Redis so tenants
// can fetch them again without spending quota.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/auth"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no live entry exists.
var ErrMiss = errors.New("cache: miss")

const DefaultTTL = 24 * time.Hour

type ResultCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// Connect parses a redis:// URL and checks the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewResultCache(client *redis.Client, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{redis: client, ttl: ttl}
}

func resultKey(tenantID int64, id uuid.UUID) string {
	return fmt.Sprintf("perf:tenant:%d:result:%s", tenantID, id)
}

// latestKey indexes the newest result for a page and strategy.
func latestKey(tenantID int64, url, strategy string) string {
	return fmt.Sprintf("perf:tenant:%d:latest:%s", tenantID, hashTarget(url, strategy))
}

func hashTarget(url, strategy string) string {
	hash := sha256.Sum256([]byte(auth.NormalizeURL(url) + "|" + strategy))
	return fmt.Sprintf("%x", hash)
}

// Put stores res under its id and marks it as the latest result for its
// url and strategy.
func (c *ResultCache) Put(ctx context.Context, tenantID int64, res *models.TestResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}

	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKey(tenantID, res.ID), data, c.ttl)
		pipe.Set(ctx, latestKey(tenantID, res.URL, res.Strategy), res.ID.String(), c.ttl)
		return nil
	})
	return err
}

func (c *ResultCache) Get(ctx context.Context, tenantID int64, id uuid.UUID) (*models.TestResult, error) {
	data, err := c.redis.Get(ctx, resultKey(tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var res models.TestResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, nil
}

// Latest returns the newest cached result for url and strategy.
func (c *ResultCache) Latest(ctx context.Context, tenantID int64, url, strategy string) (*models.TestResult, error) {
	raw, err := c.redis.Get(ctx, latestKey(tenantID, url, strategy)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, ErrMiss
	}
	return c.Get(ctx, tenantID, id)
}
