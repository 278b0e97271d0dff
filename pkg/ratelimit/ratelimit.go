// Package ratelimit 基于 Redis 的分布式限流
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Limit 限流规则
type Limit struct {
	// Rate 每个周期允许的请求数
	Rate int
	// Period 周期长度
	Period time.Duration
	// Burst 突发上限
	Burst int
}

// Result 一次限流判定的结果
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// Limiter 限流器接口
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// RedisLimiter GCRA 限流器，多实例共享同一配额
type RedisLimiter struct {
	limiter *redis_rate.Limiter
}

// NewRedisLimiter 构造函数。
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{limiter: redis_rate.NewLimiter(client)}
}

// Allow 判定 key 在给定规则下是否放行
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	res, err := r.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   limit.Rate,
		Period: limit.Period,
		Burst:  limit.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	return &Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}, nil
}
