package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCredentialAbuseGuard struct {
	client redis.UniversalClient
	prefix string
	policy CredentialAbusePolicy
	now    func() time.Time
}

func NewRedisCredentialAbuseGuard(client redis.UniversalClient, prefix string, policy CredentialAbusePolicy) *RedisCredentialAbuseGuard {
	if prefix == "" {
		prefix = "pairing"
	}
	return &RedisCredentialAbuseGuard{
		client: client,
		prefix: prefix,
		policy: policy.normalized(),
		now:    time.Now,
	}
}

func (g *RedisCredentialAbuseGuard) Check(ctx context.Context, email, ip string) (time.Duration, error) {
	now := g.now()
	var longest time.Duration
	for _, key := range g.keys(email, ip) {
		st, err := g.load(ctx, g.client, key)
		if err != nil {
			return 0, err
		}
		if remaining := st.cooldownUntil.Sub(now); remaining > longest {
			longest = remaining
		}
	}
	return longest, nil
}

func (g *RedisCredentialAbuseGuard) RegisterFailure(ctx context.Context, email, ip string) (time.Duration, error) {
	var longest time.Duration
	for _, key := range g.keys(email, ip) {
		delay, err := g.registerKey(ctx, key)
		if err != nil {
			return 0, err
		}
		if delay > longest {
			longest = delay
		}
	}
	return longest, nil
}

func (g *RedisCredentialAbuseGuard) registerKey(ctx context.Context, key string) (time.Duration, error) {
	var delay time.Duration
	txf := func(tx *redis.Tx) error {
		st, err := g.load(ctx, tx, key)
		if err != nil {
			return err
		}
		now := g.now()
		if now.Sub(st.lastFailure) > g.policy.ResetWindow {
			st = abuseState{}
		}
		st.failures++
		st.lastFailure = now
		delay = g.policy.delayFor(st.failures)
		if delay > 0 {
			st.cooldownUntil = now.Add(delay)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"failures", st.failures,
				"last_failure_ms", unixMillis(st.lastFailure),
				"cooldown_until_ms", unixMillis(st.cooldownUntil),
			)
			pipe.PExpire(ctx, key, g.policy.ResetWindow+g.policy.MaxDelay)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		err := g.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return delay, err
	}
	return 0, redis.TxFailedErr
}

func (g *RedisCredentialAbuseGuard) Reset(ctx context.Context, email, _ string) error {
	id := normalizeAbuseIdentity(email)
	if id == "" {
		return nil
	}
	return g.client.Del(ctx, g.stateKey(abuseKey("email", id))).Err()
}

func (g *RedisCredentialAbuseGuard) keys(email, ip string) []string {
	raw := abuseKeys(email, ip)
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		out = append(out, g.stateKey(k))
	}
	return out
}

func (g *RedisCredentialAbuseGuard) stateKey(dimensionKey string) string {
	return fmt.Sprintf("%s:abuse:complete:%s", g.prefix, dimensionKey)
}

func (g *RedisCredentialAbuseGuard) load(ctx context.Context, c redis.Cmdable, key string) (abuseState, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return abuseState{}, err
	}
	if len(fields) == 0 {
		return abuseState{}, nil
	}
	var st abuseState
	if v, ok := fields["failures"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return abuseState{}, fmt.Errorf("parse abuse failures: %w", err)
		}
		st.failures = n
	}
	last, err := parseMillis(fields, "last_failure_ms")
	if err != nil {
		return abuseState{}, err
	}
	until, err := parseMillis(fields, "cooldown_until_ms")
	if err != nil {
		return abuseState{}, err
	}
	st.lastFailure, st.cooldownUntil = last, until
	return st, nil
}

func parseMillis(fields map[string]string, name string) (time.Time, error) {
	v, ok := fields[name]
	if !ok || v == "" || v == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse abuse %s: %w", name, err)
	}
	return time.UnixMilli(ms), nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
