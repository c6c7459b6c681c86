package service

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// CredentialAbusePolicy shapes the cooldown applied after repeated failed sign-ins on the
// completion page. The first FreeAttempts failures in ResetWindow cost nothing; each further
// failure multiplies the delay up to MaxDelay.
type CredentialAbusePolicy struct {
	FreeAttempts int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	ResetWindow  time.Duration
}

func DefaultCredentialAbusePolicy() CredentialAbusePolicy {
	return CredentialAbusePolicy{
		FreeAttempts: 5,
		BaseDelay:    time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Minute,
		ResetWindow:  15 * time.Minute,
	}
}

func (p CredentialAbusePolicy) normalized() CredentialAbusePolicy {
	def := DefaultCredentialAbusePolicy()
	if p.FreeAttempts < 0 {
		p.FreeAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.ResetWindow <= 0 {
		p.ResetWindow = def.ResetWindow
	}
	return p
}

// delayFor returns the cooldown after the given number of consecutive failures.
func (p CredentialAbusePolicy) delayFor(failures int) time.Duration {
	over := failures - p.FreeAttempts
	if over <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(over-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// CredentialAbuseGuard tracks failures independently per email and per client IP; the
// effective cooldown is the larger of the two.
type CredentialAbuseGuard interface {
	Check(ctx context.Context, email, ip string) (time.Duration, error)
	RegisterFailure(ctx context.Context, email, ip string) (time.Duration, error)
	Reset(ctx context.Context, email, ip string) error
}

type NoopCredentialAbuseGuard struct{}

func (NoopCredentialAbuseGuard) Check(context.Context, string, string) (time.Duration, error) {
	return 0, nil
}

func (NoopCredentialAbuseGuard) RegisterFailure(context.Context, string, string) (time.Duration, error) {
	return 0, nil
}

func (NoopCredentialAbuseGuard) Reset(context.Context, string, string) error { return nil }

type abuseState struct {
	failures      int
	lastFailure   time.Time
	cooldownUntil time.Time
}

type InMemoryCredentialAbuseGuard struct {
	mu     sync.Mutex
	policy CredentialAbusePolicy
	state  map[string]abuseState
	now    func() time.Time
}

func NewInMemoryCredentialAbuseGuard(policy CredentialAbusePolicy) *InMemoryCredentialAbuseGuard {
	return &InMemoryCredentialAbuseGuard{
		policy: policy.normalized(),
		state:  make(map[string]abuseState),
		now:    time.Now,
	}
}

func (g *InMemoryCredentialAbuseGuard) Check(_ context.Context, email, ip string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var longest time.Duration
	for _, key := range abuseKeys(email, ip) {
		if remaining := g.state[key].cooldownUntil.Sub(now); remaining > longest {
			longest = remaining
		}
	}
	return longest, nil
}

func (g *InMemoryCredentialAbuseGuard) RegisterFailure(_ context.Context, email, ip string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var longest time.Duration
	for _, key := range abuseKeys(email, ip) {
		st := g.state[key]
		if now.Sub(st.lastFailure) > g.policy.ResetWindow {
			st = abuseState{}
		}
		st.failures++
		st.lastFailure = now
		delay := g.policy.delayFor(st.failures)
		if delay > 0 {
			st.cooldownUntil = now.Add(delay)
		}
		g.state[key] = st
		if delay > longest {
			longest = delay
		}
	}
	return longest, nil
}

func (g *InMemoryCredentialAbuseGuard) Reset(_ context.Context, email, ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Only the account dimension is cleared; a shared IP keeps its history.
	delete(g.state, abuseKey("email", normalizeAbuseIdentity(email)))
	return nil
}

func abuseKeys(email, ip string) []string {
	keys := make([]string, 0, 2)
	if id := normalizeAbuseIdentity(email); id != "" {
		keys = append(keys, abuseKey("email", id))
	}
	if ip = strings.TrimSpace(ip); ip != "" {
		keys = append(keys, abuseKey("ip", ip))
	}
	return keys
}

func abuseKey(dimension, value string) string {
	return dimension + ":" + value
}

func normalizeAbuseIdentity(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
