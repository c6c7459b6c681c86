package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
	"github.com/sandeepkv93/tv-device-pairing/internal/identity"
	"github.com/sandeepkv93/tv-device-pairing/internal/repository"
	"github.com/sandeepkv93/tv-device-pairing/internal/security"
)

type fakeProvider struct {
	mu        sync.Mutex
	signUpErr error
	signInErr error
	noTokens  bool
	signUps   int
	signIns   int
	lastEmail string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) SignUp(_ context.Context, email, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signUps++
	p.lastEmail = email
	return p.signUpErr
}

func (p *fakeProvider) SignIn(_ context.Context, email, _ string) (*identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signIns++
	p.lastEmail = email
	if p.signInErr != nil {
		return nil, p.signInErr
	}
	if p.noTokens {
		return &identity.Session{UserID: "u-1", Email: email, Token: &oauth2.Token{}}, nil
	}
	return &identity.Session{
		UserID: "u-1",
		Email:  email,
		Token:  &oauth2.Token{AccessToken: "access-" + email, RefreshToken: "refresh-" + email},
	}, nil
}

func (p *fakeProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signUps, p.signIns
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type flowFixture struct {
	svc      *DeviceFlowService
	repo     *repository.InMemoryDeviceSessionRepository
	provider *fakeProvider
	clock    *testClock
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	return newFlowFixtureWithRepo(t, nil)
}

func newFlowFixtureWithRepo(t *testing.T, wrap func(repository.DeviceSessionRepository) repository.DeviceSessionRepository) *flowFixture {
	t.Helper()
	repo := repository.NewInMemoryDeviceSessionRepository()
	var store repository.DeviceSessionRepository = repo
	if wrap != nil {
		store = wrap(repo)
	}
	provider := &fakeProvider{}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewDeviceFlowService(store, provider, security.NewCodeGenerator(), NewInMemoryTerminalSessionCache(0), DeviceFlowConfig{
		SessionTTL:       600 * time.Second,
		PollInterval:     3 * time.Second,
		VerificationURL:  "https://tv.example.com/pair",
		TerminalCacheTTL: time.Minute,
		CacheBackend:     "memory",
	}, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(clock.Now)
	return &flowFixture{svc: svc, repo: repo, provider: provider, clock: clock}
}

func requireFlowError(t *testing.T, err error, kind ErrorKind) *FlowError {
	t.Helper()
	var fe *FlowError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FlowError, got %T (%v)", err, err)
	}
	if fe.Kind != kind {
		t.Fatalf("expected kind %q, got %q (%v)", kind, fe.Kind, err)
	}
	return fe
}

func (f *flowFixture) start(t *testing.T) *StartResult {
	t.Helper()
	res, err := f.svc.StartSession(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return res
}

func (f *flowFixture) approve(t *testing.T, userCode string) {
	t.Helper()
	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: userCode, Email: "viewer@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestStartSessionIssuesPendingSession(t *testing.T) {
	f := newFlowFixture(t)
	res := f.start(t)

	if !security.ValidUserCode(res.UserCode) || len(res.DeviceCode) < 32 {
		t.Fatalf("malformed codes %+v", res)
	}
	if res.ExpiresIn != 600 || res.Interval != 3 {
		t.Fatalf("unexpected timing expires_in=%d interval=%d", res.ExpiresIn, res.Interval)
	}
	if res.VerificationURI != "https://tv.example.com/pair" {
		t.Fatalf("unexpected verification uri %q", res.VerificationURI)
	}
	if res.VerificationURL != "https://tv.example.com/pair?code="+res.UserCode {
		t.Fatalf("unexpected verification url %q", res.VerificationURL)
	}

	row, err := f.repo.FindByDeviceCode(context.Background(), res.DeviceCode)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != domain.SessionPending || row.AccessToken != nil {
		t.Fatalf("expected empty pending row, got %+v", row)
	}
	if !row.ExpiresAt.Equal(f.clock.Now().Add(600 * time.Second)) {
		t.Fatalf("unexpected expires_at %s", row.ExpiresAt)
	}
}

type collidingRepo struct {
	repository.DeviceSessionRepository
	collisions int32
}

func (r *collidingRepo) Create(ctx context.Context, s *domain.DeviceSession) error {
	if atomic.AddInt32(&r.collisions, -1) >= 0 {
		return repository.ErrDuplicateCode
	}
	return r.DeviceSessionRepository.Create(ctx, s)
}

func TestStartSessionRetriesOnCodeCollision(t *testing.T) {
	f := newFlowFixtureWithRepo(t, func(inner repository.DeviceSessionRepository) repository.DeviceSessionRepository {
		return &collidingRepo{DeviceSessionRepository: inner, collisions: 2}
	})
	if _, err := f.svc.StartSession(context.Background()); err != nil {
		t.Fatalf("expected third attempt to succeed: %v", err)
	}

	g := newFlowFixtureWithRepo(t, func(inner repository.DeviceSessionRepository) repository.DeviceSessionRepository {
		return &collidingRepo{DeviceSessionRepository: inner, collisions: 3}
	})
	_, err := g.svc.StartSession(context.Background())
	fe := requireFlowError(t, err, KindUpstream)
	if !errors.Is(fe, repository.ErrDuplicateCode) {
		t.Fatalf("expected duplicate cause, got %v", fe.Err)
	}
}

func TestPollStatusValidationAndUnknownCode(t *testing.T) {
	f := newFlowFixture(t)
	_, err := f.svc.PollStatus(context.Background(), "  ")
	requireFlowError(t, err, KindValidation)

	res, err := f.svc.PollStatus(context.Background(), "nosuchdevicecodeabcdefghijklmnopqrstuv")
	if err != nil {
		t.Fatalf("poll unknown: %v", err)
	}
	if res.Status != PollStatusExpired || res.AccessToken != "" {
		t.Fatalf("expected expired without tokens, got %+v", res)
	}
}

func TestDeviceFlowHappyPathDeliversTokensOnce(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	start := f.start(t)

	res, err := f.svc.PollStatus(ctx, start.DeviceCode)
	if err != nil || res.Status != PollStatusPending {
		t.Fatalf("expected pending before approval, got %+v err=%v", res, err)
	}

	f.approve(t, start.UserCode)

	res, err = f.svc.PollStatus(ctx, start.DeviceCode)
	if err != nil {
		t.Fatalf("poll approved: %v", err)
	}
	if res.Status != PollStatusApproved || res.AccessToken != "access-viewer@example.com" || res.RefreshToken != "refresh-viewer@example.com" {
		t.Fatalf("unexpected approved result %+v", res)
	}
	if res.Email != "viewer@example.com" {
		t.Fatalf("expected email in handoff, got %q", res.Email)
	}

	row, _ := f.repo.FindByDeviceCode(ctx, start.DeviceCode)
	if row.Status != domain.SessionConsumed || row.AccessToken != nil || row.RefreshToken != nil || row.ConsumedAt == nil {
		t.Fatalf("expected consumed row with cleared tokens, got %+v", row)
	}

	res, err = f.svc.PollStatus(ctx, start.DeviceCode)
	if err != nil || res.Status != PollStatusExpired || res.AccessToken != "" {
		t.Fatalf("expected second poll to be expired, got %+v err=%v", res, err)
	}
}

func TestPollStatusExpiresStalePendingSession(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	start := f.start(t)

	f.clock.Advance(600 * time.Second)
	res, err := f.svc.PollStatus(ctx, start.DeviceCode)
	if err != nil || res.Status != PollStatusExpired {
		t.Fatalf("expected expired at exactly expires_at, got %+v err=%v", res, err)
	}
	row, _ := f.repo.FindByDeviceCode(ctx, start.DeviceCode)
	if row.Status != domain.SessionExpired {
		t.Fatalf("expected row to be expired, got %s", row.Status)
	}

	err = f.svc.CompleteSession(ctx, CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "pw"})
	fe := requireFlowError(t, err, KindInvalidOrExpiredCode)
	if fe.Message != MsgCodeExpired {
		t.Fatalf("unexpected message %q", fe.Message)
	}
}

func TestCompleteSessionRejectsExpiredBeforeCallingIdentity(t *testing.T) {
	f := newFlowFixture(t)
	start := f.start(t)
	f.clock.Advance(601 * time.Second)

	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "pw"})
	requireFlowError(t, err, KindInvalidOrExpiredCode)
	if ups, ins := f.provider.calls(); ups != 0 || ins != 0 {
		t.Fatalf("expected no identity calls, got signup=%d signin=%d", ups, ins)
	}
}

func TestCompleteSessionValidation(t *testing.T) {
	f := newFlowFixture(t)
	cases := []CompleteRequest{
		{Email: "a@example.com", Password: "pw"},
		{Code: "ABCD-EFGH", Password: "pw"},
		{Code: "ABCD-EFGH", Email: "a@example.com"},
		{Code: "   ", Email: "a@example.com", Password: "pw"},
	}
	for _, req := range cases {
		err := f.svc.CompleteSession(context.Background(), req)
		requireFlowError(t, err, KindValidation)
	}
}

func TestCompleteSessionUnknownCode(t *testing.T) {
	f := newFlowFixture(t)
	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: "ZZZZ-ZZZZ", Email: "a@example.com", Password: "pw"})
	fe := requireFlowError(t, err, KindInvalidOrExpiredCode)
	if fe.Message != MsgInvalidOrExpiredCode {
		t.Fatalf("unexpected message %q", fe.Message)
	}
}

func TestCompleteSessionNormalizesCodeAndEmail(t *testing.T) {
	f := newFlowFixture(t)
	start := f.start(t)
	typed := strings.ToLower(strings.ReplaceAll(start.UserCode, "-", ""))

	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: "  " + typed + " ", Email: "  Viewer@Example.COM ", Password: "pw"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if f.provider.lastEmail != "viewer@example.com" {
		t.Fatalf("expected lower-cased email, got %q", f.provider.lastEmail)
	}
	row, _ := f.repo.FindByUserCode(context.Background(), start.UserCode)
	if row.Status != domain.SessionApproved || row.UserEmail == nil || *row.UserEmail != "viewer@example.com" {
		t.Fatalf("expected approved row, got %+v", row)
	}
}

func TestCompleteSessionSignUpFailureLeavesSessionPending(t *testing.T) {
	f := newFlowFixture(t)
	f.provider.signUpErr = fmt.Errorf("%w: email taken", identity.ErrSignUpFailed)
	start := f.start(t)

	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "pw", Intent: "signup"})
	fe := requireFlowError(t, err, KindCredentialExchange)
	if fe.Message != MsgSignUpFailed {
		t.Fatalf("unexpected message %q", fe.Message)
	}
	if ups, ins := f.provider.calls(); ups != 1 || ins != 0 {
		t.Fatalf("expected signup only, got signup=%d signin=%d", ups, ins)
	}
	row, _ := f.repo.FindByUserCode(context.Background(), start.UserCode)
	if row.Status != domain.SessionPending {
		t.Fatalf("expected untouched row, got %s", row.Status)
	}
}

func TestCompleteSessionSignUpThenUnverifiedSignIn(t *testing.T) {
	f := newFlowFixture(t)
	f.provider.signInErr = identity.ErrInvalidCredentials
	start := f.start(t)

	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "pw", Intent: "SignUp"})
	fe := requireFlowError(t, err, KindCredentialExchange)
	if fe.Message != MsgVerifyEmail {
		t.Fatalf("unexpected message %q", fe.Message)
	}
	if ups, ins := f.provider.calls(); ups != 1 || ins != 1 {
		t.Fatalf("expected signup then signin, got signup=%d signin=%d", ups, ins)
	}
}

func TestCompleteSessionSignUpUnsupported(t *testing.T) {
	f := newFlowFixture(t)
	f.provider.signUpErr = identity.ErrSignUpUnsupported
	start := f.start(t)

	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "pw", Intent: IntentSignUp})
	fe := requireFlowError(t, err, KindCredentialExchange)
	if fe.Message != MsgSignUpUnsupported {
		t.Fatalf("unexpected message %q", fe.Message)
	}
}

func TestCompleteSessionInvalidCredentialsKeepsPending(t *testing.T) {
	f := newFlowFixture(t)
	f.provider.signInErr = identity.ErrInvalidCredentials
	start := f.start(t)

	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "wrong"})
	fe := requireFlowError(t, err, KindCredentialExchange)
	if fe.Message != MsgInvalidCredentials {
		t.Fatalf("unexpected message %q", fe.Message)
	}
	res, _ := f.svc.PollStatus(context.Background(), start.DeviceCode)
	if res.Status != PollStatusPending {
		t.Fatalf("expected session to stay pending, got %s", res.Status)
	}

	f.provider.signInErr = nil
	f.approve(t, start.UserCode)
}

func TestCompleteSessionUpstreamFailures(t *testing.T) {
	f := newFlowFixture(t)
	f.provider.signInErr = fmt.Errorf("%w: status 503", identity.ErrUpstream)
	start := f.start(t)
	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "pw"})
	requireFlowError(t, err, KindUpstream)

	f.provider.signInErr = nil
	f.provider.noTokens = true
	err = f.svc.CompleteSession(context.Background(), CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "pw"})
	requireFlowError(t, err, KindUpstream)

	row, _ := f.repo.FindByUserCode(context.Background(), start.UserCode)
	if row.Status != domain.SessionPending {
		t.Fatalf("expected pending after upstream failures, got %s", row.Status)
	}
}

func TestCompleteSessionTwiceOnlyFirstWins(t *testing.T) {
	f := newFlowFixture(t)
	start := f.start(t)
	f.approve(t, start.UserCode)

	err := f.svc.CompleteSession(context.Background(), CompleteRequest{Code: start.UserCode, Email: "other@example.com", Password: "pw"})
	requireFlowError(t, err, KindInvalidOrExpiredCode)

	res, _ := f.svc.PollStatus(context.Background(), start.DeviceCode)
	if res.AccessToken != "access-viewer@example.com" {
		t.Fatalf("expected first approval to be delivered, got %+v", res)
	}
}

func TestPollStatusLateHandoffStillDelivers(t *testing.T) {
	f := newFlowFixture(t)
	start := f.start(t)
	f.approve(t, start.UserCode)
	f.clock.Advance(15 * time.Minute)

	res, err := f.svc.PollStatus(context.Background(), start.DeviceCode)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != PollStatusApproved || res.AccessToken == "" {
		t.Fatalf("expected approved session to be delivered after expiry, got %+v", res)
	}
}

func TestConcurrentPollsDeliverExactlyOnce(t *testing.T) {
	f := newFlowFixture(t)
	start := f.start(t)
	f.approve(t, start.UserCode)

	const pollers = 16
	var (
		wg        sync.WaitGroup
		delivered int32
		failures  int32
	)
	wg.Add(pollers)
	for i := 0; i < pollers; i++ {
		go func() {
			defer wg.Done()
			res, err := f.svc.PollStatus(context.Background(), start.DeviceCode)
			if err != nil {
				atomic.AddInt32(&failures, 1)
				return
			}
			if res.Status == PollStatusApproved {
				atomic.AddInt32(&delivered, 1)
			}
		}()
	}
	wg.Wait()
	if failures != 0 {
		t.Fatalf("unexpected poll errors: %d", failures)
	}
	if delivered != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered)
	}
}

func TestConcurrentCompletionsApproveOnce(t *testing.T) {
	f := newFlowFixture(t)
	start := f.start(t)

	const completers = 8
	var (
		wg   sync.WaitGroup
		wins int32
	)
	wg.Add(completers)
	for i := 0; i < completers; i++ {
		go func(i int) {
			defer wg.Done()
			err := f.svc.CompleteSession(context.Background(), CompleteRequest{
				Code:     start.UserCode,
				Email:    fmt.Sprintf("user%d@example.com", i),
				Password: "pw",
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			var fe *FlowError
			if !errors.As(err, &fe) || fe.Kind != KindInvalidOrExpiredCode {
				t.Errorf("unexpected completion error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one approval, got %d", wins)
	}
}

type countingRepo struct {
	repository.DeviceSessionRepository
	finds int32
}

func (r *countingRepo) FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceSession, error) {
	atomic.AddInt32(&r.finds, 1)
	return r.DeviceSessionRepository.FindByDeviceCode(ctx, deviceCode)
}

func TestTerminalCacheShortCircuitsRepeatedPolls(t *testing.T) {
	var counter *countingRepo
	f := newFlowFixtureWithRepo(t, func(inner repository.DeviceSessionRepository) repository.DeviceSessionRepository {
		counter = &countingRepo{DeviceSessionRepository: inner}
		return counter
	})
	start := f.start(t)
	f.approve(t, start.UserCode)

	if res, _ := f.svc.PollStatus(context.Background(), start.DeviceCode); res.Status != PollStatusApproved {
		t.Fatalf("expected handoff, got %+v", res)
	}
	before := atomic.LoadInt32(&counter.finds)
	for i := 0; i < 3; i++ {
		res, err := f.svc.PollStatus(context.Background(), start.DeviceCode)
		if err != nil || res.Status != PollStatusExpired {
			t.Fatalf("expected cached expired, got %+v err=%v", res, err)
		}
	}
	if got := atomic.LoadInt32(&counter.finds); got != before {
		t.Fatalf("expected cache hits to skip the store, finds went %d -> %d", before, got)
	}
}

// approvingRepo approves the row just before an expire write lands, reproducing a completion
// that races a poll across the expiry boundary.
type approvingRepo struct {
	repository.DeviceSessionRepository
	now time.Time
}

func (r *approvingRepo) UpdateIf(ctx context.Context, id string, guard domain.Guard, patch domain.Patch) (bool, error) {
	if patch.Status == domain.SessionExpired {
		_, _ = r.DeviceSessionRepository.UpdateIf(ctx, id, domain.Guard{Status: domain.SessionPending},
			domain.ApprovePatch(r.now, "u-race", "race@example.com", "race-access", "race-refresh"))
	}
	return r.DeviceSessionRepository.UpdateIf(ctx, id, guard, patch)
}

func TestPollStatusReloadsWhenExpireLosesToApproval(t *testing.T) {
	f := newFlowFixtureWithRepo(t, func(inner repository.DeviceSessionRepository) repository.DeviceSessionRepository {
		return &approvingRepo{DeviceSessionRepository: inner, now: time.Date(2026, 3, 1, 12, 9, 59, 0, time.UTC)}
	})
	start := f.start(t)
	f.clock.Advance(11 * time.Minute)

	res, err := f.svc.PollStatus(context.Background(), start.DeviceCode)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != PollStatusApproved || res.AccessToken != "race-access" {
		t.Fatalf("expected the racing approval to be delivered, got %+v", res)
	}
}

func TestCompleteSessionThrottlesRepeatedFailures(t *testing.T) {
	f := newFlowFixture(t)
	f.svc.WithCredentialAbuseGuard(NewInMemoryCredentialAbuseGuard(CredentialAbusePolicy{
		FreeAttempts: 2,
		BaseDelay:    time.Minute,
		Multiplier:   2,
		MaxDelay:     time.Hour,
		ResetWindow:  time.Hour,
	}))
	f.provider.signInErr = identity.ErrInvalidCredentials
	start := f.start(t)
	req := CompleteRequest{Code: start.UserCode, Email: "a@example.com", Password: "wrong", ClientIP: "203.0.113.9"}

	for i := 0; i < 3; i++ {
		err := f.svc.CompleteSession(context.Background(), req)
		requireFlowError(t, err, KindCredentialExchange)
	}
	err := f.svc.CompleteSession(context.Background(), req)
	fe := requireFlowError(t, err, KindThrottled)
	if fe.RetryAfter <= 0 {
		t.Fatalf("expected retry-after, got %v", fe.RetryAfter)
	}
	if _, ins := f.provider.calls(); ins != 3 {
		t.Fatalf("expected throttled attempt to skip identity, signins=%d", ins)
	}
}

type writeCountingRepo struct {
	repository.DeviceSessionRepository
	writes int32
}

func (r *writeCountingRepo) UpdateIf(ctx context.Context, id string, guard domain.Guard, patch domain.Patch) (bool, error) {
	atomic.AddInt32(&r.writes, 1)
	return r.DeviceSessionRepository.UpdateIf(ctx, id, guard, patch)
}

func TestPollStatusExpiredIsStableAcrossRepeatedPolls(t *testing.T) {
	caches := map[string]TerminalSessionCache{
		"cache_on":  NewInMemoryTerminalSessionCache(0),
		"cache_off": NewNoopTerminalSessionCache(),
	}
	for name, cache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := &writeCountingRepo{DeviceSessionRepository: repository.NewInMemoryDeviceSessionRepository()}
			clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
			svc := NewDeviceFlowService(repo, &fakeProvider{}, nil, cache, DeviceFlowConfig{
				SessionTTL:       600 * time.Second,
				VerificationURL:  "https://tv.example.com/pair",
				TerminalCacheTTL: time.Minute,
			}, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(clock.Now)

			start, err := svc.StartSession(ctx)
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			clock.Advance(700 * time.Second)

			for i := 0; i < 3; i++ {
				res, err := svc.PollStatus(ctx, start.DeviceCode)
				if err != nil {
					t.Fatalf("poll %d: %v", i, err)
				}
				if res.Status != PollStatusExpired || res.Message != MsgSessionExpired || res.AccessToken != "" {
					t.Fatalf("poll %d: expected expired, got %+v", i, res)
				}
				if got := atomic.LoadInt32(&repo.writes); got != 1 {
					t.Fatalf("poll %d: expected only the first poll to write, got %d writes", i, got)
				}
			}
			row, err := repo.FindByDeviceCode(ctx, start.DeviceCode)
			if err != nil || row.Status != domain.SessionExpired {
				t.Fatalf("expected expired row, got %+v err=%v", row, err)
			}
		})
	}
}
