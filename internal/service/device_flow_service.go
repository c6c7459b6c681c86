package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
	"github.com/sandeepkv93/tv-device-pairing/internal/identity"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
	"github.com/sandeepkv93/tv-device-pairing/internal/repository"
	"github.com/sandeepkv93/tv-device-pairing/internal/security"
)

const (
	maxStartAttempts = 3

	PollStatusPending  = "pending"
	PollStatusApproved = "approved"
	PollStatusExpired  = "expired"

	IntentSignIn = "signin"
	IntentSignUp = "signup"
)

type StartResult struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// PollResult carries tokens only when Status is approved, and only once per session.
type PollResult struct {
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Email        string `json:"email,omitempty"`
}

type CompleteRequest struct {
	Code     string `json:"code"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Intent   string `json:"intent"`
	ClientIP string `json:"-"`
}

type DeviceFlowConfig struct {
	SessionTTL       time.Duration
	PollInterval     time.Duration
	VerificationURL  string
	TerminalCacheTTL time.Duration
	CacheBackend     string
}

type DeviceFlowService struct {
	sessions repository.DeviceSessionRepository
	identity identity.Provider
	codes    *security.CodeGenerator
	terminal TerminalSessionCache
	abuse    CredentialAbuseGuard
	cfg      DeviceFlowConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewDeviceFlowService(
	sessions repository.DeviceSessionRepository,
	provider identity.Provider,
	codes *security.CodeGenerator,
	terminal TerminalSessionCache,
	cfg DeviceFlowConfig,
	logger *slog.Logger,
) *DeviceFlowService {
	if codes == nil {
		codes = security.NewCodeGenerator()
	}
	if terminal == nil {
		terminal = NewNoopTerminalSessionCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 600 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "none"
	}
	return &DeviceFlowService{
		sessions: sessions,
		identity: provider,
		codes:    codes,
		terminal: terminal,
		abuse:    NoopCredentialAbuseGuard{},
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock; tests use it to step past expiry.
func (s *DeviceFlowService) WithClock(now func() time.Time) *DeviceFlowService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithCredentialAbuseGuard enables cooldowns after repeated failed completions.
func (s *DeviceFlowService) WithCredentialAbuseGuard(g CredentialAbuseGuard) *DeviceFlowService {
	if g != nil {
		s.abuse = g
	}
	return s
}

func (s *DeviceFlowService) StartSession(ctx context.Context) (*StartResult, error) {
	ctx, span := observability.StartSpan(ctx, "device_flow.start")
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= maxStartAttempts; attempt++ {
		deviceCode, userCode, err := s.codes.Pair()
		if err != nil {
			observability.RecordDeviceFlowEvent(ctx, "start", "error")
			return nil, newFlowError(KindUpstream, "could not start pairing session", err)
		}
		now := s.now()
		session := &domain.DeviceSession{
			ID:         uuid.NewString(),
			DeviceCode: deviceCode,
			UserCode:   userCode,
			Status:     domain.SessionPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.SessionTTL),
		}
		err = s.sessions.Create(ctx, session)
		if errors.Is(err, repository.ErrDuplicateCode) {
			lastErr = err
			s.logger.WarnContext(ctx, "pairing code collision, regenerating", "attempt", attempt)
			continue
		}
		if err != nil {
			observability.RecordDeviceFlowEvent(ctx, "start", "error")
			return nil, newFlowError(KindUpstream, "could not start pairing session", err)
		}

		observability.RecordDeviceFlowEvent(ctx, "start", "success")
		observability.Audit(ctx, "device_session.started",
			"session_id", session.ID,
			"user_code", session.UserCode,
			"expires_at", session.ExpiresAt,
		)
		return &StartResult{
			DeviceCode:      deviceCode,
			UserCode:        userCode,
			VerificationURL: s.verificationURLFor(userCode),
			VerificationURI: s.cfg.VerificationURL,
			ExpiresIn:       int(s.cfg.SessionTTL / time.Second),
			Interval:        int(s.cfg.PollInterval / time.Second),
		}, nil
	}
	observability.RecordDeviceFlowEvent(ctx, "start", "error")
	return nil, newFlowError(KindUpstream, "could not start pairing session",
		fmt.Errorf("exhausted %d attempts: %w", maxStartAttempts, lastErr))
}

func (s *DeviceFlowService) verificationURLFor(userCode string) string {
	u, err := url.Parse(s.cfg.VerificationURL)
	if err != nil {
		return s.cfg.VerificationURL + "?code=" + url.QueryEscape(userCode)
	}
	q := u.Query()
	q.Set("code", userCode)
	u.RawQuery = q.Encode()
	return u.String()
}

// PollStatus is called by the device. It hands out the approved tokens at most once.
func (s *DeviceFlowService) PollStatus(ctx context.Context, deviceCode string) (*PollResult, error) {
	ctx, span := observability.StartSpan(ctx, "device_flow.poll")
	defer span.End()

	deviceCode = strings.TrimSpace(deviceCode)
	if deviceCode == "" {
		observability.RecordDeviceFlowEvent(ctx, "poll", "invalid")
		return nil, newFlowError(KindValidation, "device_code is required", nil)
	}

	if s.terminalSeen(ctx, deviceCode) {
		observability.RecordDeviceFlowEvent(ctx, "poll", "expired")
		return expiredResult(), nil
	}

	session, err := s.sessions.FindByDeviceCode(ctx, deviceCode)
	if errors.Is(err, repository.ErrSessionNotFound) {
		s.rememberTerminal(ctx, deviceCode)
		observability.RecordDeviceFlowEvent(ctx, "poll", "expired")
		return expiredResult(), nil
	}
	if err != nil {
		observability.RecordDeviceFlowEvent(ctx, "poll", "error")
		return nil, newFlowError(KindUpstream, "could not read pairing session", err)
	}
	return s.evaluatePoll(ctx, session, true)
}

func (s *DeviceFlowService) evaluatePoll(ctx context.Context, session *domain.DeviceSession, mayReload bool) (*PollResult, error) {
	now := s.now()
	switch {
	case session.Status == domain.SessionPending && session.IsExpired(now):
		won, err := s.MarkExpired(ctx, session)
		if err != nil {
			observability.RecordDeviceFlowEvent(ctx, "poll", "error")
			return nil, newFlowError(KindUpstream, "could not update pairing session", err)
		}
		if !won && mayReload {
			// A completion may have approved the row between our read and the expire write.
			fresh, err := s.sessions.FindByDeviceCode(ctx, session.DeviceCode)
			if err != nil {
				observability.RecordDeviceFlowEvent(ctx, "poll", "error")
				return nil, newFlowError(KindUpstream, "could not read pairing session", err)
			}
			return s.evaluatePoll(ctx, fresh, false)
		}
		s.rememberTerminal(ctx, session.DeviceCode)
		observability.RecordDeviceFlowEvent(ctx, "poll", "expired")
		return expiredResult(), nil

	case session.Status == domain.SessionApproved && session.HasTokens():
		won, err := s.MarkConsumed(ctx, session)
		if err != nil {
			observability.RecordDeviceFlowEvent(ctx, "poll", "error")
			return nil, newFlowError(KindUpstream, "could not update pairing session", err)
		}
		s.rememberTerminal(ctx, session.DeviceCode)
		if !won {
			observability.RecordDeviceFlowEvent(ctx, "poll", "expired")
			return expiredResult(), nil
		}
		if session.IsExpired(now) {
			s.logger.WarnContext(ctx, "tokens handed off after session expiry",
				"session_id", session.ID,
				"expired_for", now.Sub(session.ExpiresAt).String(),
			)
			observability.RecordLateHandoff(ctx)
		}
		observability.RecordDeviceFlowEvent(ctx, "poll", "approved")
		observability.Audit(ctx, "device_session.consumed", "session_id", session.ID)
		result := &PollResult{
			Status:       PollStatusApproved,
			AccessToken:  *session.AccessToken,
			RefreshToken: *session.RefreshToken,
		}
		if session.UserEmail != nil {
			result.Email = *session.UserEmail
		}
		return result, nil

	case session.Status.Terminal():
		s.rememberTerminal(ctx, session.DeviceCode)
		observability.RecordDeviceFlowEvent(ctx, "poll", "expired")
		return expiredResult(), nil

	default:
		if session.Status == domain.SessionApproved {
			s.logger.WarnContext(ctx, "approved session has no tokens", "session_id", session.ID)
		}
		observability.RecordDeviceFlowEvent(ctx, "poll", "pending")
		return &PollResult{Status: PollStatusPending}, nil
	}
}

// CompleteSession is called by the companion web page with the code the user read off the TV.
func (s *DeviceFlowService) CompleteSession(ctx context.Context, req CompleteRequest) error {
	ctx, span := observability.StartSpan(ctx, "device_flow.complete")
	defer span.End()

	code := security.NormalizeUserCode(req.Code)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	password := req.Password
	if code == "" || email == "" || password == "" {
		observability.RecordDeviceFlowEvent(ctx, "complete", "invalid")
		return newFlowError(KindValidation, "code, email and password are required", nil)
	}
	signUp := strings.EqualFold(strings.TrimSpace(req.Intent), IntentSignUp)

	if err := s.checkCooldown(ctx, email, req.ClientIP); err != nil {
		return err
	}

	session, err := s.sessions.FindByUserCode(ctx, code)
	if errors.Is(err, repository.ErrSessionNotFound) {
		s.registerFailure(ctx, email, req.ClientIP)
		observability.RecordDeviceFlowEvent(ctx, "complete", "invalid_code")
		return newFlowError(KindInvalidOrExpiredCode, MsgInvalidOrExpiredCode, nil)
	}
	if err != nil {
		observability.RecordDeviceFlowEvent(ctx, "complete", "error")
		return newFlowError(KindUpstream, "could not read pairing session", err)
	}
	if session.Status != domain.SessionPending || session.IsExpired(s.now()) {
		observability.RecordDeviceFlowEvent(ctx, "complete", "expired")
		return newFlowError(KindInvalidOrExpiredCode, MsgCodeExpired, nil)
	}

	if signUp {
		if err := s.identity.SignUp(ctx, email, password); err != nil {
			observability.RecordDeviceFlowEvent(ctx, "complete", "signup_failed")
			return s.identityError(err, signUpMessage(err))
		}
		observability.Audit(ctx, "device_session.signup", "session_id", session.ID, "provider", s.identity.Name())
	}

	idSession, err := s.identity.SignIn(ctx, email, password)
	if err != nil {
		observability.RecordDeviceFlowEvent(ctx, "complete", "signin_failed")
		msg := MsgInvalidCredentials
		if signUp {
			msg = MsgVerifyEmail
		} else if errors.Is(err, identity.ErrInvalidCredentials) {
			s.registerFailure(ctx, email, req.ClientIP)
		}
		return s.identityError(err, msg)
	}
	if idSession.AccessToken() == "" || idSession.RefreshToken() == "" {
		observability.RecordDeviceFlowEvent(ctx, "complete", "error")
		return newFlowError(KindUpstream, "identity provider returned no tokens", identity.ErrUpstream)
	}

	won, err := s.MarkApproved(ctx, session, idSession, email)
	if err != nil {
		observability.RecordDeviceFlowEvent(ctx, "complete", "error")
		return newFlowError(KindUpstream, "could not update pairing session", err)
	}
	if !won {
		observability.RecordDeviceFlowEvent(ctx, "complete", "expired")
		return newFlowError(KindInvalidOrExpiredCode, MsgCodeExpired, nil)
	}
	if err := s.abuse.Reset(ctx, email, req.ClientIP); err != nil {
		s.logger.WarnContext(ctx, "credential abuse guard reset failed", "error", err)
	}
	observability.RecordDeviceFlowEvent(ctx, "complete", "success")
	observability.Audit(ctx, "device_session.approved",
		"session_id", session.ID,
		"user_code", session.UserCode,
		"provider", s.identity.Name(),
	)
	return nil
}

func (s *DeviceFlowService) checkCooldown(ctx context.Context, email, ip string) *FlowError {
	wait, err := s.abuse.Check(ctx, email, ip)
	if err != nil {
		s.logger.WarnContext(ctx, "credential abuse guard check failed", "error", err)
		return nil
	}
	if wait <= 0 {
		return nil
	}
	observability.RecordDeviceFlowEvent(ctx, "complete", "throttled")
	fe := newFlowError(KindThrottled, MsgTooManyAttempts, nil)
	fe.RetryAfter = wait
	return fe
}

func (s *DeviceFlowService) registerFailure(ctx context.Context, email, ip string) {
	if _, err := s.abuse.RegisterFailure(ctx, email, ip); err != nil {
		s.logger.WarnContext(ctx, "credential abuse guard update failed", "error", err)
	}
}

func (s *DeviceFlowService) identityError(err error, message string) *FlowError {
	if errors.Is(err, identity.ErrUpstream) {
		return newFlowError(KindUpstream, "identity provider unavailable", err)
	}
	return newFlowError(KindCredentialExchange, message, err)
}

func signUpMessage(err error) string {
	if errors.Is(err, identity.ErrSignUpUnsupported) {
		return MsgSignUpUnsupported
	}
	return MsgSignUpFailed
}

// MarkExpired moves a pending session to expired. It reports false when the row had already left pending.
func (s *DeviceFlowService) MarkExpired(ctx context.Context, session *domain.DeviceSession) (bool, error) {
	won, err := s.sessions.UpdateIf(ctx, session.ID, domain.Guard{Status: domain.SessionPending}, domain.ExpirePatch())
	if err == nil && won {
		observability.Audit(ctx, "device_session.expired", "session_id", session.ID)
	}
	return won, err
}

func (s *DeviceFlowService) MarkApproved(ctx context.Context, session *domain.DeviceSession, idSession *identity.Session, email string) (bool, error) {
	if idSession.Email != "" {
		email = idSession.Email
	}
	userID := idSession.UserID
	if userID == "" {
		userID = email
	}
	patch := domain.ApprovePatch(s.now(), userID, email, idSession.AccessToken(), idSession.RefreshToken())
	return s.sessions.UpdateIf(ctx, session.ID, domain.Guard{Status: domain.SessionPending}, patch)
}

func (s *DeviceFlowService) MarkConsumed(ctx context.Context, session *domain.DeviceSession) (bool, error) {
	guard := domain.Guard{Status: domain.SessionApproved, RequireTokens: true}
	return s.sessions.UpdateIf(ctx, session.ID, guard, domain.ConsumePatch(s.now()))
}

func (s *DeviceFlowService) terminalSeen(ctx context.Context, deviceCode string) bool {
	hit, err := s.terminal.Seen(ctx, deviceCode)
	if err != nil {
		s.logger.WarnContext(ctx, "terminal session cache lookup failed", "error", err)
		observability.RecordTerminalCacheLookup(ctx, s.cfg.CacheBackend, "error")
		return false
	}
	if hit {
		observability.RecordTerminalCacheLookup(ctx, s.cfg.CacheBackend, "hit")
	} else {
		observability.RecordTerminalCacheLookup(ctx, s.cfg.CacheBackend, "miss")
	}
	return hit
}

func (s *DeviceFlowService) rememberTerminal(ctx context.Context, deviceCode string) {
	if err := s.terminal.Remember(ctx, deviceCode, s.cfg.TerminalCacheTTL); err != nil {
		s.logger.WarnContext(ctx, "terminal session cache write failed", "error", err)
	}
}

func expiredResult() *PollResult {
	return &PollResult{Status: PollStatusExpired, Message: MsgSessionExpired}
}
