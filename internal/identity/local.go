package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
	"github.com/sandeepkv93/tv-device-pairing/internal/repository"
	"github.com/sandeepkv93/tv-device-pairing/internal/security"
)

// LocalProvider keeps accounts in the service's own database and mints HS256 tokens.
type LocalProvider struct {
	users      repository.UserRepository
	jwt        *security.JWTManager
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewLocalProvider(users repository.UserRepository, jwt *security.JWTManager, accessTTL, refreshTTL time.Duration) *LocalProvider {
	return &LocalProvider{
		users:      users,
		jwt:        jwt,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) SignUp(ctx context.Context, email, password string) error {
	hash, err := security.HashPassword(password)
	if err != nil {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "rejected")
		return fmt.Errorf("%w: %v", ErrSignUpFailed, err)
	}
	now := p.now().UTC()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "rejected")
			return ErrSignUpFailed
		}
		observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "error")
		return fmt.Errorf("%w: create user: %v", ErrUpstream, err)
	}
	observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "success")
	return nil
}

func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	user, err := p.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// Burn a comparison so unknown emails cost about as much as wrong passwords.
			security.CheckPassword(dummyHash(), password)
			observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "rejected")
			return nil, ErrInvalidCredentials
		}
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: find user: %v", ErrUpstream, err)
	}
	if !security.CheckPassword(user.PasswordHash, password) {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "rejected")
		return nil, ErrInvalidCredentials
	}

	access, err := p.jwt.SignAccessToken(user.ID, user.Email, p.accessTTL)
	if err != nil {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: sign access token: %v", ErrUpstream, err)
	}
	refresh, err := p.jwt.SignRefreshToken(user.ID, p.refreshTTL)
	if err != nil {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: sign refresh token: %v", ErrUpstream, err)
	}
	observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "success")
	return &Session{
		UserID: user.ID,
		Email:  user.Email,
		Token: &oauth2.Token{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			Expiry:       p.now().Add(p.accessTTL),
		},
	}, nil
}

var dummyHash = sync.OnceValue(func() string {
	hash, err := security.HashPassword(uuid.NewString())
	if err != nil {
		return ""
	}
	return hash
})
