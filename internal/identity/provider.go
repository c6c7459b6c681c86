package identity

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

var (
	// ErrInvalidCredentials means the provider answered and refused the email/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSignUpFailed means the provider answered and refused to create the account.
	ErrSignUpFailed      = errors.New("sign up rejected")
	ErrSignUpUnsupported = errors.New("sign up is not supported by this identity provider")
	// ErrUpstream wraps transport failures and 5xx answers; callers surface it as a server error.
	ErrUpstream = errors.New("identity provider unavailable")
)

// Session is what a successful credential exchange yields.
type Session struct {
	UserID string
	Email  string
	Token  *oauth2.Token
}

// AccessToken and RefreshToken are nil-safe shorthands.
func (s *Session) AccessToken() string {
	if s == nil || s.Token == nil {
		return ""
	}
	return s.Token.AccessToken
}

func (s *Session) RefreshToken() string {
	if s == nil || s.Token == nil {
		return ""
	}
	return s.Token.RefreshToken
}

type Provider interface {
	Name() string
	SignUp(ctx context.Context, email, password string) error
	SignIn(ctx context.Context, email, password string) (*Session, error)
}
