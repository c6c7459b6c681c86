package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
)

// OAuth2Provider exchanges credentials with any authorization server that supports the
// resource owner password grant. It cannot create accounts.
type OAuth2Provider struct {
	cfg    oauth2.Config
	client *http.Client
}

func NewOAuth2Provider(tokenURL, clientID, clientSecret string, scopes []string, timeout time.Duration) *OAuth2Provider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OAuth2Provider{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		},
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p *OAuth2Provider) Name() string { return "oauth2" }

func (p *OAuth2Provider) SignUp(ctx context.Context, _, _ string) error {
	observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "unsupported")
	return ErrSignUpUnsupported
}

func (p *OAuth2Provider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.cfg.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "rejected")
			return nil, ErrInvalidCredentials
		}
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: password grant: %v", ErrUpstream, err)
	}
	if tok.RefreshToken == "" {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: token response has no refresh token", ErrUpstream)
	}
	userID := extraString(tok, "user_id")
	if userID == "" {
		userID = extraString(tok, "sub")
	}
	if userID == "" {
		userID = email
	}
	observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "success")
	return &Session{UserID: userID, Email: email, Token: tok}, nil
}

func extraString(tok *oauth2.Token, key string) string {
	v, _ := tok.Extra(key).(string)
	return v
}
