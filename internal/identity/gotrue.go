package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
)

// GoTrueProvider speaks the GoTrue auth REST API (signup and password grant).
type GoTrueProvider struct {
	baseURL string
	anonKey string
	client  *http.Client
}

func NewGoTrueProvider(baseURL, anonKey string, timeout time.Duration) *GoTrueProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GoTrueProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p *GoTrueProvider) Name() string { return "gotrue" }

type gotrueCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type gotrueTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (p *GoTrueProvider) SignUp(ctx context.Context, email, password string) error {
	status, _, err := p.post(ctx, "/auth/v1/signup", gotrueCredentials{Email: email, Password: password})
	if err != nil {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "error")
		return fmt.Errorf("%w: sign up: %v", ErrUpstream, err)
	}
	switch {
	case status >= 500:
		observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "error")
		return fmt.Errorf("%w: sign up returned %d", ErrUpstream, status)
	case status >= 300:
		observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "rejected")
		return ErrSignUpFailed
	}
	observability.RecordIdentityCall(ctx, p.Name(), "sign_up", "success")
	return nil
}

func (p *GoTrueProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	status, body, err := p.post(ctx, "/auth/v1/token?grant_type=password", gotrueCredentials{Email: email, Password: password})
	if err != nil {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: sign in: %v", ErrUpstream, err)
	}
	switch {
	case status >= 500:
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: sign in returned %d", ErrUpstream, status)
	case status >= 300:
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "rejected")
		return nil, ErrInvalidCredentials
	}

	var tr gotrueTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: decode token response: %v", ErrUpstream, err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "error")
		return nil, fmt.Errorf("%w: token response missing tokens", ErrUpstream)
	}
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	userEmail := tr.User.Email
	if userEmail == "" {
		userEmail = email
	}
	observability.RecordIdentityCall(ctx, p.Name(), "sign_in", "success")
	return &Session{UserID: tr.User.ID, Email: userEmail, Token: tok}, nil
}

func (p *GoTrueProvider) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", p.anonKey)
	req.Header.Set("Authorization", "Bearer "+p.anonKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
