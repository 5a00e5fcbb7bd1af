package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the identity provider the album signs in with.
const DefaultBaseURL = "https://auth.sebbyk.net"

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email"}

// DefaultTimeout bounds every call to the identity provider.
const DefaultTimeout = 10 * time.Second

// defaultTokenLifetime is assumed when the token response has no expires_in.
const defaultTokenLifetime = time.Hour

// Config describes the identity provider and this client's registration.
type Config struct {
	// BaseURL serves /authorize, /token, /userinfo and /jwks. Ignored when
	// Issuer is set.
	BaseURL string
	// Issuer, when set, enables OIDC discovery and ID token verification.
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Timeout bounds each provider call. Default DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client talks to the identity provider. It holds no per-user state and is
// safe for concurrent use.
type Client struct {
	oauth      *oauth2.Config
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	now        func() time.Time
}

// NewClient builds a Client. With cfg.Issuer set it performs discovery,
// which is a network call bounded by ctx.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("auth: client id is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("auth: redirect url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	c := &Client{httpClient: httpClient, now: time.Now}
	ctx = oidc.ClientContext(ctx, httpClient)

	if cfg.Issuer != "" {
		p, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("auth: discover %q: %w", cfg.Issuer, err)
		}
		c.provider = p
		c.verifier = p.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	} else {
		base := strings.TrimRight(cfg.BaseURL, "/")
		if base == "" {
			base = DefaultBaseURL
		}
		c.provider = (&oidc.ProviderConfig{
			IssuerURL:   base,
			AuthURL:     base + "/authorize",
			TokenURL:    base + "/token",
			UserInfoURL: base + "/userinfo",
			JWKSURL:     base + "/jwks",
		}).NewProvider(ctx)
	}

	endpoint := c.provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	c.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
	}
	return c, nil
}

func (c *Client) context(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, c.httpClient)
}

// AuthorizationRequest is a prepared redirect to the provider. State and
// Verifier must be stored before the user is sent to URL.
type AuthorizationRequest struct {
	URL      string
	State    string
	Verifier string
}

// BuildAuthorizationURL generates a state and PKCE pair and returns the
// authorization URL carrying them.
func (c *Client) BuildAuthorizationURL() (AuthorizationRequest, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	state, err := GenerateState()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	u := c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", DeriveChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return AuthorizationRequest{URL: u, State: state, Verifier: verifier}, nil
}

// ExchangeCodeForTokens redeems an authorization code. Failures are
// *ExchangeError.
func (c *Client) ExchangeCodeForTokens(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	tok, err := c.oauth.Exchange(c.context(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, newExchangeError(err)
	}
	return tok, nil
}

// UserInfo is the identity returned by the userinfo endpoint.
type UserInfo struct {
	Subject     string
	Email       string
	GivenName   string
	FamilyName  string
	AccessLevel string
}

// DisplayName is "given family", or "" when both are missing.
func (u UserInfo) DisplayName() string {
	return displayName(u.GivenName, u.FamilyName)
}

type profileClaims struct {
	GivenName   string `json:"given_name"`
	FamilyName  string `json:"family_name"`
	AccessLevel string `json:"access_level"`
}

// GetUserInfo fetches the user behind accessToken. Failures are
// *UserInfoError.
func (c *Client) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	info, err := c.provider.UserInfo(c.context(ctx), ts)
	if err != nil {
		return nil, &UserInfoError{Err: err}
	}
	if info.Subject == "" {
		return nil, &UserInfoError{Err: errors.New("userinfo has no sub claim")}
	}
	var claims profileClaims
	if err := info.Claims(&claims); err != nil {
		return nil, &UserInfoError{Err: err}
	}
	return &UserInfo{
		Subject:     info.Subject,
		Email:       info.Email,
		GivenName:   claims.GivenName,
		FamilyName:  claims.FamilyName,
		AccessLevel: claims.AccessLevel,
	}, nil
}

// RefreshAccessToken trades refreshToken for a new access token. Failures
// are *RefreshError.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &RefreshError{Err: ErrNoRefreshToken}
	}
	tok, err := c.oauth.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, newRefreshError(err)
	}
	return tok, nil
}

// VerifyIDToken checks the id_token in tok when the client was configured
// with an issuer. It returns nil, nil when there is nothing to verify.
func (c *Client) VerifyIDToken(ctx context.Context, tok *oauth2.Token) (*oidc.IDToken, error) {
	if c.verifier == nil || tok == nil {
		return nil, nil
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, nil
	}
	idToken, err := c.verifier.Verify(c.context(ctx), raw)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	return idToken, nil
}

// ExpiresAt is when tok's access token expires, defaulting to an hour from
// now when the provider sent no expires_in.
func (c *Client) ExpiresAt(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return c.now().Add(defaultTokenLifetime)
	}
	return tok.Expiry
}
