package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/mnehpets/tripalbum/metrics"
	"github.com/mnehpets/tripalbum/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	testClientID    = "album"
	testRedirectURL = "http://album.test/auth/callback"
	testKeyID       = "test-key"
)

// fakeIdP is a minimal OpenID provider: discovery, JWKS, token (code and
// refresh grants, PKCE checked) and userinfo.
type fakeIdP struct {
	*httptest.Server
	t   *testing.T
	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]string // code -> code_challenge
	nextCode      int
	tokenCalls    int
	userInfoCalls int
	userInfo      map[string]any
	userInfoFails bool
	// idTokenSubject, when set, adds an id_token for that subject to code
	// exchanges.
	idTokenSubject string
	// tokenDelay slows the token endpoint down.
	tokenDelay time.Duration
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fakeIdP{
		t:     t,
		key:   key,
		codes: make(map[string]string),
		userInfo: map[string]any{
			"sub":          "user-1",
			"email":        "ada@example.com",
			"given_name":   "Ada",
			"family_name":  "Lovelace",
			"access_level": "admin",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("GET /jwks", f.jwks)
	mux.HandleFunc("POST /token", f.token)
	mux.HandleFunc("GET /userinfo", f.userinfoHandler)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// set changes the provider's behaviour under its lock.
func (f *fakeIdP) set(fn func(*fakeIdP)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeIdP) calls() (token, userinfo int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.userInfoCalls
}

// authorize plays the user approving the request behind location. It
// returns the code and state the provider would send to the callback.
func (f *fakeIdP) authorize(location string) (code, state string) {
	f.t.Helper()
	u, err := url.Parse(location)
	if err != nil {
		f.t.Fatalf("parse authorization url: %v", err)
	}
	if u.Path != "/authorize" {
		f.t.Fatalf("authorization path: got %q", u.Path)
	}
	q := u.Query()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCode++
	code = fmt.Sprintf("code-%d", f.nextCode)
	f.codes[code] = q.Get("code_challenge")
	return code, q.Get("state")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeIdP) discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                f.URL,
		"authorization_endpoint":                f.URL + "/authorize",
		"token_endpoint":                        f.URL + "/token",
		"userinfo_endpoint":                     f.URL + "/userinfo",
		"jwks_uri":                              f.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *fakeIdP) jwks(w http.ResponseWriter, _ *http.Request) {
	jwk := jose.JSONWebKey{Key: &f.key.PublicKey, Use: "sig", Algorithm: string(jose.RS256), KeyID: testKeyID}
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

func (f *fakeIdP) idToken(subject string) string {
	f.t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: f.key, KeyID: testKeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		f.t.Fatalf("new signer: %v", err)
	}
	now := time.Now()
	raw, err := jwt.Signed(signer).Claims(jwt.Claims{
		Issuer:   f.URL,
		Subject:  subject,
		Audience: jwt.Audience{testClientID},
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt: jwt.NewNumericDate(now),
	}).Serialize()
	if err != nil {
		f.t.Fatalf("sign id_token: %v", err)
	}
	return raw
}

func tokenError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenCalls++
	delay := f.tokenDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	form := r.PostForm
	if form.Get("client_id") != testClientID {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "Unknown client")
		return
	}

	switch form.Get("grant_type") {
	case "authorization_code":
		f.mu.Lock()
		challenge, ok := f.codes[form.Get("code")]
		delete(f.codes, form.Get("code"))
		subject := f.idTokenSubject
		f.mu.Unlock()
		if !ok {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "Authorization code expired")
			return
		}
		if DeriveChallenge(form.Get("code_verifier")) != challenge {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
		if form.Get("redirect_uri") != testRedirectURL {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "Redirect URI mismatch")
			return
		}
		resp := map[string]any{
			"access_token":  "at-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-1",
			"scope":         "openid profile email",
		}
		if subject != "" {
			resp["id_token"] = f.idToken(subject)
		}
		writeJSON(w, http.StatusOK, resp)
	case "refresh_token":
		if form.Get("refresh_token") != "rt-1" {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "Refresh token revoked")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "at-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-2",
		})
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (f *fakeIdP) userinfoHandler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.userInfoCalls++
	fails := f.userInfoFails
	info := f.userInfo
	f.mu.Unlock()

	auth := r.Header.Get("Authorization")
	if fails || (auth != "Bearer at-1" && auth != "Bearer at-2") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func newTestClient(t *testing.T, idp *fakeIdP, withIssuer bool) *Client {
	t.Helper()
	cfg := Config{BaseURL: idp.URL, ClientID: testClientID, RedirectURL: testRedirectURL}
	if withIssuer {
		cfg.Issuer = idp.URL
	}
	c, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

type upsert struct{ id, email, name string }

type fakeUsers struct {
	mu    sync.Mutex
	calls []upsert
	err   error
}

func (u *fakeUsers) UpsertUser(_ context.Context, id, email, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.calls = append(u.calls, upsert{id, email, name})
	return nil
}

// cookieJar keeps the cookies a browser would send back.
type cookieJar map[string]*http.Cookie

func (j cookieJar) update(rec *httptest.ResponseRecorder) {
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(j, c.Name)
			continue
		}
		j[c.Name] = c
	}
}

type testEnv struct {
	idp      *fakeIdP
	client   *Client
	sessions *middleware.SessionStore
	users    *fakeUsers
	metrics  *metrics.Metrics
	handler  *Handler
}

func newTestEnv(t *testing.T, withIssuer bool, opts ...Option) *testEnv {
	t.Helper()
	idp := newFakeIdP(t)
	codec, err := middleware.NewSessionCodec("test-session-secret")
	if err != nil {
		t.Fatalf("NewSessionCodec: %v", err)
	}
	env := &testEnv{
		idp:      idp,
		client:   newTestClient(t, idp, withIssuer),
		sessions: middleware.NewSessionStore(codec),
		users:    &fakeUsers{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	opts = append([]Option{WithUserStore(env.users), WithMetrics(env.metrics)}, opts...)
	env.handler = NewHandler(env.client, NewCookieStateStore(false), env.sessions, opts...)
	return env
}

// do serves one request with the jar's cookies and records the response
// cookies into the jar.
func (e *testEnv) do(method, target string, jar cookieJar, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	for _, c := range jar {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, r)
	jar.update(rec)
	return rec
}

// signIn runs login, provider approval and callback.
func (e *testEnv) signIn(t *testing.T, jar cookieJar, loginTarget string) *httptest.ResponseRecorder {
	t.Helper()
	rec := e.do(http.MethodGet, loginTarget, jar, nil)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("login status: got %d", rec.Code)
	}
	code, state := e.idp.authorize(rec.Header().Get("Location"))
	q := url.Values{"code": {code}, "state": {state}}
	return e.do(http.MethodGet, "/auth/callback?"+q.Encode(), jar, nil)
}
