package auth

import (
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/mnehpets/tripalbum/endpoint"
	"github.com/mnehpets/tripalbum/metrics"
	"github.com/mnehpets/tripalbum/middleware"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// UserStore records users who complete sign-in. name may be empty.
type UserStore interface {
	UpsertUser(ctx context.Context, id, email, name string) error
}

// Paths are the routes the Handler serves and redirects between.
type Paths struct {
	Home     string
	Login    string
	SSO      string
	Callback string
	Logout   string
	Refresh  string
	Session  string
	Landing  string
}

// DefaultPaths returns the album's routes.
func DefaultPaths() Paths {
	return Paths{
		Home:     "/",
		Login:    "/login",
		SSO:      "/sso",
		Callback: "/auth/callback",
		Logout:   "/logout",
		Refresh:  "/auth/refresh",
		Session:  "/api/session",
		Landing:  "/trips",
	}
}

// Handler serves the sign-in flow and the session endpoints.
type Handler struct {
	mux      *http.ServeMux
	client   *Client
	states   StateStore
	sessions *middleware.SessionStore
	users    UserStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	paths    Paths

	// processors run for every endpoint, before the per-route ones.
	processors []endpoint.Processor
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds processors to every endpoint.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) { h.processors = append(h.processors, p...) }
}

// WithUserStore records users on successful sign-in.
func WithUserStore(u UserStore) Option {
	return func(h *Handler) { h.users = u }
}

// WithLogger sets the logger for sign-in failures and events.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics counts flow outcomes and provider latency into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithPaths overrides DefaultPaths.
func WithPaths(p Paths) Option {
	return func(h *Handler) { h.paths = p }
}

// NewHandler wires the flow to client, the pending-state store and the
// session store.
func NewHandler(client *Client, states StateStore, sessions *middleware.SessionStore, opts ...Option) *Handler {
	h := &Handler{
		mux:      http.NewServeMux(),
		client:   client,
		states:   states,
		sessions: sessions,
		logger:   zap.NewNop(),
		paths:    DefaultPaths(),
	}
	for _, opt := range opts {
		opt(h)
	}

	page := append(h.procs(), sessions.RequirePageSession(h.paths.Logout))
	optional := append(h.procs(), sessions.Processor())

	h.mux.HandleFunc("GET "+h.paths.Home+"{$}", endpoint.HandleFunc(h.home, optional...))
	h.mux.HandleFunc("GET "+h.paths.Login, endpoint.HandleFunc(h.login, h.procs()...))
	h.mux.HandleFunc("GET "+h.paths.SSO, endpoint.HandleFunc(h.sso, h.procs()...))
	h.mux.HandleFunc("GET "+h.paths.Callback, endpoint.HandleFunc(h.callback, h.procs()...))
	h.mux.HandleFunc("GET "+h.paths.Logout, endpoint.HandleFunc(h.logoutPage, h.procs()...))
	h.mux.HandleFunc("POST "+h.paths.Logout, endpoint.HandleFunc(h.logoutAPI, h.procs()...))
	h.mux.HandleFunc("POST "+h.paths.Refresh, endpoint.HandleFunc(h.refresh, h.procs()...))
	h.mux.HandleFunc("GET "+h.paths.Session, endpoint.HandleFunc(h.session, h.procs()...))
	h.mux.HandleFunc("GET "+h.paths.Landing, endpoint.HandleFunc(h.landing, page...))
	return h
}

// procs returns a copy of the shared processors.
func (h *Handler) procs() []endpoint.Processor {
	return append([]endpoint.Processor(nil), h.processors...)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type HomeParams struct {
	Error string `query:"error" maxLength:"512"`
}

func (h *Handler) home(_ http.ResponseWriter, r *http.Request, p HomeParams) (endpoint.Renderer, error) {
	values := struct {
		Error   string
		User    *middleware.PublicView
		Login   string
		Landing string
	}{Error: p.Error, Login: h.paths.Login, Landing: h.paths.Landing}
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		view := sess.PublicView()
		values.User = &view
	}
	return &endpoint.HTMLTemplateRenderer{Template: templates, Name: "home.html", Values: values}, nil
}

type LoginParams struct {
	Redirect string `query:"redirect" maxLength:"2048"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, p LoginParams) (endpoint.Renderer, error) {
	if _, ok := h.sessions.Read(r); ok {
		return endpoint.Redirect(h.paths.Landing), nil
	}
	req, err := h.begin(w, r, p.Redirect)
	if err != nil {
		return nil, err
	}
	return endpoint.Redirect(req.URL), nil
}

type SSOParams struct {
	Redirect    string `query:"redirect" maxLength:"2048"`
	RSC         string `header:"RSC"`
	RouterState string `header:"Next-Router-State-Tree"`
}

// sso starts the flow unconditionally. Requests made by a client-side router
// cannot follow a cross-origin redirect, so they get a page that navigates
// to the provider instead.
func (h *Handler) sso(w http.ResponseWriter, r *http.Request, p SSOParams) (endpoint.Renderer, error) {
	req, err := h.begin(w, r, p.Redirect)
	if err != nil {
		return nil, err
	}
	if p.RSC != "" || p.RouterState != "" {
		return &endpoint.HTMLTemplateRenderer{Template: templates, Name: "redirect.html", Values: req.URL}, nil
	}
	return endpoint.Redirect(req.URL), nil
}

// begin builds the authorization URL and stores the pending state. The
// store completes before the caller redirects.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, redirect string) (AuthorizationRequest, error) {
	req, err := h.client.BuildAuthorizationURL()
	if err != nil {
		return AuthorizationRequest{}, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	pending := PendingState{State: req.State, Verifier: req.Verifier, Redirect: ValidateNextURLIsLocal(redirect)}
	if err := h.states.Store(w, r, pending); err != nil {
		h.logger.Error("store pending state", zap.Error(err))
		return AuthorizationRequest{}, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	h.metrics.LoginStarted()
	return req, nil
}

type CallbackParams struct {
	Code      string `query:"code"`
	State     string `query:"state"`
	Error     string `query:"error"`
	ErrorDesc string `query:"error_description"`
}

// callbackFailure sends the user home with a short message. The full error
// is only logged.
func (h *Handler) callbackFailure(result, message string, err error) (endpoint.Renderer, error) {
	h.metrics.Callback(result)
	if err != nil {
		h.logger.Warn("sign-in failed", zap.String("result", result), zap.Error(err))
	} else {
		h.logger.Warn("sign-in failed", zap.String("result", result), zap.String("message", message))
	}
	q := url.Values{"error": {message}}
	return endpoint.Redirect(h.paths.Home + "?" + q.Encode()), nil
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, p CallbackParams) (endpoint.Renderer, error) {
	if p.Error != "" {
		desc := p.ErrorDesc
		if desc == "" {
			desc = p.Error
		}
		return h.callbackFailure(metrics.ResultProviderError, desc, nil)
	}
	if p.Code == "" || p.State == "" {
		return h.callbackFailure(metrics.ResultMissingParams, "Missing authorization code or state", nil)
	}

	pending, err := h.states.RetrieveAndClear(w, r)
	if err != nil {
		return h.callbackFailure(metrics.ResultStateStore, userMessage(err), err)
	}
	if pending.State == "" || subtle.ConstantTimeCompare([]byte(pending.State), []byte(p.State)) != 1 {
		return h.callbackFailure(metrics.ResultStateMismatch, userMessage(ErrStateMismatch), ErrStateMismatch)
	}
	if pending.Verifier == "" {
		return h.callbackFailure(metrics.ResultMissingVerifier, userMessage(ErrMissingVerifier), ErrMissingVerifier)
	}

	ctx := r.Context()
	start := time.Now()
	tok, err := h.client.ExchangeCodeForTokens(ctx, p.Code, pending.Verifier)
	h.metrics.ObserveProvider("token", start)
	if err != nil {
		return h.callbackFailure(metrics.ResultExchange, userMessage(err), err)
	}
	idToken, err := h.client.VerifyIDToken(ctx, tok)
	if err != nil {
		return h.callbackFailure(metrics.ResultIDToken, userMessage(err), err)
	}

	start = time.Now()
	info, err := h.client.GetUserInfo(ctx, tok.AccessToken)
	h.metrics.ObserveProvider("userinfo", start)
	if err != nil {
		return h.callbackFailure(metrics.ResultUserInfo, userMessage(err), err)
	}
	if idToken != nil && idToken.Subject != info.Subject {
		return h.callbackFailure(metrics.ResultIDToken, userMessage(ErrSubjectMismatch), ErrSubjectMismatch)
	}

	name := info.DisplayName()
	if h.users != nil {
		if err := h.users.UpsertUser(ctx, info.Subject, info.Email, name); err != nil {
			return h.callbackFailure(metrics.ResultUserStore, userMessage(err), err)
		}
	}

	sess := middleware.Session{
		UserID:       info.Subject,
		Email:        info.Email,
		Name:         name,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    h.client.ExpiresAt(tok),
	}
	if err := h.sessions.Create(w, r, sess); err != nil {
		return h.callbackFailure(metrics.ResultSession, userMessage(err), err)
	}

	h.metrics.Callback(metrics.ResultSuccess)
	h.logger.Info("signed in", zap.String("user_id", info.Subject))

	target := pending.Redirect
	if target == "" {
		target = h.paths.Landing
	}
	return endpoint.Redirect(target), nil
}

func (h *Handler) logoutPage(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	h.sessions.Destroy(w, r)
	h.metrics.Logout()
	return endpoint.Redirect(h.paths.Login), nil
}

func (h *Handler) logoutAPI(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	h.sessions.Destroy(w, r)
	h.metrics.Logout()
	return &endpoint.JSONRenderer{Value: map[string]bool{"success": true}}, nil
}

func unauthorized(message string) endpoint.Renderer {
	return &endpoint.JSONRenderer{Status: http.StatusUnauthorized, Value: map[string]string{"error": message}}
}

// RefreshResponse is the body of a successful refresh.
type RefreshResponse struct {
	User      middleware.PublicView `json:"user"`
	ExpiresAt time.Time             `json:"expiresAt"`
}

// refresh renews the access token. It reads the session without the expiry
// buffer, since renewing a nearly expired token is the point. Any failure
// ends the session.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, ok := h.sessions.ReadRaw(r)
	if !ok {
		h.metrics.Refresh(metrics.ResultNoSession)
		return unauthorized("Unauthorized"), nil
	}

	start := time.Now()
	tok, err := h.client.RefreshAccessToken(r.Context(), sess.RefreshToken)
	h.metrics.ObserveProvider("refresh", start)
	if err != nil {
		h.metrics.Refresh(metrics.ResultRefresh)
		h.logger.Warn("token refresh failed", zap.String("user_id", sess.UserID), zap.Error(err))
		h.sessions.Destroy(w, r)
		return unauthorized(userMessage(err)), nil
	}

	sess.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		sess.RefreshToken = tok.RefreshToken
	}
	sess.ExpiresAt = h.client.ExpiresAt(tok)
	if err := h.sessions.Create(w, r, sess); err != nil {
		h.metrics.Refresh(metrics.ResultSession)
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	h.metrics.Refresh(metrics.ResultSuccess)
	return &endpoint.JSONRenderer{Value: RefreshResponse{User: sess.PublicView(), ExpiresAt: sess.ExpiresAt}}, nil
}

func (h *Handler) session(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	view, ok := h.sessions.ReadPublicView(r)
	if !ok {
		return &endpoint.JSONRenderer{Value: nil}, nil
	}
	return &endpoint.JSONRenderer{Value: view}, nil
}

func (h *Handler) landing(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", errors.New("landing reached without session"))
	}
	values := struct {
		User   middleware.PublicView
		Logout string
	}{User: sess.PublicView(), Logout: h.paths.Logout}
	return &endpoint.HTMLTemplateRenderer{Template: templates, Name: "trips.html", Values: values}, nil
}
