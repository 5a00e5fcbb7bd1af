package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/mnehpets/tripalbum/endpoint"
)

// DefaultCookieName is the name of the session cookie.
const DefaultCookieName = "session"

// DefaultSessionPeriod is the cookie max-age.
const DefaultSessionPeriod = 7 * 24 * time.Hour

// RefreshBuffer is how long before the access token expires a session stops
// being served. Callers refresh or re-authenticate instead.
const RefreshBuffer = 60 * time.Second

// Session is the record sealed into the session cookie. There is no server
// side copy.
type Session struct {
	// UserID is the identity provider subject.
	UserID       string    `cbor:"1,keyasint"`
	Email        string    `cbor:"2,keyasint,omitempty"`
	Name         string    `cbor:"3,keyasint,omitempty"`
	AccessToken  string    `cbor:"4,keyasint"`
	RefreshToken string    `cbor:"5,keyasint,omitempty"`
	ExpiresAt    time.Time `cbor:"6,keyasint"`
}

// ValidAt reports whether s may be served at now: it must name a user and an
// access token, and the token must outlive now by more than RefreshBuffer.
func (s Session) ValidAt(now time.Time) bool {
	if s.UserID == "" || s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.After(now.Add(RefreshBuffer))
}

// PublicView strips the tokens from s.
func (s Session) PublicView() PublicView {
	return PublicView{UserID: s.UserID, Email: s.Email, Name: s.Name}
}

// PublicView is the only form of the session handed to rendering code.
type PublicView struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

// SessionUpdate holds the fields Update changes; nil fields are kept.
type SessionUpdate struct {
	Email        *string
	Name         *string
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
}

func (u SessionUpdate) apply(s Session) Session {
	if u.Email != nil {
		s.Email = *u.Email
	}
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.AccessToken != nil {
		s.AccessToken = *u.AccessToken
	}
	if u.RefreshToken != nil {
		s.RefreshToken = *u.RefreshToken
	}
	if u.ExpiresAt != nil {
		s.ExpiresAt = *u.ExpiresAt
	}
	return s
}

// SessionStore reads and writes the encrypted session cookie. It is the only
// code touching persisted session state.
type SessionStore struct {
	codec    *SessionCodec
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	maxAge   time.Duration
	now      func() time.Time
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) SessionStoreOption {
	return func(s *SessionStore) { s.name = name }
}

// WithSecure sets the Secure attribute. Production deployments set it.
func WithSecure(secure bool) SessionStoreOption {
	return func(s *SessionStore) { s.secure = secure }
}

// WithDomain sets the cookie Domain attribute.
func WithDomain(domain string) SessionStoreOption {
	return func(s *SessionStore) { s.domain = domain }
}

// WithMaxAge overrides DefaultSessionPeriod.
func WithMaxAge(d time.Duration) SessionStoreOption {
	return func(s *SessionStore) { s.maxAge = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SessionStoreOption {
	return func(s *SessionStore) { s.now = now }
}

// NewSessionStore returns a store sealing sessions with codec.
func NewSessionStore(codec *SessionCodec, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		codec:    codec,
		name:     DefaultCookieName,
		path:     "/",
		sameSite: http.SameSiteLaxMode,
		maxAge:   DefaultSessionPeriod,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CookieName returns the session cookie name.
func (s *SessionStore) CookieName() string { return s.name }

// Create seals sess and sets the session cookie. Inside an endpoint handler
// the cookie is written just before the response; the last Create or Destroy
// of a request wins.
func (s *SessionStore) Create(w http.ResponseWriter, r *http.Request, sess Session) error {
	value, err := s.codec.Encrypt(sess)
	if err != nil {
		return err
	}
	s.setCookie(w, r, &http.Cookie{
		Name:     s.name,
		Value:    value,
		Path:     s.path,
		Domain:   s.domain,
		MaxAge:   int(s.maxAge.Seconds()),
		Expires:  s.now().Add(s.maxAge),
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: s.sameSite,
	})
	return nil
}

// setCookie defers c through endpoint.Defer, or writes it at once outside an
// endpoint handler. Hooks run last first, so a hook skips its cookie when a
// later write already set one.
func (s *SessionStore) setCookie(w http.ResponseWriter, r *http.Request, c *http.Cookie) {
	deferred := endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		if s.cookieSet(w.Header()) {
			return
		}
		http.SetCookie(w, c)
	})
	if !deferred {
		http.SetCookie(w, c)
	}
}

func (s *SessionStore) cookieSet(h http.Header) bool {
	for _, line := range h.Values("Set-Cookie") {
		if c, err := http.ParseSetCookie(line); err == nil && c.Name == s.name {
			return true
		}
	}
	return false
}

// ReadRaw decrypts the session cookie without the expiry check. Only the
// token refresh path uses it; everything else calls Read.
func (s *SessionStore) ReadRaw(r *http.Request) (Session, bool) {
	c, err := r.Cookie(s.name)
	if err != nil || c.Value == "" {
		return Session{}, false
	}
	var sess Session
	if err := s.codec.Decrypt(c.Value, &sess); err != nil {
		return Session{}, false
	}
	if sess.UserID == "" || sess.AccessToken == "" {
		return Session{}, false
	}
	return sess, true
}

// Read returns the current session. A missing, tampered or undecodable
// cookie, or a token expiring within RefreshBuffer, all yield false.
func (s *SessionStore) Read(r *http.Request) (Session, bool) {
	sess, ok := s.ReadRaw(r)
	if !ok || !sess.ValidAt(s.now()) {
		return Session{}, false
	}
	return sess, true
}

// ReadPublicView is Read without the tokens.
func (s *SessionStore) ReadPublicView(r *http.Request) (PublicView, bool) {
	sess, ok := s.Read(r)
	if !ok {
		return PublicView{}, false
	}
	return sess.PublicView(), true
}

// Update merges upd into the current session and rewrites the cookie.
// It returns false, and writes nothing, when there is no valid session.
func (s *SessionStore) Update(w http.ResponseWriter, r *http.Request, upd SessionUpdate) (bool, error) {
	sess, ok := s.Read(r)
	if !ok {
		return false, nil
	}
	if err := s.Create(w, r, upd.apply(sess)); err != nil {
		return false, err
	}
	return true, nil
}

// Destroy expires the session cookie. It is safe without a session.
func (s *SessionStore) Destroy(w http.ResponseWriter, r *http.Request) {
	s.setCookie(w, r, &http.Cookie{
		Name:     s.name,
		Value:    "",
		Path:     s.path,
		Domain:   s.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: s.sameSite,
	})
}

type sessionContextKey struct{}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the session placed by one of the store's
// processors, and whether there is one.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	return sess, ok
}

// Processor loads the session, when there is a valid one, into the request
// context and always continues.
func (s *SessionStore) Processor() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		if sess, ok := s.Read(r); ok {
			r = r.WithContext(WithSession(r.Context(), sess))
		}
		return next(w, r)
	})
}

// RequireSession answers 401 {"error":"Unauthorized"} without a valid
// session. API routes use it.
func (s *SessionStore) RequireSession() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		sess, ok := s.Read(r)
		if !ok {
			return &endpoint.Stop{Renderer: &endpoint.JSONRenderer{
				Status: http.StatusUnauthorized,
				Value:  map[string]string{"error": "Unauthorized"},
			}}
		}
		return next(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// RequirePageSession redirects to logoutPath without a valid session. The
// logout route clears whatever cookie got past the Guard and sends the user
// on to login.
func (s *SessionStore) RequirePageSession(logoutPath string) endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		sess, ok := s.Read(r)
		if !ok {
			return &endpoint.Stop{Renderer: endpoint.Redirect(logoutPath)}
		}
		return next(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}
