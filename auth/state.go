package auth

import (
	"net/http"
	"time"
)

// Pending-state cookie names.
const (
	StateCookieName    = "oauth_state"
	VerifierCookieName = "oauth_verifier"
	RedirectCookieName = "oauth_redirect"
)

// PendingStateTTL is how long a login attempt may take.
const PendingStateTTL = 10 * time.Minute

// PendingState is what survives the round trip to the identity provider.
// Empty fields mean absent.
type PendingState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	// Redirect is a local path to land on after the callback.
	Redirect string `json:"redirect,omitempty"`
}

// StateStore keeps at most one PendingState per browser. A new Store
// overwrites the previous attempt.
type StateStore interface {
	// Store saves p. It must be complete before the user is redirected.
	Store(w http.ResponseWriter, r *http.Request, p PendingState) error
	// RetrieveAndClear returns the pending state and removes it, so a second
	// call returns the zero PendingState. An error is only returned when the
	// backing store fails.
	RetrieveAndClear(w http.ResponseWriter, r *http.Request) (PendingState, error)
}

// CookieStateStore keeps the pending state in short-lived httpOnly cookies.
type CookieStateStore struct {
	secure bool
	ttl    time.Duration
}

// NewCookieStateStore returns a cookie-backed StateStore. secure sets the
// Secure attribute.
func NewCookieStateStore(secure bool) *CookieStateStore {
	return &CookieStateStore{secure: secure, ttl: PendingStateTTL}
}

func (s *CookieStateStore) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *CookieStateStore) Store(w http.ResponseWriter, _ *http.Request, p PendingState) error {
	maxAge := int(s.ttl.Seconds())
	http.SetCookie(w, s.cookie(StateCookieName, p.State, maxAge))
	http.SetCookie(w, s.cookie(VerifierCookieName, p.Verifier, maxAge))
	if p.Redirect != "" {
		http.SetCookie(w, s.cookie(RedirectCookieName, p.Redirect, maxAge))
	} else {
		http.SetCookie(w, s.cookie(RedirectCookieName, "", -1))
	}
	return nil
}

func (s *CookieStateStore) RetrieveAndClear(w http.ResponseWriter, r *http.Request) (PendingState, error) {
	var p PendingState
	if c, err := r.Cookie(StateCookieName); err == nil {
		p.State = c.Value
	}
	if c, err := r.Cookie(VerifierCookieName); err == nil {
		p.Verifier = c.Value
	}
	if c, err := r.Cookie(RedirectCookieName); err == nil {
		p.Redirect = ValidateNextURLIsLocal(c.Value)
	}
	for _, name := range []string{StateCookieName, VerifierCookieName, RedirectCookieName} {
		http.SetCookie(w, s.cookie(name, "", -1))
	}
	return p, nil
}
