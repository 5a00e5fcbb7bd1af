package middleware

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Routes classifies paths for the Guard. Membership is configuration.
type Routes struct {
	// Protected prefixes need a session cookie.
	Protected []string
	// AuthOnly prefixes (login) are pointless with a session cookie.
	AuthOnly []string
	// Login receives unauthenticated users, with ?redirect=<path>.
	Login string
	// Landing receives authenticated users hitting an AuthOnly route.
	Landing string
}

// DefaultRoutes are the album's routes.
func DefaultRoutes() Routes {
	return Routes{
		Protected: []string{"/trips", "/api/trips", "/api/cities", "/api/photos", "/api/upload"},
		AuthOnly:  []string{"/login"},
		Login:     "/login",
		Landing:   "/trips",
	}
}

// staticExts are served without consulting the Guard.
var staticExts = map[string]bool{
	".svg": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// Guard is the cheap pre-routing access check. It only looks at whether the
// session cookie is present; decryption and expiry are checked later by
// SessionStore, so a request can pass the Guard and still be unauthenticated.
type Guard struct {
	routes     Routes
	cookieName string
}

// NewGuard returns a Guard keyed on the cookie named cookieName.
func NewGuard(routes Routes, cookieName string) *Guard {
	if routes.Login == "" {
		routes.Login = "/login"
	}
	if routes.Landing == "" {
		routes.Landing = "/"
	}
	return &Guard{routes: routes, cookieName: cookieName}
}

// Decide returns the redirect target for r, or ok == false to let r through.
func (g *Guard) Decide(r *http.Request) (redirect string, ok bool) {
	p := r.URL.Path
	if p == "/favicon.ico" || staticExts[strings.ToLower(path.Ext(p))] {
		return "", false
	}
	_, err := r.Cookie(g.cookieName)
	hasCookie := err == nil

	if !hasCookie && hasPrefix(p, g.routes.Protected) {
		q := url.Values{"redirect": {p}}
		return g.routes.Login + "?" + q.Encode(), true
	}
	if hasCookie && hasPrefix(p, g.routes.AuthOnly) {
		return g.routes.Landing, true
	}
	return "", false
}

// Handler wraps next with the Guard.
func (g *Guard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if target, ok := g.Decide(r); ok {
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
