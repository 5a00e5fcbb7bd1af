package middleware

import (
	"net/http"
	"strconv"
)

// SecurityHeaders sets response headers recommended for the album's HTML
// pages and JSON API.
type SecurityHeaders struct {
	// HSTSMaxAge in seconds; 0 disables Strict-Transport-Security. Only send
	// it when the site is served over HTTPS.
	HSTSMaxAge            int
	ReferrerPolicy        string
	FrameOptions          string
	ContentSecurityPolicy string
}

// NewSecurityHeaders returns the defaults. imgSrc lists extra origins images
// may load from (the photo bucket); production enables HSTS.
func NewSecurityHeaders(production bool, imgSrc ...string) *SecurityHeaders {
	img := "img-src 'self' data: blob:"
	for _, src := range imgSrc {
		img += " " + src
	}
	h := &SecurityHeaders{
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FrameOptions:          "DENY",
		ContentSecurityPolicy: "default-src 'self'; " + img + "; base-uri 'self'; form-action 'self'; frame-ancestors 'none'",
	}
	if production {
		h.HSTSMaxAge = 31536000
	}
	return h
}

// Handler wraps next.
func (h *SecurityHeaders) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		if h.HSTSMaxAge > 0 {
			hdr.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(h.HSTSMaxAge)+"; includeSubDomains")
		}
		if h.ReferrerPolicy != "" {
			hdr.Set("Referrer-Policy", h.ReferrerPolicy)
		}
		if h.FrameOptions != "" {
			hdr.Set("X-Frame-Options", h.FrameOptions)
		}
		if h.ContentSecurityPolicy != "" {
			hdr.Set("Content-Security-Policy", h.ContentSecurityPolicy)
		}
		hdr.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}
