package httpapi

import (
	"net/http"
	"time"
)

const (
	flowCookieName     = "folio_flow"
	sessionCookieName  = "folio_session"
	rememberCookieName = "folio_remember"
)

// CookieConfig controls cookie attributes shared by every auth cookie.
type CookieConfig struct {
	Secure bool   `env:"FOLIO_COOKIE_SECURE" envDefault:"false"`
	Domain string `env:"FOLIO_COOKIE_DOMAIN"`
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookies.Domain,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		cookie.MaxAge = int(maxAge.Seconds())
	}
	http.SetCookie(w, cookie)
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.cookies.Domain,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
