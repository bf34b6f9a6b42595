package api

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"ciphernotes/svc/util"
)

const (
	SessionCookie = "sessionId"
	SessionHeader = "X-Session-ID"

	maxSessionLen = 128
)

// Sessions issues and recognizes the opaque session id that marks paste
// ownership. With a hash key the cookie value is signed; unsigned or
// tampered cookies are ignored.
type Sessions struct {
	sc     *securecookie.SecureCookie
	ttl    time.Duration
	secure bool
}

func NewSessions(hashKey []byte, ttl time.Duration, secure bool) *Sessions {
	s := &Sessions{ttl: ttl, secure: secure}
	if len(hashKey) > 0 {
		s.sc = securecookie.New(hashKey, nil)
		s.sc.MaxAge(int(ttl.Seconds()))
	}
	return s
}

// FromRequest returns the caller's session id, or "" when none is present.
// The header takes precedence over the cookie.
func (s *Sessions) FromRequest(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" && len(id) <= maxSessionLen {
		return id
	}
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return ""
	}
	if s.sc == nil {
		if len(c.Value) > maxSessionLen {
			return ""
		}
		return c.Value
	}
	var id string
	if err := s.sc.Decode(SessionCookie, c.Value, &id); err != nil {
		util.Debug().Err(err).Msg("ignoring invalid session cookie")
		return ""
	}
	return id
}

// Issue sets a cookie for a new session id.
func (s *Sessions) Issue(w http.ResponseWriter, id string) error {
	value := id
	if s.sc != nil {
		encoded, err := s.sc.Encode(SessionCookie, id)
		if err != nil {
			return err
		}
		value = encoded
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}
