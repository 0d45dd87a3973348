package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const cookieName = "mailscan_session"

// DefaultMaxAge is the cookie lifetime; expiry is enforced here at parse
// time, not in the backing store.
const DefaultMaxAge = 7 * 24 * time.Hour

// Cookies signs session handles into tamper-evident cookie values. The
// handle stays opaque; the signature binds it to this process's secret and
// an issue timestamp.
type Cookies struct {
	secret []byte
	maxAge time.Duration
}

func NewCookies(secret string, maxAge time.Duration) (*Cookies, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &Cookies{secret: []byte(secret), maxAge: maxAge}, nil
}

func (c *Cookies) Issue(handle string, now time.Time) string {
	payload := handle + "|" + strconv.FormatInt(now.Unix(), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + c.sign(payload)))
}

// Parse returns the session handle carried by token, rejecting bad
// signatures and tokens older than the max age.
func (c *Cookies) Parse(token string, now time.Time) (string, error) {
	if token == "" {
		return "", errors.New("missing session token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errors.New("invalid session token")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", errors.New("invalid session token")
	}
	payload := parts[0] + "|" + parts[1]
	if !hmac.Equal([]byte(c.sign(payload)), []byte(parts[2])) {
		return "", errors.New("invalid session token")
	}
	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", errors.New("invalid session token")
	}
	if now.Sub(time.Unix(issued, 0)) > c.maxAge {
		return "", errors.New("session expired")
	}
	return parts[0], nil
}

func (c *Cookies) Set(w http.ResponseWriter, handle string, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    c.Issue(handle, now),
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		Expires:  now.Add(c.maxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *Cookies) Name() string {
	return cookieName
}

func (c *Cookies) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
