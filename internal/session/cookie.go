package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/securecookie"

	"github.com/wadahiro/fedgate/internal/config"
)

// CookieCodec reads and writes the session cookie. With a hash key
// configured the value is sealed by securecookie; otherwise it is
// URL-escaped JSON.
type CookieCodec struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	maxAge   int
	sealer   *securecookie.SecureCookie
}

// NewCookieCodec creates a codec from cfg.
func NewCookieCodec(cfg config.CookieConfig) *CookieCodec {
	c := &CookieCodec{
		name:     cfg.Name,
		path:     cfg.Path,
		domain:   cfg.Domain,
		secure:   cfg.Secure,
		sameSite: cfg.SameSiteMode(),
		maxAge:   cfg.MaxAge,
	}
	if c.name == "" {
		c.name = "userInfo"
	}
	if c.path == "" {
		c.path = "/"
	}
	if cfg.Sealed() {
		var blockKey []byte
		if cfg.BlockKey != "" {
			blockKey = []byte(cfg.BlockKey)
		}
		c.sealer = securecookie.New([]byte(cfg.HashKey), blockKey).SetSerializer(securecookie.JSONEncoder{})
		if cfg.MaxAge > 0 {
			c.sealer.MaxAge(cfg.MaxAge)
		}
	}
	return c
}

// Read returns the payload of the session cookie in r. A missing or
// undecodable cookie yields an empty payload.
func (c *CookieCodec) Read(r *http.Request) Payload {
	value, ok := rawCookie(r, c.name)
	if !ok {
		return Payload{}
	}
	return c.Decode(value)
}

// Decode parses a cookie value.
func (c *CookieCodec) Decode(value string) Payload {
	var p Payload
	if c.sealer != nil {
		if err := c.sealer.Decode(c.name, value, &p); err != nil {
			return Payload{}
		}
		return p
	}
	// Raw JSON set by other clients is read as is; only escaped values are unescaped.
	if !strings.HasPrefix(value, "{") {
		unescaped, err := url.PathUnescape(value)
		if err != nil {
			return Payload{}
		}
		value = unescaped
	}
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return Payload{}
	}
	return p
}

// Encode produces a cookie value for p.
func (c *CookieCodec) Encode(p Payload) (string, error) {
	if c.sealer != nil {
		v, err := c.sealer.Encode(c.name, p)
		if err != nil {
			return "", fmt.Errorf("seal session cookie: %w", err)
		}
		return v, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode session cookie: %w", err)
	}
	return url.PathEscape(string(b)), nil
}

// Cookie builds the Set-Cookie entry for p.
func (c *CookieCodec) Cookie(p Payload) (*http.Cookie, error) {
	v, err := c.Encode(p)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     c.name,
		Value:    v,
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   c.maxAge,
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}, nil
}

// rawCookie finds a cookie by name in the Cookie headers without validating
// its value, so unescaped JSON written by other clients is still readable.
func rawCookie(r *http.Request, name string) (string, bool) {
	for _, line := range r.Header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && k == name {
				if len(v) > 1 && v[0] == '"' && v[len(v)-1] == '"' {
					v = v[1 : len(v)-1]
				}
				return v, true
			}
		}
	}
	return "", false
}
