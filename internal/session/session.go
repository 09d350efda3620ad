// Package session holds the request-scoped authentication context and its
// wire forms: the session cookie and the trusted identity headers.
package session

import (
	"encoding/json"
	"strings"

	"github.com/wadahiro/fedgate/internal/oidc"
)

// OptString is a string field that may be absent. JSON null, "", "null" and
// "undefined" all decode to the empty (absent) value.
type OptString string

// UnmarshalJSON implements json.Unmarshaler. Non-string values keep their raw
// JSON text so an inline user object still parses later.
func (s *OptString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		*s = OptString(b)
		return nil
	}
	*s = Opt(v)
	return nil
}

// Opt normalizes v, mapping the absent sentinels to "".
func Opt(v string) OptString {
	switch strings.TrimSpace(v) {
	case "", "null", "undefined":
		return ""
	}
	return OptString(v)
}

// Present reports whether the field has a value.
func (s OptString) Present() bool { return s != "" }

// String returns the value, or "" when absent.
func (s OptString) String() string { return string(s) }

// Payload is the identity carried by the session cookie and the identity headers.
// User is itself a JSON-encoded object.
type Payload struct {
	UserID       OptString `json:"userid,omitempty"`
	AccessToken  OptString `json:"access_token,omitempty"`
	RefreshToken OptString `json:"refresh_token,omitempty"`
	User         OptString `json:"user,omitempty"`
}

// Complete reports whether all four fields are present.
func (p Payload) Complete() bool {
	return p.UserID.Present() && p.AccessToken.Present() && p.RefreshToken.Present() && p.User.Present()
}

// Or returns p with its absent fields taken from fallback.
func (p Payload) Or(fallback Payload) Payload {
	if !p.UserID.Present() {
		p.UserID = fallback.UserID
	}
	if !p.AccessToken.Present() {
		p.AccessToken = fallback.AccessToken
	}
	if !p.RefreshToken.Present() {
		p.RefreshToken = fallback.RefreshToken
	}
	if !p.User.Present() {
		p.User = fallback.User
	}
	return p
}

// AuthContext is the authentication state of one request. It is never stored
// server-side and is not safe for concurrent use.
type AuthContext struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	User         map[string]any
	RetryCount   int
	AuthError    *oidc.AuthError
}

// NewAuthContext builds a context from p. User is left nil; see ParseUser.
func NewAuthContext(p Payload) *AuthContext {
	return &AuthContext{
		UserID:       p.UserID.String(),
		AccessToken:  p.AccessToken.String(),
		RefreshToken: p.RefreshToken.String(),
	}
}

// Payload returns the wire form of ac.
func (ac *AuthContext) Payload() Payload {
	p := Payload{
		UserID:       Opt(ac.UserID),
		AccessToken:  Opt(ac.AccessToken),
		RefreshToken: Opt(ac.RefreshToken),
	}
	if ac.User != nil {
		if b, err := json.Marshal(ac.User); err == nil {
			p.User = OptString(b)
		}
	}
	return p
}

// ClearIdentity drops the tokens and the user.
func (ac *AuthContext) ClearIdentity() {
	ac.UserID = ""
	ac.AccessToken = ""
	ac.RefreshToken = ""
	ac.User = nil
}

// SetError merges err into AuthError. Fields of err that are set overwrite
// the existing ones.
func (ac *AuthContext) SetError(err *oidc.AuthError) {
	if err == nil {
		return
	}
	merged := *err
	ac.AuthError = merged.Merge(ac.AuthError)
}

// ParseUser decodes the user object, preferring the header value. It fails
// when the chosen value is absent, not JSON, or not an object.
func ParseUser(header, cookie OptString) (map[string]any, error) {
	raw := header
	if !raw.Present() {
		raw = cookie
	}
	if !raw.Present() {
		return nil, &oidc.AuthError{Code: oidc.CodeInvalidUserObject, Description: oidc.DescInvalidUserObject}
	}
	var user map[string]any
	if err := json.Unmarshal([]byte(raw), &user); err != nil || user == nil {
		return nil, &oidc.AuthError{Code: oidc.CodeInvalidUserObject, Description: oidc.DescInvalidUserObject}
	}
	return user, nil
}
