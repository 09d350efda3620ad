package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpirySkew is subtracted from a token's exp before comparing it with the current time.
const ExpirySkew = 10 * time.Second

// minTokenLength is the shortest string treated as a possible JWT.
const minTokenLength = 10

var unverifiedParser = jwt.NewParser()

// IsJWT returns true if the string has the 3-part JWT structure.
func IsJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

// IsExpired reports whether token is expired at the current time.
func IsExpired(token string) bool {
	return IsExpiredAt(token, time.Now())
}

// IsExpiredAt reports whether token is expired at now. The signature is not
// verified. Anything that does not decode to a payload with a numeric exp
// counts as expired.
func IsExpiredAt(token string, now time.Time) bool {
	if len(token) < minTokenLength {
		return true
	}
	claims, err := DecodeClaims(token)
	if err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.After(exp.Add(-ExpirySkew))
}

// DecodeClaims decodes the payload segment of token. The header and the
// signature are not looked at, so tokens with an unknown alg, a non-JSON
// header or an opaque signature still decode.
func DecodeClaims(token string) (jwt.MapClaims, error) {
	if !IsJWT(token) {
		return nil, fmt.Errorf("decode claims: %w", jwt.ErrTokenMalformed)
	}
	parts := strings.Split(token, ".")
	payload, err := unverifiedParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode claims: %w: %w", jwt.ErrTokenMalformed, err)
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w: %w", jwt.ErrTokenMalformed, err)
	}
	return claims, nil
}

// Subject returns the sub claim of token, or "" if it cannot be read.
func Subject(token string) string {
	claims, err := DecodeClaims(token)
	if err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
