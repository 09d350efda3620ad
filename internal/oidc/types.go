package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Error codes produced locally. Codes returned by the authorization server
// (invalid_grant, invalid_token, ...) pass through unchanged.
const (
	CodeInvalidCode       = "invalid_code"
	CodeInvalidGrant      = "invalid_grant"
	CodeInvalidSession    = "invalid_session"
	CodeInvalidUserObject = "invalid_user_object"
	CodeMissingJWT        = "missing_jwt"
	CodeServerUnreachable = "auth_server_conn_error"
	CodeUserInfo          = "user_info_error"
	DescInvalidCode       = "Invalid code"
	DescInvalidTokens     = "Invalid tokens"
	DescSessionInactive   = "Session is no longer active"
	DescMissingJWT        = "access token not found or is null"
	DescServerUnreachable = "Auth Server Connection Error"
	DescUserInfo          = "Unable to retrieve user Info"
	DescInvalidUserObject = "User object is missing or malformed"
)

// AuthError is an OAuth 2.0 / OIDC protocol error (RFC 6749 Section 5.2,
// RFC 6750 Section 3), either reported by the server or synthesized locally.
type AuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	StatusCode  int    `json:"-"` // 0 when synthesized locally
	RawBody     string `json:"-"`
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	if e.Code == "" && e.StatusCode != 0 {
		return fmt.Sprintf("authorization server returned status %d", e.StatusCode)
	}
	return e.Code
}

// Merge fills the empty fields of e from other and returns e.
// A nil e yields a copy of other.
func (e *AuthError) Merge(other *AuthError) *AuthError {
	if other == nil {
		return e
	}
	if e == nil {
		c := *other
		return &c
	}
	if e.Code == "" {
		e.Code = other.Code
	}
	if e.Description == "" {
		e.Description = other.Description
	}
	if e.URI == "" {
		e.URI = other.URI
	}
	if e.StatusCode == 0 {
		e.StatusCode = other.StatusCode
	}
	return e
}

// AsAuthError returns the *AuthError in err's chain, or nil.
func AsAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

func newAuthError(code, desc string) *AuthError {
	return &AuthError{Code: code, Description: desc}
}

// parseAuthError decodes an error response body. Bodies that are not JSON
// produce an AuthError with only the status and raw body set.
func parseAuthError(status int, body []byte) *AuthError {
	ae := &AuthError{StatusCode: status, RawBody: string(body)}
	var resp struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
		URI         string `json:"error_uri"`
	}
	if json.Unmarshal(body, &resp) == nil {
		ae.Code = resp.Error
		ae.Description = resp.Description
		ae.URI = resp.URI
	}
	return ae
}

// extractOAuthError converts an oauth2.RetrieveError into an AuthError.
// Other errors are returned unchanged.
func extractOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		ae := &AuthError{
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
			URI:         re.ErrorURI,
			RawBody:     string(re.Body),
		}
		if re.Response != nil {
			ae.StatusCode = re.Response.StatusCode
		}
		return ae
	}
	return err
}

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Expiry       time.Time
}

func toTokenResponse(tok *oauth2.Token) *TokenResponse {
	tr := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		tr.IDToken = idToken
	}
	return tr
}

// IntrospectionResult is a token introspection response (RFC 7662).
type IntrospectionResult struct {
	Active bool
	Claims map[string]any
}

// Endpoints are the authorization server URLs used by Client.
type Endpoints struct {
	Issuer        string
	Authorization string
	Token         string
	Introspection string
	UserInfo      string
	Logout        string
}

// KeycloakEndpoints derives Endpoints from base, the issuer joined with the
// OpenID Connect endpoint path (e.g. "/protocol/openid-connect").
func KeycloakEndpoints(issuer, base string) Endpoints {
	return Endpoints{
		Issuer:        issuer,
		Authorization: base + "/auth",
		Token:         base + "/token",
		Introspection: base + "/token/introspect",
		UserInfo:      base + "/userinfo",
		Logout:        base + "/logout",
	}
}
