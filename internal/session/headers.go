package session

import "net/http"

// Identity header names. They are trusted: a proxy in front of the
// middleware must strip them from client requests.
const (
	HeaderUserID       = "userid"
	HeaderAccessToken  = "access_token"
	HeaderRefreshToken = "refresh_token"
	HeaderUser         = "user"
)

// ReadHeaders returns the identity carried by the request headers.
func ReadHeaders(h http.Header) Payload {
	return Payload{
		UserID:       Opt(h.Get(HeaderUserID)),
		AccessToken:  Opt(h.Get(HeaderAccessToken)),
		RefreshToken: Opt(h.Get(HeaderRefreshToken)),
		User:         Opt(h.Get(HeaderUser)),
	}
}

// WriteHeaders sets the present fields of p on h and removes the absent ones.
func WriteHeaders(h http.Header, p Payload) {
	set := func(name string, v OptString) {
		if v.Present() {
			h.Set(name, v.String())
		} else {
			h.Del(name)
		}
	}
	set(HeaderUserID, p.UserID)
	set(HeaderAccessToken, p.AccessToken)
	set(HeaderRefreshToken, p.RefreshToken)
	set(HeaderUser, p.User)
}

// Inbound is the identity found on an incoming request.
type Inbound struct {
	Cookie  Payload
	Headers Payload
}

// ReadInbound collects the cookie and header identity of r.
func ReadInbound(r *http.Request, codec *CookieCodec) Inbound {
	return Inbound{
		Cookie:  codec.Read(r),
		Headers: ReadHeaders(r.Header),
	}
}

// Merged returns the effective identity: headers override the cookie per field.
func (in Inbound) Merged() Payload {
	return in.Headers.Or(in.Cookie)
}
