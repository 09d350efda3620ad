package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wadahiro/fedgate/internal/oidc"
	"github.com/wadahiro/fedgate/internal/protocol"
	"github.com/wadahiro/fedgate/internal/session"
)

// WrapperOptions configures a Wrapper.
type WrapperOptions struct {
	Manager *Manager
	Client  Backchannel
	Cookies *session.CookieCodec

	// RedirectURI is the base of the redirect_uri sent with code exchanges;
	// the request path is appended.
	RedirectURI string
	// PostLogoutRedirectURI replaces the request path as the logout target when set.
	PostLogoutRedirectURI string
	// ResolveOnRequest resolves the session once between the two phases.
	ResolveOnRequest bool
	Logger           *slog.Logger
}

// Wrapper runs the session lifecycle around a request in two phases:
// BeginRequest before the downstream handler and FinishResponse after it.
type Wrapper struct {
	manager          *Manager
	client           Backchannel
	cookies          *session.CookieCodec
	redirectURI      string
	postLogoutURI    string
	resolveOnRequest bool
	logger           *slog.Logger
}

// NewWrapper creates a Wrapper.
func NewWrapper(opts WrapperOptions) *Wrapper {
	w := &Wrapper{
		manager:          opts.Manager,
		client:           opts.Client,
		cookies:          opts.Cookies,
		redirectURI:      opts.RedirectURI,
		postLogoutURI:    opts.PostLogoutRedirectURI,
		resolveOnRequest: opts.ResolveOnRequest,
		logger:           opts.Logger,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Exchange is the state shared by both phases of one request. Downstream
// handlers reach it through FromContext.
type Exchange struct {
	ID      string
	Request *http.Request

	ac              *session.AuthContext
	inbound         session.Inbound
	userParseFailed bool
	redirectTo      string
	tokenExpired    bool
	tokenBefore     string
	record          *Record
	manager         *Manager
	logger          *slog.Logger
}

// AuthContext returns the mutable authentication context of the request.
func (x *Exchange) AuthContext() *session.AuthContext { return x.ac }

// Logger returns a logger tagged with the request id.
func (x *Exchange) Logger() *slog.Logger { return x.logger }

// Resolve resolves the session, possibly refreshing the shared tokens.
func (x *Exchange) Resolve(ctx context.Context) Record {
	rec := x.manager.Resolve(ctx, x.ac)
	x.record = &rec
	return rec
}

// Record returns the last resolved record, resolving once if needed.
func (x *Exchange) Record(ctx context.Context) Record {
	if x.record == nil {
		return x.Resolve(ctx)
	}
	return *x.record
}

// BeginRequest is phase 1. It reads the inbound identity and handles the
// logout, code and method override query parameters. A non-nil Response is
// final: the downstream handler must not run.
func (w *Wrapper) BeginRequest(r *http.Request) (*Exchange, *Response) {
	ctx := r.Context()
	x := &Exchange{
		ID:      uuid.NewString(),
		manager: w.manager,
	}
	x.logger = w.logger.With("request_id", x.ID, "path", r.URL.Path)
	x.inbound = session.ReadInbound(r, w.cookies)
	x.ac = session.NewAuthContext(x.inbound.Merged())
	x.ac.RetryCount = 0
	x.ac.AuthError = nil

	query := r.URL.Query()
	if query.Get("event") == "logout" {
		return x, w.logout(ctx, x, r)
	}

	user, err := session.ParseUser(x.inbound.Headers.User, x.inbound.Cookie.User)
	if err != nil {
		x.userParseFailed = true
		x.logger.Debug("No usable user object on request", "error", err)
	}
	x.ac.User = user

	if code := query.Get("code"); code != "" && (!contextComplete(x.ac) || protocol.IsExpired(x.ac.AccessToken)) {
		w.exchangeCode(ctx, x, r, code)
		x.redirectTo = protocol.PathOnly(r.URL)
	}

	if m := query.Get("_method"); m != "" {
		r = r.WithContext(ctx)
		r.Method = strings.ToUpper(m)
	}
	x.Request = r

	x.tokenExpired = protocol.IsExpired(x.ac.AccessToken)
	x.tokenBefore = x.ac.AccessToken
	return x, nil
}

// FinishResponse is phase 2. It writes identity headers, the session cookie
// and the redirect onto resp according to what changed since BeginRequest.
func (w *Wrapper) FinishResponse(x *Exchange, resp *Response) *Response {
	if resp == nil {
		resp = NewResponse(http.StatusOK)
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	payload := x.ac.Payload()

	if !x.inbound.Headers.Complete() || x.tokenExpired {
		session.WriteHeaders(resp.Header, payload)
	}

	tokenChanged := x.ac.AccessToken != x.tokenBefore
	if !x.inbound.Cookie.Complete() || x.userParseFailed || x.tokenExpired || tokenChanged {
		w.setCookie(x, resp.Header, payload)
	}

	if x.redirectTo != "" {
		resp.Status = http.StatusFound
		resp.Header.Set("Location", x.redirectTo)
	}
	return resp
}

func (w *Wrapper) logout(ctx context.Context, x *Exchange, r *http.Request) *Response {
	if err := w.client.Revoke(ctx, x.ac.AccessToken, x.ac.RefreshToken); err != nil {
		x.logger.Warn("Token revocation failed", "error", err)
	}
	x.ac.ClearIdentity()
	x.ac.SetError(&oidc.AuthError{Code: oidc.CodeInvalidSession, Description: oidc.DescSessionInactive})

	target := protocol.PathOnly(r.URL)
	if w.postLogoutURI != "" {
		target = w.postLogoutURI
	}
	x.redirectTo = target
	x.Request = r
	x.logger.Info("Session logged out")

	resp := NewResponse(http.StatusFound)
	resp.Header.Set("Location", target)
	payload := x.ac.Payload()
	session.WriteHeaders(resp.Header, payload)
	w.setCookie(x, resp.Header, payload)
	return resp
}

func (w *Wrapper) exchangeCode(ctx context.Context, x *Exchange, r *http.Request, code string) {
	tr, err := w.client.ExchangeCode(ctx, code, protocol.RedirectURI(w.redirectURI, r.URL.Path))
	if err != nil {
		ae := oidc.AsAuthError(err)
		if ae == nil {
			ae = &oidc.AuthError{Code: oidc.CodeServerUnreachable, Description: oidc.DescServerUnreachable}
		}
		x.logger.Warn("Authorization code exchange failed", "error", err)
		x.ac.SetError(ae)
		return
	}
	x.ac.AccessToken = tr.AccessToken
	x.ac.RefreshToken = tr.RefreshToken
	x.logger.Debug("Authorization code exchanged")
}

func (w *Wrapper) setCookie(x *Exchange, h http.Header, p session.Payload) {
	cookie, err := w.cookies.Cookie(p)
	if err != nil {
		x.logger.Error("Failed to encode session cookie", "error", err)
		return
	}
	h.Add("Set-Cookie", cookie.String())
}

func contextComplete(ac *session.AuthContext) bool {
	return ac.UserID != "" && ac.AccessToken != "" && ac.RefreshToken != "" && ac.User != nil
}
