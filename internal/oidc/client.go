package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/wadahiro/fedgate/internal/protocol"
)

// Options configures a Client.
type Options struct {
	Endpoints    Endpoints
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// HTTPClient is copied; its Transport is wrapped for instrumentation.
	HTTPClient *http.Client
	Timeout    time.Duration
	Limiter    *rate.Limiter
	Observer   Observer
	Logger     *slog.Logger
}

// Client performs backchannel calls against an OpenID Connect authorization
// server. It is safe for concurrent use.
type Client struct {
	endpoints    Endpoints
	clientID     string
	clientSecret string
	redirectURI  string
	oauth2Config *oauth2.Config
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	base := &http.Client{}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		base = &c
	}
	base.Transport = newInstrumentedTransport(base.Transport, opts.Limiter, opts.Observer)
	if opts.Timeout > 0 {
		base.Timeout = opts.Timeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoints:    opts.Endpoints,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		redirectURI:  opts.RedirectURI,
		oauth2Config: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.Endpoints.Authorization,
				TokenURL:  opts.Endpoints.Token,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: opts.Scopes,
		},
		httpClient: base,
		logger:     logger,
	}
}

func (c *Client) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(withOperation(ctx, OpToken), oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the front-channel authorization URL that returns the
// browser to path after login.
func (c *Client) AuthCodeURL(path string) string {
	return c.oauth2Config.AuthCodeURL("",
		oauth2.SetAuthURLParam("redirect_uri", protocol.RedirectURI(c.redirectURI, path)),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	if code == "" {
		return nil, newAuthError(CodeInvalidCode, DescInvalidCode)
	}
	var opts []oauth2.AuthCodeOption
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	tok, err := c.oauth2Config.Exchange(c.tokenContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", extractOAuthError(err))
	}
	return toTokenResponse(tok), nil
}

// Refresh obtains new tokens with refreshToken. The returned RefreshToken is
// the prior one unless it had expired, in which case the server's is used.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, newAuthError(CodeInvalidGrant, DescInvalidTokens)
	}
	ts := c.oauth2Config.TokenSource(c.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", extractOAuthError(err))
	}
	tr := toTokenResponse(tok)
	if tr.RefreshToken == "" || !protocol.IsExpired(refreshToken) {
		tr.RefreshToken = refreshToken
	}
	return tr, nil
}

// Introspect asks the server whether accessToken is active.
func (c *Client) Introspect(ctx context.Context, accessToken, username string) (*IntrospectionResult, error) {
	if accessToken == "" {
		return nil, newAuthError(CodeInvalidGrant, DescInvalidTokens)
	}
	form := url.Values{
		"token":         {accessToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"username":      {username},
	}
	status, _, body, err := c.do(withOperation(ctx, OpIntrospect), http.MethodPost, c.endpoints.Introspection, form, "")
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	if status >= 300 {
		return nil, parseAuthError(status, body)
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	active, _ := claims["active"].(bool)
	return &IntrospectionResult{Active: active, Claims: claims}, nil
}

// Revoke ends the server-side session of the token pair.
func (c *Client) Revoke(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" || refreshToken == "" {
		return newAuthError(CodeInvalidGrant, DescInvalidTokens)
	}
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
	}
	status, _, body, err := c.do(withOperation(ctx, OpLogout), http.MethodPost, c.endpoints.Logout, form, accessToken)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	if status >= 300 {
		return parseAuthError(status, body)
	}
	return nil
}

// UserInfo fetches the claims of the user that owns accessToken.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	status, header, body, err := c.do(withOperation(ctx, OpUserInfo), http.MethodGet, c.endpoints.UserInfo, nil, accessToken)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	if status >= 300 {
		ae := parseAuthError(status, body)
		if ae.Code == "" {
			// RFC 6750 Section 3: bearer errors may only be in the header
			ae.Code, ae.Description, ae.URI = protocol.ParseWWWAuthenticate(header.Get("WWW-Authenticate"))
		}
		c.logger.Debug("UserInfo endpoint returned error", "status", status, "error", ae.Code)
		return nil, ae
	}

	var user map[string]any
	if err := json.Unmarshal(body, &user); err != nil || user == nil {
		return nil, &AuthError{StatusCode: status, Description: "Response is not valid JSON", RawBody: string(body)}
	}
	return user, nil
}

// Probe checks that the issuer answers with a 2xx status.
func (c *Client) Probe(ctx context.Context) error {
	status, _, _, err := c.do(withOperation(ctx, OpProbe), http.MethodGet, c.endpoints.Issuer, nil, "")
	if err != nil {
		return fmt.Errorf("probe issuer: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("probe issuer: status %d", status)
	}
	return nil
}

// do sends a request with an optional form body and bearer token and returns
// the fully read response.
func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, bearer string) (int, http.Header, []byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}
