// Package lifecycle runs the token state machine and wraps HTTP handlers so
// every request leaves with an up-to-date session cookie.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/wadahiro/fedgate/internal/oidc"
	"github.com/wadahiro/fedgate/internal/protocol"
	"github.com/wadahiro/fedgate/internal/session"
)

// State is the outcome of a session resolution.
type State string

const (
	StateUnauthenticated   State = "unauthenticated"
	StateTrusted           State = "trusted"
	StateNeedsRefresh      State = "needs_refresh"
	StateExhausted         State = "exhausted"
	StateServerUnreachable State = "server_unreachable"
)

// Backchannel is the subset of *oidc.Client used by the manager and the wrapper.
type Backchannel interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*oidc.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*oidc.TokenResponse, error)
	Introspect(ctx context.Context, accessToken, username string) (*oidc.IntrospectionResult, error)
	Revoke(ctx context.Context, accessToken, refreshToken string) error
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
	Probe(ctx context.Context) error
}

// ResolutionRecorder counts resolutions by final state.
type ResolutionRecorder interface {
	ObserveResolution(state string)
}

// Record is the result of resolving a session.
type Record struct {
	User             map[string]any  `json:"user"`
	AccessToken      string          `json:"access_token,omitempty"`
	RefreshToken     string          `json:"refresh_token,omitempty"`
	UserID           string          `json:"userid,omitempty"`
	Error            *oidc.AuthError `json:"error,omitempty"`
	AuthServerOnline bool            `json:"auth_server_online"`
	State            State           `json:"-"`
}

// Authenticated reports whether the record carries a user.
func (r Record) Authenticated() bool { return r.User != nil }

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	MaxRetries int
	Logger     *slog.Logger
	Recorder   ResolutionRecorder
	Now        func() time.Time
}

// Manager resolves the identity of an AuthContext against the authorization
// server. It holds no per-request state and is safe for concurrent use.
type Manager struct {
	client     Backchannel
	maxRetries int
	logger     *slog.Logger
	recorder   ResolutionRecorder
	now        func() time.Time
}

// NewManager creates a Manager.
func NewManager(client Backchannel, opts ManagerOptions) *Manager {
	m := &Manager{
		client:     client,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		now:        opts.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Resolve establishes the identity of ac, refreshing the access token at most
// MaxRetries times over the lifetime of ac. It never fails: errors are reported
// in the returned record and in ac.AuthError, and a failed resolution clears
// the identity held by ac.
func (m *Manager) Resolve(ctx context.Context, ac *session.AuthContext) Record {
	rec := m.resolve(ctx, ac)
	if m.recorder != nil {
		m.recorder.ObserveResolution(string(rec.State))
	}
	m.logger.Debug("Session resolved", "state", rec.State, "retries", ac.RetryCount, "userid", rec.UserID)
	return rec
}

func (m *Manager) resolve(ctx context.Context, ac *session.AuthContext) Record {
	retries := ac.RetryCount
	defer func() { ac.RetryCount = retries }()

	for {
		if ac.AccessToken == "" {
			if ac.RefreshToken != "" && retries < m.maxRetries {
				tr, err := m.client.Refresh(ctx, ac.RefreshToken)
				if err == nil {
					adoptTokens(ac, tr)
					retries++
					continue
				}
				m.logger.Debug("Token refresh without access token failed", "error", err)
			}
			if err := m.client.Probe(ctx); err != nil {
				return m.unreachable(ac, err)
			}
			return m.fail(ac, StateUnauthenticated, &oidc.AuthError{Code: oidc.CodeMissingJWT, Description: oidc.DescMissingJWT})
		}

		if ac.User != nil && ac.UserID != "" && !protocol.IsExpiredAt(ac.AccessToken, m.now()) {
			username, _ := ac.User["preferred_username"].(string)
			res, err := m.client.Introspect(ctx, ac.AccessToken, username)
			switch {
			case err != nil:
				m.logger.Debug("Token introspection failed", "error", err)
			case res.Active:
				return m.trusted(ac)
			default:
				m.logger.Debug("Token is not active")
			}
		}

		// Validate against userinfo.
		if err := m.client.Probe(ctx); err != nil {
			return m.unreachable(ac, err)
		}
		user, err := m.client.UserInfo(ctx, ac.AccessToken)
		if err == nil {
			ac.User = user
			ac.UserID = subject(user, ac)
			return m.trusted(ac)
		}
		uiErr := oidc.AsAuthError(err)
		if uiErr == nil {
			return m.unreachable(ac, err)
		}

		if uiErr.Code == "" || retries >= m.maxRetries {
			state := StateExhausted
			if uiErr.Code == "" {
				state = StateUnauthenticated
			}
			return m.fail(ac, state, userInfoError(uiErr, nil))
		}

		// NeedsRefresh
		tr, rerr := m.client.Refresh(ctx, ac.RefreshToken)
		if rerr != nil {
			m.logger.Debug("Token refresh after userinfo rejection failed", "error", rerr)
			return m.fail(ac, StateNeedsRefresh, userInfoError(uiErr, oidc.AsAuthError(rerr)))
		}
		adoptTokens(ac, tr)
		retries++
	}
}

// userInfoError builds the failure reported for a rejected userinfo call.
// The userinfo fields win; refresh fields fill the gaps, then the defaults.
func userInfoError(uiErr, refreshErr *oidc.AuthError) *oidc.AuthError {
	e := &oidc.AuthError{Code: uiErr.Code, Description: uiErr.Description, URI: uiErr.URI, StatusCode: uiErr.StatusCode}
	e.Merge(refreshErr)
	return e.Merge(&oidc.AuthError{Code: oidc.CodeUserInfo, Description: oidc.DescUserInfo})
}

func adoptTokens(ac *session.AuthContext, tr *oidc.TokenResponse) {
	ac.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		ac.RefreshToken = tr.RefreshToken
	}
}

func subject(user map[string]any, ac *session.AuthContext) string {
	if sub, ok := user["sub"].(string); ok && sub != "" {
		return sub
	}
	if sub := protocol.Subject(ac.AccessToken); sub != "" {
		return sub
	}
	return ac.UserID
}

func (m *Manager) trusted(ac *session.AuthContext) Record {
	ac.UserID = subject(ac.User, ac)
	return Record{
		User:             ac.User,
		AccessToken:      ac.AccessToken,
		RefreshToken:     ac.RefreshToken,
		UserID:           ac.UserID,
		AuthServerOnline: true,
		State:            StateTrusted,
	}
}

func (m *Manager) unreachable(ac *session.AuthContext, err error) Record {
	m.logger.Warn("Authorization server unreachable", "error", protocol.CleanGoErrorMessage(err.Error()))
	return m.fail(ac, StateServerUnreachable, &oidc.AuthError{Code: oidc.CodeServerUnreachable, Description: oidc.DescServerUnreachable})
}

func (m *Manager) fail(ac *session.AuthContext, state State, err *oidc.AuthError) Record {
	ac.ClearIdentity()
	ac.SetError(err)
	rec := Record{
		AuthServerOnline: err.Code != oidc.CodeServerUnreachable,
		State:            state,
	}
	if ac.AuthError != nil && ac.AuthError.Code != "" {
		rec.Error = ac.AuthError
	}
	return rec
}
