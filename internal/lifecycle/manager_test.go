package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wadahiro/fedgate/internal/oidc"
	"github.com/wadahiro/fedgate/internal/session"
)

var ctxArg = mock.Anything

func newTestManager(bc Backchannel, maxRetries int) *Manager {
	return NewManager(bc, ManagerOptions{MaxRetries: maxRetries})
}

func TestResolve_TrustedFastPath(t *testing.T) {
	bc := &mockBackchannel{}
	at := liveToken(t, "u1")
	bc.On("Introspect", ctxArg, at, "alice").Return(&oidc.IntrospectionResult{Active: true}, nil)

	ac := &session.AuthContext{
		UserID:       "u1",
		AccessToken:  at,
		RefreshToken: "rt",
		User:         map[string]any{"sub": "u1", "preferred_username": "alice"},
	}
	rec := newTestManager(bc, 3).Resolve(context.Background(), ac)

	assert.Equal(t, StateTrusted, rec.State)
	assert.True(t, rec.Authenticated())
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, ac.User, rec.User)
	assert.Equal(t, at, rec.AccessToken)
	assert.True(t, rec.AuthServerOnline)
	assert.Nil(t, rec.Error)
	bc.AssertNotCalled(t, "UserInfo", mock.Anything, mock.Anything)
	bc.AssertNotCalled(t, "Probe", mock.Anything)
	bc.AssertExpectations(t)
}

func TestResolve_IntrospectionFallsThroughToUserInfo(t *testing.T) {
	tests := []struct {
		name      string
		result    *oidc.IntrospectionResult
		resultErr error
	}{
		{name: "inactive", result: &oidc.IntrospectionResult{Active: false}},
		{name: "introspection error", resultErr: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := &mockBackchannel{}
			at := liveToken(t, "u1")
			bc.On("Introspect", ctxArg, at, "alice").Return(tt.result, tt.resultErr)
			bc.On("Probe", ctxArg).Return(nil)
			bc.On("UserInfo", ctxArg, at).Return(map[string]any{"sub": "u2", "preferred_username": "bob"}, nil)

			ac := &session.AuthContext{
				UserID:      "u1",
				AccessToken: at,
				User:        map[string]any{"sub": "u1", "preferred_username": "alice"},
			}
			rec := newTestManager(bc, 3).Resolve(context.Background(), ac)

			assert.Equal(t, StateTrusted, rec.State)
			assert.Equal(t, "u2", rec.UserID)
			assert.Equal(t, "u2", ac.UserID)
			assert.Equal(t, "bob", ac.User["preferred_username"])
			bc.AssertExpectations(t)
		})
	}
}

func TestResolve_UserInfoWithoutCachedUser(t *testing.T) {
	bc := &mockBackchannel{}
	at := expiredToken(t, "u1")
	bc.On("Probe", ctxArg).Return(nil)
	bc.On("UserInfo", ctxArg, at).Return(map[string]any{"sub": "u1"}, nil)

	ac := &session.AuthContext{AccessToken: at, RefreshToken: "rt"}
	rec := newTestManager(bc, 3).Resolve(context.Background(), ac)

	assert.Equal(t, StateTrusted, rec.State)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, map[string]any{"sub": "u1"}, ac.User)
	bc.AssertNotCalled(t, "Introspect", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_RetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("max %d", maxRetries), func(t *testing.T) {
			bc := &mockBackchannel{}
			rejected := &oidc.AuthError{Code: "invalid_token", Description: "Token verification failed", StatusCode: 401}
			bc.On("Probe", ctxArg).Return(nil)
			bc.On("UserInfo", ctxArg, mock.Anything).Return(nil, rejected)
			bc.On("Refresh", ctxArg, mock.Anything).Return(&oidc.TokenResponse{AccessToken: "at-refreshed", RefreshToken: "rt"}, nil)

			ac := &session.AuthContext{AccessToken: "at-initial", RefreshToken: "rt"}
			rec := newTestManager(bc, maxRetries).Resolve(context.Background(), ac)

			assert.Equal(t, StateExhausted, rec.State)
			assert.False(t, rec.Authenticated())
			assert.True(t, rec.AuthServerOnline)
			require.NotNil(t, rec.Error)
			assert.Equal(t, "invalid_token", rec.Error.Code)
			assert.Equal(t, "Token verification failed", rec.Error.Description)
			assert.Equal(t, maxRetries, ac.RetryCount)
			bc.AssertNumberOfCalls(t, "Refresh", maxRetries)
			bc.AssertNumberOfCalls(t, "UserInfo", maxRetries+1)

			assert.Empty(t, ac.AccessToken)
			assert.Empty(t, ac.RefreshToken)
			assert.Empty(t, ac.UserID)
			assert.Nil(t, ac.User)
		})
	}
}

func TestResolve_RetryBudgetSharedAcrossCalls(t *testing.T) {
	bc := &mockBackchannel{}
	bc.On("Probe", ctxArg).Return(nil)
	bc.On("UserInfo", ctxArg, "at-initial").Return(nil, &oidc.AuthError{Code: "invalid_token"}).Once()
	bc.On("UserInfo", ctxArg, "at-1").Return(map[string]any{"sub": "u1"}, nil).Once()
	bc.On("Refresh", ctxArg, "rt").Return(&oidc.TokenResponse{AccessToken: "at-1", RefreshToken: "rt"}, nil).Once()

	m := newTestManager(bc, 1)
	ac := &session.AuthContext{AccessToken: "at-initial", RefreshToken: "rt"}
	rec := m.Resolve(context.Background(), ac)
	require.Equal(t, StateTrusted, rec.State)
	assert.Equal(t, 1, ac.RetryCount)

	// Second resolution in the same request has no budget left.
	bc.On("UserInfo", ctxArg, "at-1").Return(nil, &oidc.AuthError{Code: "invalid_token"}).Once()
	ac.User = nil
	rec = m.Resolve(context.Background(), ac)
	assert.Equal(t, StateExhausted, rec.State)
	bc.AssertNumberOfCalls(t, "Refresh", 1)
}

func TestResolve_RefreshFailureMergesErrors(t *testing.T) {
	bc := &mockBackchannel{}
	bc.On("Probe", ctxArg).Return(nil)
	bc.On("UserInfo", ctxArg, "at").Return(nil, &oidc.AuthError{Code: "invalid_token"})
	bc.On("Refresh", ctxArg, "rt").Return(nil, &oidc.AuthError{
		Code:        "invalid_grant",
		Description: "Token is not active",
		URI:         "https://idp/errors",
	})

	ac := &session.AuthContext{AccessToken: "at", RefreshToken: "rt"}
	rec := newTestManager(bc, 3).Resolve(context.Background(), ac)

	require.NotNil(t, rec.Error)
	assert.Equal(t, "invalid_token", rec.Error.Code, "userinfo error wins")
	assert.Equal(t, "Token is not active", rec.Error.Description, "refresh fills empty fields")
	assert.Equal(t, "https://idp/errors", rec.Error.URI)
	assert.Equal(t, 0, ac.RetryCount)
	assert.Same(t, ac.AuthError, rec.Error)
}

func TestResolve_UserInfoErrorWithoutCode(t *testing.T) {
	bc := &mockBackchannel{}
	bc.On("Probe", ctxArg).Return(nil)
	bc.On("UserInfo", ctxArg, "at").Return(nil, &oidc.AuthError{StatusCode: 500, RawBody: "<html>"})

	ac := &session.AuthContext{AccessToken: "at", RefreshToken: "rt"}
	rec := newTestManager(bc, 3).Resolve(context.Background(), ac)

	require.NotNil(t, rec.Error)
	assert.Equal(t, oidc.CodeUserInfo, rec.Error.Code)
	assert.Equal(t, oidc.DescUserInfo, rec.Error.Description)
	bc.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestResolve_ServerUnreachable(t *testing.T) {
	tests := []struct {
		name string
		ac   func(t *testing.T) *session.AuthContext
	}{
		{name: "no tokens", ac: func(t *testing.T) *session.AuthContext { return &session.AuthContext{} }},
		{name: "expired token", ac: func(t *testing.T) *session.AuthContext {
			return &session.AuthContext{AccessToken: expiredToken(t, "u1"), UserID: "u1", User: map[string]any{"sub": "u1"}}
		}},
		{name: "live token without user", ac: func(t *testing.T) *session.AuthContext {
			return &session.AuthContext{AccessToken: liveToken(t, "u1"), RefreshToken: "rt"}
		}},
		{name: "refresh only, refresh fails", ac: func(t *testing.T) *session.AuthContext {
			return &session.AuthContext{RefreshToken: "rt"}
		}},
		{name: "cached live session, introspection fails", ac: func(t *testing.T) *session.AuthContext {
			return &session.AuthContext{
				UserID:       "u1",
				AccessToken:  liveToken(t, "u1"),
				RefreshToken: "rt",
				User:         map[string]any{"sub": "u1", "preferred_username": "alice"},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := &mockBackchannel{}
			bc.On("Probe", ctxArg).Return(errors.New("dial tcp: connection refused"))
			bc.On("Refresh", ctxArg, mock.Anything).Return(nil, errors.New("dial tcp: connection refused"))
			bc.On("Introspect", ctxArg, mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: connection refused"))

			ac := tt.ac(t)
			rec := newTestManager(bc, 3).Resolve(context.Background(), ac)

			assert.Equal(t, StateServerUnreachable, rec.State)
			require.NotNil(t, rec.Error)
			assert.Equal(t, oidc.CodeServerUnreachable, rec.Error.Code)
			assert.Equal(t, oidc.DescServerUnreachable, rec.Error.Description)
			assert.False(t, rec.AuthServerOnline)
			assert.Empty(t, ac.AccessToken)
			assert.Nil(t, ac.User)
			bc.AssertNotCalled(t, "UserInfo", mock.Anything, mock.Anything)
		})
	}
}

func TestResolve_UserInfoTransportError(t *testing.T) {
	bc := &mockBackchannel{}
	bc.On("Probe", ctxArg).Return(nil)
	bc.On("UserInfo", ctxArg, "at").Return(nil, errors.New("context deadline exceeded"))

	rec := newTestManager(bc, 3).Resolve(context.Background(), &session.AuthContext{AccessToken: "at"})
	require.NotNil(t, rec.Error)
	assert.Equal(t, oidc.CodeServerUnreachable, rec.Error.Code)
	assert.False(t, rec.AuthServerOnline)
}

func TestResolve_MissingAccessToken(t *testing.T) {
	t.Run("refresh recovers the session", func(t *testing.T) {
		bc := &mockBackchannel{}
		bc.On("Refresh", ctxArg, "rt").Return(&oidc.TokenResponse{AccessToken: "at-new", RefreshToken: "rt-new"}, nil).Once()
		bc.On("Probe", ctxArg).Return(nil)
		bc.On("UserInfo", ctxArg, "at-new").Return(map[string]any{"sub": "u1"}, nil)

		ac := &session.AuthContext{RefreshToken: "rt"}
		rec := newTestManager(bc, 3).Resolve(context.Background(), ac)

		assert.Equal(t, StateTrusted, rec.State)
		assert.Equal(t, "at-new", rec.AccessToken)
		assert.Equal(t, "rt-new", rec.RefreshToken)
		assert.Equal(t, 1, ac.RetryCount)
	})

	t.Run("refresh fails", func(t *testing.T) {
		bc := &mockBackchannel{}
		bc.On("Refresh", ctxArg, "rt").Return(nil, &oidc.AuthError{Code: "invalid_grant"})
		bc.On("Probe", ctxArg).Return(nil)

		ac := &session.AuthContext{RefreshToken: "rt"}
		rec := newTestManager(bc, 3).Resolve(context.Background(), ac)

		assert.Equal(t, StateUnauthenticated, rec.State)
		require.NotNil(t, rec.Error)
		assert.Equal(t, oidc.CodeMissingJWT, rec.Error.Code)
		assert.Equal(t, oidc.DescMissingJWT, rec.Error.Description)
		assert.True(t, rec.AuthServerOnline)
		assert.Empty(t, ac.RefreshToken)
	})

	t.Run("no refresh token", func(t *testing.T) {
		bc := &mockBackchannel{}
		bc.On("Probe", ctxArg).Return(nil)

		rec := newTestManager(bc, 3).Resolve(context.Background(), &session.AuthContext{})
		require.NotNil(t, rec.Error)
		assert.Equal(t, oidc.CodeMissingJWT, rec.Error.Code)
		bc.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
	})
}

func TestResolve_RecordsState(t *testing.T) {
	bc := &mockBackchannel{}
	bc.On("Probe", ctxArg).Return(nil)
	counts := countingRecorder{}

	m := NewManager(bc, ManagerOptions{MaxRetries: 3, Recorder: counts})
	m.Resolve(context.Background(), &session.AuthContext{})
	m.Resolve(context.Background(), &session.AuthContext{})

	assert.Equal(t, 2, counts[string(StateUnauthenticated)])
}
