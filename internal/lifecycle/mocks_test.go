package lifecycle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wadahiro/fedgate/internal/oidc"
)

// mockBackchannel is a testify mock of Backchannel.
type mockBackchannel struct {
	mock.Mock
}

func (m *mockBackchannel) ExchangeCode(ctx context.Context, code, redirectURI string) (*oidc.TokenResponse, error) {
	args := m.Called(ctx, code, redirectURI)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oidc.TokenResponse), args.Error(1)
}

func (m *mockBackchannel) Refresh(ctx context.Context, refreshToken string) (*oidc.TokenResponse, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oidc.TokenResponse), args.Error(1)
}

func (m *mockBackchannel) Introspect(ctx context.Context, accessToken, username string) (*oidc.IntrospectionResult, error) {
	args := m.Called(ctx, accessToken, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oidc.IntrospectionResult), args.Error(1)
}

func (m *mockBackchannel) Revoke(ctx context.Context, accessToken, refreshToken string) error {
	return m.Called(ctx, accessToken, refreshToken).Error(0)
}

func (m *mockBackchannel) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	args := m.Called(ctx, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *mockBackchannel) Probe(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// countingRecorder counts resolutions per state.
type countingRecorder map[string]int

func (c countingRecorder) ObserveResolution(state string) { c[state]++ }

func makeJWT(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	h := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	p, err := json.Marshal(map[string]any{"sub": sub, "exp": exp.Unix()})
	require.NoError(t, err)
	return h + "." + base64.RawURLEncoding.EncodeToString(p) + ".sig"
}

func liveToken(t *testing.T, sub string) string {
	return makeJWT(t, sub, time.Now().Add(time.Hour))
}

func expiredToken(t *testing.T, sub string) string {
	return makeJWT(t, sub, time.Now().Add(-time.Hour))
}
