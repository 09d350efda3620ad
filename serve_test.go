package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wadahiro/fedgate/internal/config"
	"github.com/wadahiro/fedgate/internal/lifecycle"
	"github.com/wadahiro/fedgate/internal/metrics"
	"github.com/wadahiro/fedgate/internal/oidc"
	"github.com/wadahiro/fedgate/internal/session"
)

func newTestRouter(t *testing.T, issuer string) http.Handler {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	client := oidc.NewClient(oidc.Options{
		Endpoints:   oidc.KeycloakEndpoints(issuer, issuer+"/protocol/openid-connect"),
		ClientID:    "app",
		RedirectURI: "http://localhost:3000",
		Scopes:      []string{"openid"},
		Observer:    m,
	})
	wrapper := lifecycle.NewWrapper(lifecycle.WrapperOptions{
		Manager:          lifecycle.NewManager(client, lifecycle.ManagerOptions{MaxRetries: 3, Recorder: m}),
		Client:           client,
		Cookies:          session.NewCookieCodec(config.CookieConfig{}),
		RedirectURI:      "http://localhost:3000",
		ResolveOnRequest: true,
	})
	return newRouter(client, wrapper, m)
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(t, "http://127.0.0.1:1/realms/test")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Empty(t, rr.Header().Get("Set-Cookie"), "healthz must not pass through the session middleware")
}

func TestLoginRedirect(t *testing.T) {
	h := newTestRouter(t, "http://127.0.0.1:1/realms/test")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/login?path=/dashboard", nil))

	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/realms/test/protocol/openid-connect/auth", loc.Path)
	q := loc.Query()
	assert.Equal(t, "http://localhost:3000/dashboard", q.Get("redirect_uri"))
	assert.Equal(t, "app", q.Get("client_id"))
}

func TestSessionEchoUnreachableServer(t *testing.T) {
	// Nothing listens on port 1, so every back-channel call fails.
	h := newTestRouter(t, "http://127.0.0.1:1/realms/test")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anything", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var rec struct {
		User             map[string]any  `json:"user"`
		Error            *oidc.AuthError `json:"error"`
		AuthServerOnline bool            `json:"auth_server_online"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rec))
	assert.Nil(t, rec.User)
	require.NotNil(t, rec.Error)
	assert.Equal(t, oidc.CodeServerUnreachable, rec.Error.Code)
	assert.False(t, rec.AuthServerOnline)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, "http://127.0.0.1:1/realms/test")

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `fedgate_session_resolutions_total{state="server_unreachable"} 1`)
	assert.Contains(t, body, `fedgate_backchannel_requests_total{op="probe",outcome="transport_error"} 1`)
}
