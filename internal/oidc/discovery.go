package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DiscoveryOptions controls provider discovery retries. Limiter and Observer
// apply to the discovery requests the same way they do for a Client.
type DiscoveryOptions struct {
	MaxTries        uint
	InitialInterval time.Duration
	Limiter         *rate.Limiter
	Observer        Observer
	Logger          *slog.Logger
}

// Discover reads the issuer's OpenID Provider metadata and returns its
// endpoints. Endpoints missing from the metadata are taken from fallback.
// Failed attempts are retried with exponential backoff.
func Discover(ctx context.Context, httpClient *http.Client, issuer string, fallback Endpoints, opts DiscoveryOptions) (Endpoints, error) {
	if opts.MaxTries == 0 {
		opts.MaxTries = 10
	}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instrumented := &http.Client{}
	if httpClient != nil {
		c := *httpClient
		instrumented = &c
	}
	instrumented.Transport = newInstrumentedTransport(instrumented.Transport, opts.Limiter, opts.Observer)
	httpClient = instrumented
	ctx = context.WithValue(withOperation(ctx, OpDiscovery), oauth2.HTTPClient, httpClient)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = opts.InitialInterval
	attempt := 0
	provider, err := backoff.Retry(ctx, func() (*gooidc.Provider, error) {
		attempt++
		return gooidc.NewProvider(ctx, issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(opts.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("OIDC provider discovery failed", "attempt", attempt, "max", opts.MaxTries, "retry_in", d, "error", err)
		}),
	)
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover OIDC provider %s: %w", issuer, err)
	}

	var claims struct {
		IntrospectionEndpoint string `json:"introspection_endpoint"`
		EndSessionEndpoint    string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&claims); err != nil {
		logger.Warn("Could not extract provider claims", "issuer", issuer, "error", err)
	}

	ep := provider.Endpoint()
	endpoints := Endpoints{
		Issuer:        issuer,
		Authorization: ep.AuthURL,
		Token:         ep.TokenURL,
		Introspection: claims.IntrospectionEndpoint,
		UserInfo:      provider.UserInfoEndpoint(),
		Logout:        claims.EndSessionEndpoint,
	}
	fillEndpoints(&endpoints, fallback)
	logger.Info("OIDC provider discovered", "issuer", issuer)
	return endpoints, nil
}

func fillEndpoints(e *Endpoints, fallback Endpoints) {
	if e.Authorization == "" {
		e.Authorization = fallback.Authorization
	}
	if e.Token == "" {
		e.Token = fallback.Token
	}
	if e.Introspection == "" {
		e.Introspection = fallback.Introspection
	}
	if e.UserInfo == "" {
		e.UserInfo = fallback.UserInfo
	}
	if e.Logout == "" {
		e.Logout = fallback.Logout
	}
}
