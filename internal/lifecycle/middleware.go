package lifecycle

import (
	"context"
	"net/http"
)

type exchangeKey struct{}

// NewContext returns a copy of ctx carrying x.
func NewContext(ctx context.Context, x *Exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, x)
}

// FromContext returns the Exchange of the current request, or nil outside the middleware.
func FromContext(ctx context.Context) *Exchange {
	x, _ := ctx.Value(exchangeKey{}).(*Exchange)
	return x
}

// Middleware wraps next with both phases. The downstream response is
// buffered so phase 2 can still change its status and headers.
func (w *Wrapper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		x, early := w.BeginRequest(r)
		if early != nil {
			if err := early.WriteTo(rw); err != nil {
				x.logger.Debug("Failed to write response", "error", err)
			}
			return
		}

		req := x.Request.WithContext(NewContext(x.Request.Context(), x))
		x.Request = req
		if w.resolveOnRequest {
			x.Resolve(req.Context())
		}

		rec := NewResponseRecorder()
		next.ServeHTTP(rec, req)

		resp := w.FinishResponse(x, rec.Response())
		if err := resp.WriteTo(rw); err != nil {
			x.logger.Debug("Failed to write response", "error", err)
		}
	})
}
