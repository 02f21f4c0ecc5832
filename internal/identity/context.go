package identity

import (
	"context"
	"net/http"

	"scribe/internal/scribe"
)

// OwnerHeader carries the caller's owner id on API requests.
const OwnerHeader = "X-Scribe-Owner"

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner stored by WithOwner, or "".
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// Context resolves the owner from the request context and falls back to
// another identity when the context carries none.
type Context struct {
	Fallback scribe.Identity
}

func (c Context) Current(ctx context.Context) string {
	if owner := OwnerFromContext(ctx); owner != "" {
		return owner
	}
	if c.Fallback == nil {
		return ""
	}
	return c.Fallback.Current(ctx)
}

// Middleware copies a valid OwnerHeader value into the request context.
// Invalid values are ignored, leaving the request unauthenticated unless
// a fallback identity applies.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner != "" && scribe.ValidateID(owner) == nil {
			r = r.WithContext(WithOwner(r.Context(), owner))
		}
		next.ServeHTTP(w, r)
	})
}

var _ scribe.Identity = Context{}
