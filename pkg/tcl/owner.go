package tcl

import (
	"context"

	"github.com/google/uuid"
)

// Owner identifies the caller a connection is affine to. Goroutines have no identity of
// their own, so callers that want to get their previous connection back carry an Owner
// in the context passed to Checkout.
type Owner string

type ownerKey struct{}

// NewOwner returns a random Owner.
func NewOwner() Owner {
	return Owner(uuid.New().String())
}

// WithOwner returns a context carrying owner.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the Owner carried by ctx, if any.
func OwnerFromContext(ctx context.Context) (Owner, bool) {
	if ctx == nil {
		return "", false
	}

	owner, ok := ctx.Value(ownerKey{}).(Owner)
	if !ok || owner == "" {
		return "", false
	}

	return owner, true
}
