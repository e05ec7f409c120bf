package subscription

import (
	"context"

	"github.com/google/uuid"
)

type accountIDCtxKey struct{}

// SetAccountIDToContext stores the account the current request acts for.
func SetAccountIDToContext(ctx context.Context, accountID uuid.UUID) context.Context {
	return context.WithValue(ctx, accountIDCtxKey{}, accountID)
}

// GetAccountIDFromContext returns the account stored by SetAccountIDToContext.
func GetAccountIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(accountIDCtxKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
