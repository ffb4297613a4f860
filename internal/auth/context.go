package auth

import (
	"context"

	"github.com/haasonsaas/chatturn/internal/observability"
	"github.com/haasonsaas/chatturn/pkg/models"
)

type userKey struct{}

// WithUser attaches the authenticated user to ctx. The user id is also
// recorded for log correlation.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil || user.ID == "" {
		return ctx
	}
	ctx = observability.AddUserID(ctx, user.ID)
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user set by the auth middleware.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userKey{}).(*models.User)
	return user, ok && user != nil
}
