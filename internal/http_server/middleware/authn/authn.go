// Package authn gates protected routes on a valid bearer token and an
// existing, active account.
package authn

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	resp "account_service/internal/lib/api/response"
	jwtlib "account_service/internal/lib/jwt"
	sl "account_service/internal/lib/logger"
	"account_service/internal/models"

	"github.com/go-chi/render"
)

type ctxKey struct{}

const msgNotAuthorized = "Not authorized to access this route"

type UserProvider interface {
	UserByID(ctx context.Context, id string) (models.User, error)
}

// FromContext returns the account attached by RequireAuth or OptionalAuth.
func FromContext(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(models.User)
	return u, ok
}

// RequireAuth rejects the request with 401 unless the bearer token
// verifies and resolves to an active account. No failure detail is leaked.
func RequireAuth(log *slog.Logger, tokens *jwtlib.Manager, provider UserProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := resolve(r, log, tokens, provider)
			if !ok {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, resp.Error(r, msgNotAuthorized))

				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), ctxKey{}, user),
			))
		})
	}
}

// RequireRole rejects with 403 unless the attached account holds one of
// the allowed roles. Compose it after RequireAuth.
func RequireRole(allowed ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := FromContext(r.Context())
			if !ok {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, resp.Error(r, msgNotAuthorized))

				return
			}

			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, resp.Error(r, "You do not have permission to perform this action"))
		})
	}
}

// OptionalAuth attaches the account when a valid token is presented but
// never fails the request.
func OptionalAuth(log *slog.Logger, tokens *jwtlib.Manager, provider UserProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, ok := resolve(r, log, tokens, provider); ok {
				r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, user))
			}

			next.ServeHTTP(w, r)
		})
	}
}

func resolve(r *http.Request, log *slog.Logger, tokens *jwtlib.Manager, provider UserProvider) (models.User, bool) {
	const op = "middleware.authn.resolve"

	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return models.User{}, false
	}

	token := strings.TrimPrefix(header, "Bearer ")

	claims, err := tokens.ParseAccessToken(token)
	if err != nil {
		log.Warn("access token rejected", slog.String("op", op), sl.Err(err))
		return models.User{}, false
	}

	user, err := provider.UserByID(r.Context(), claims.UserID)
	if err != nil {
		log.Warn("account not resolved", slog.String("op", op), sl.Err(err))
		return models.User{}, false
	}

	if !user.IsActive {
		log.Warn("account is deactivated", slog.String("op", op), slog.String("uid", user.ID.Hex()))
		return models.User{}, false
	}

	return user, true
}
