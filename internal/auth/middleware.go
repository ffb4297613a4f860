package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware attaches the authenticated user to the request context.
// Requests with invalid credentials are rejected with 401. Requests without
// credentials pass through unauthenticated (or as the dev user) and handlers
// decide whether identity is required.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if service == nil {
		service = &Service{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token := extractBearer(r); token != "" && service.jwt != nil {
				user, err := service.ValidateJWT(token)
				if err != nil {
					logger.WarnContext(ctx, "jwt validation failed", "error", err)
					unauthorized(w, "invalid token")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
				return
			}

			if key := extractAPIKey(r); key != "" {
				user, err := service.ValidateAPIKey(key)
				if err != nil {
					logger.WarnContext(ctx, "api key validation failed", "error", err)
					unauthorized(w, "invalid api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
				return
			}

			if user, ok := service.DevUser(); ok {
				ctx = WithUser(ctx, user)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="chatturn"`)
	http.Error(w, msg, http.StatusUnauthorized)
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

func extractAPIKey(r *http.Request) string {
	for _, header := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	return ""
}
