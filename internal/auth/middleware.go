package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
)

type contextKey string

const (
	TenantContextKey contextKey = "tenant"
	AdminContextKey  contextKey = "admin"
)

// Middleware guards the admin API with HS256 bearer tokens.
type Middleware struct {
	jwtSecret string
}

func NewMiddleware(jwtSecret string) *Middleware {
	return &Middleware{jwtSecret: jwtSecret}
}

func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			apierr.Write(w, apierr.Authentication("missing authorization header"), nil)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			apierr.Write(w, apierr.Authentication("invalid authorization header format"), nil)
			return
		}

		claims, err := ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			apierr.Write(w, apierr.Authentication("invalid token"), nil)
			return
		}

		ctx := context.WithValue(r.Context(), AdminContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func WithTenant(ctx context.Context, tenant *models.Tenant) context.Context {
	return context.WithValue(ctx, TenantContextKey, tenant)
}

func GetTenantFromContext(ctx context.Context) (*models.Tenant, bool) {
	tenant, ok := ctx.Value(TenantContextKey).(*models.Tenant)
	return tenant, ok
}
