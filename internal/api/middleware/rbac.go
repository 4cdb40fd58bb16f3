package middleware

import (
	"net/http"

	"github.com/good-yellow-bee/kycstream/internal/models"
)

// RequireRole returns middleware that requires one of the given roles.
// Admin always has access.
func RequireRole(allowedRoles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userRole := GetRole(r.Context())
			if userRole == "" {
				jsonForbidden(w)
				return
			}

			if userRole == models.RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range allowedRoles {
				if userRole == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			jsonForbidden(w)
		})
	}
}

// RequirePublisher allows roles that may push alerts.
func RequirePublisher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetRole(r.Context()).CanPublish() {
			jsonForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireWatcher allows roles that may read alert streams.
func RequireWatcher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetRole(r.Context()).CanWatch() {
			jsonForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
