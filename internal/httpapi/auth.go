package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type actorClaims struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type"`
	jwt.RegisteredClaims
}

type ctxKey string

const actorCtxKey ctxKey = "actor"

// requestActor is the JWT-derived identity attached to the request context
// by authMiddleware and read back out in handleCommand.
type requestActor struct {
	ID   string
	Type string
}

// authMiddleware requires a Bearer JWT and attaches its actor identity to
// the request context, per §6's "every Command carries an Actor" rule —
// the HTTP layer refuses to let a caller assert an arbitrary actor in the
// request body.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			jsonError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(authHeader, "Bearer ")

		claims := &actorClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		actor := requestActor{ID: claims.ActorID, Type: claims.ActorType}
		ctx := context.WithValue(r.Context(), actorCtxKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) (requestActor, bool) {
	a, ok := ctx.Value(actorCtxKey).(requestActor)
	return a, ok
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(fmt.Sprintf(`{"error":%q}`, message)))
}
