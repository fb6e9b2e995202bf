package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"sprintboard/internal/domain"
	"sprintboard/internal/logging"
	"sprintboard/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// DevTokens enables POST /auth/dev/token.
	DevTokens bool
	Logger    *slog.Logger
}

// KeyLookup resolves hashed API keys.
type KeyLookup interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
}

type Principal struct {
	UserID string
	Role   domain.Role
	Source string
}

func (p Principal) Actor() domain.Actor {
	return domain.Actor{UserID: p.UserID, Role: p.Role}
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p.Actor(), nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// SignToken mints an HS256 token for user with role, valid for ttl.
func SignToken(secret, userID string, role domain.Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user_id is required")
	}
	if !role.Known() {
		return "", errors.New("invalid role " + string(role))
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role: string(role),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	role := domain.ParseRole(claims.Role)
	if !role.Known() {
		return Principal{}, errors.New("unknown role claim")
	}
	return Principal{UserID: claims.Subject, Role: role, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, keys KeyLookup, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	if keys == nil {
		return Principal{}, errors.New("api keys not enabled")
	}
	apiKey, err := keys.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.UserID == "" {
		return Principal{}, errors.New("api key missing user")
	}
	return Principal{UserID: apiKey.UserID, Role: apiKey.Role, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authenticate resolves the caller from Authorization, X-Api-Key, or the
// access_token query parameter browsers use for the push channel.
func authenticate(r *http.Request, cfg AuthConfig, keys KeyLookup) (Principal, error) {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, errors.New("malformed authorization header")
		}
		return authenticateJWT(token, cfg.JWTSecret)
	}
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		return authenticateAPIKey(r.Context(), keys, key)
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return authenticateJWT(token, cfg.JWTSecret)
	}
	return Principal{}, errUnauthenticated
}

var errUnauthenticated = errors.New("authentication required")

func newAuthMiddleware(basePath string, cfg AuthConfig, keys KeyLookup) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/token"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := authenticate(req, cfg, keys)
			if err != nil {
				code, msg := "invalid_credentials", "invalid credentials"
				if errors.Is(err, errUnauthenticated) {
					code, msg = "unauthorized", err.Error()
				}
				if cfg.Logger != nil {
					cfg.Logger.DebugContext(req.Context(), "authentication failed", "path", req.URL.Path, "error", err)
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, code, msg, nil))
				return
			}
			logging.AddAttribute(req.Context(), "user_id", principal.UserID)
			ctx := withPrincipal(req.Context(), principal)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
