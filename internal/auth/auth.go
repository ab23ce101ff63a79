// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
)

var ErrInvalidToken = errors.New("invalid token")

// Config holds authentication configuration
type Config struct {
	Enabled   bool     `mapstructure:"enabled"`
	JWTSecret string   `mapstructure:"jwt_secret"`
	JWTIssuer string   `mapstructure:"jwt_issuer"`
	APIKeys   []string `mapstructure:"api_keys"`
}

// Claims represents JWT claims
type Claims struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Subject string
	Role    string
	Method  string // "api_key" or "jwt"
}

type contextKey struct{}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Manager checks API keys and bearer tokens. Tokens are issued elsewhere;
// this service only verifies them.
type Manager struct {
	config Config
}

func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

// ValidateJWT parses an HS256 token and checks its issuer when one is
// configured.
func (m *Manager) ValidateJWT(tokenString string) (*Claims, error) {
	if m.config.JWTSecret == "" {
		return nil, errors.Wrap(ErrInvalidToken, "jwt authentication is not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.JWTSecret), nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if m.config.JWTIssuer != "" && !claims.VerifyIssuer(m.config.JWTIssuer, true) {
		return nil, errors.Wrapf(ErrInvalidToken, "unexpected issuer %q", claims.Issuer)
	}
	return claims, nil
}

// ValidateAPIKey checks if the provided API key is valid
func (m *Manager) ValidateAPIKey(apiKey string) bool {
	for _, validKey := range m.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return true
		}
	}
	return false
}

// Authenticate accepts either an X-API-Key header or an
// "Authorization: Bearer <jwt>" header. With auth disabled every request
// passes through.
func (m *Manager) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			if !m.ValidateAPIKey(apiKey) {
				unauthorized(w, "invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), contextKey{}, Principal{Subject: "api-key", Role: "service", Method: "api_key"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "API key or bearer token required")
			return
		}
		bearerToken := strings.SplitN(authHeader, " ", 2)
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "Bearer") {
			unauthorized(w, "invalid authorization format")
			return
		}
		claims, err := m.ValidateJWT(strings.TrimSpace(bearerToken[1]))
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, Principal{Subject: claims.Subject, Role: claims.Role, Method: "jwt"})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="capsuleflow"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
