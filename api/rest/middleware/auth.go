package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Identity is the authenticated caller
type Identity struct {
	OwnerID string
	Email   string
}

// Claims are the token claims the orchestrator reads
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AuthConfig selects how bearer tokens are verified. JWKSURL wins when both are set.
type AuthConfig struct {
	JWKSURL  string
	Secret   string
	Issuer   string
	Audience string
}

type identityKey struct{}

// WithIdentity stores the caller's identity on the context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller's identity
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticator verifies bearer tokens
type Authenticator struct {
	keyfunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
	opts    []jwt.ParserOption
	logger  *zap.Logger
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(cfg AuthConfig, logger *zap.Logger) (*Authenticator, error) {
	a := &Authenticator{logger: logger}

	switch {
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshTimeout:    10 * time.Second,
			RefreshRateLimit:  5 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.Warn("failed to refresh JWKS", zap.Error(err))
			},
		})
		if err != nil {
			return nil, errors.WrapWithDetails(err, "failed to load JWKS", "url", cfg.JWKSURL)
		}
		a.jwks = jwks
		a.keyfunc = jwks.Keyfunc
	case cfg.Secret != "":
		secret := []byte(cfg.Secret)
		a.keyfunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
		a.opts = append(a.opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	default:
		return nil, errors.New("either a JWKS URL or a shared secret is required")
	}

	if cfg.Issuer != "" {
		a.opts = append(a.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		a.opts = append(a.opts, jwt.WithAudience(cfg.Audience))
	}
	return a, nil
}

// Close stops the background JWKS refresh
func (a *Authenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// Verify parses a raw token and returns the identity it carries
func (a *Authenticator) Verify(raw string) (Identity, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, a.keyfunc, a.opts...)
	if err != nil {
		return Identity{}, errors.Wrap(err, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("token has no subject")
	}

	return Identity{OwnerID: claims.Subject, Email: claims.Email}, nil
}

// Middleware rejects requests without a valid bearer token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, raw, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || raw == "" {
			unauthorized(w, "Authorization header required")
			return
		}

		id, err := a.Verify(strings.TrimSpace(raw))
		if err != nil {
			a.logger.Debug("rejected token", zap.Error(err))
			unauthorized(w, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
