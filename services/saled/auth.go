package saled

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"halloffame/observability"
)

type contextKey string

const contextKeyIdentity contextKey = "saled.identity"

// Authenticator validates HMAC signed bearer tokens. The subject claim is the
// caller's account identity.
type Authenticator struct {
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
	logger    *slog.Logger
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("auth secret not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.ClockSkew.Duration
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		secret:    []byte(secret),
		issuer:    strings.TrimSpace(cfg.Issuer),
		audience:  strings.TrimSpace(cfg.Audience),
		clockSkew: skew,
		logger:    logger,
	}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			observability.API().RecordThrottle("saled", "missing_token")
			writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthenticated")
			return
		}
		subject, err := a.Subject(tokenString)
		if err != nil {
			a.logger.Info("token validation failed", "path", r.URL.Path, "error", err)
			observability.API().RecordThrottle("saled", "invalid_token")
			writeError(w, http.StatusUnauthorized, "invalid token", "unauthenticated")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyIdentity, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Subject validates tokenString and returns its subject claim.
func (a *Authenticator) Subject(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(a.clockSkew),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

// IdentityFrom returns the authenticated account stored by Middleware.
func IdentityFrom(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(contextKeyIdentity).(string)
	return identity, ok && identity != ""
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
