package saled

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestAuthenticatorSubject(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: "k", Issuer: "halloffame", Audience: "saled"}, nil)
	require.NoError(t, err)
	valid := jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "halloffame",
		Audience:  jwt.ClaimStrings{"saled"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}

	subject, err := auth.Subject(signToken(t, jwt.SigningMethodHS256, []byte("k"), valid))
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("other"), valid)
	_, err = auth.Subject(wrongKey)
	assert.Error(t, err)

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	_, err = auth.Subject(signToken(t, jwt.SigningMethodHS256, []byte("k"), expired))
	assert.Error(t, err)

	wrongAudience := valid
	wrongAudience.Audience = jwt.ClaimStrings{"mintd"}
	_, err = auth.Subject(signToken(t, jwt.SigningMethodHS256, []byte("k"), wrongAudience))
	assert.Error(t, err)

	noSubject := valid
	noSubject.Subject = ""
	_, err = auth.Subject(signToken(t, jwt.SigningMethodHS256, []byte("k"), noSubject))
	assert.Error(t, err)

	_, err = auth.Subject(signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid))
	assert.Error(t, err)
}

func TestAuthenticatorMiddleware(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: "k"}, nil)
	require.NoError(t, err)
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(identity))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+signToken(t, jwt.SigningMethodHS256, []byte("k"), jwt.RegisteredClaims{Subject: "bob"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())

	_, err = NewAuthenticator(AuthConfig{}, nil)
	assert.Error(t, err)
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("a"))

	now = now.Add(visitorTTL + time.Second)
	limiter.Allow("c")
	limiter.mu.Lock()
	_, kept := limiter.visitors["a"]
	limiter.mu.Unlock()
	assert.False(t, kept)
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", clientID(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientID(req))
	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientID(req))
}
