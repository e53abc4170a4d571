package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID  = "test-key-pe"
	testIssuer = "https://idp.test/realms/pdf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, []string{"pdf-admins"}, testLogger())
}

// signToken подписывает JWT с указанными группами и ролями.
func signToken(t *testing.T, key *rsa.PrivateKey, sub, issuer string, groups, roles []string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":                sub,
		"preferred_username": "user-" + sub,
		"iss":                issuer,
		"exp":                jwt.NewNumericDate(exp),
		"iat":                jwt.NewNumericDate(time.Now()),
	}
	if groups != nil {
		claims["groups"] = groups
	}
	if roles != nil {
		claims["realm_access"] = map[string]any{"roles": roles}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("подпись токена: %v", err)
	}
	return signed
}

func TestJWTAuth_AdminAccess(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)
	future := time.Now().Add(time.Hour)

	handler := auth.Middleware()(RequireAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) == "" {
			t.Error("sub не попал в контекст")
		}
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{
			name:       "admin группа",
			header:     "Bearer " + signToken(t, key, "u1", testIssuer, []string{"pdf-admins"}, nil, future),
			wantStatus: http.StatusOK,
		},
		{
			name:       "admin группа с ведущим слэшем",
			header:     "Bearer " + signToken(t, key, "u2", testIssuer, []string{"/pdf-admins"}, nil, future),
			wantStatus: http.StatusOK,
		},
		{
			name:       "realm роль admin",
			header:     "Bearer " + signToken(t, key, "u3", testIssuer, nil, []string{"admin"}, future),
			wantStatus: http.StatusOK,
		},
		{
			name:       "обычный пользователь",
			header:     "Bearer " + signToken(t, key, "u4", testIssuer, []string{"users"}, []string{"viewer"}, future),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "просроченный токен",
			header:     "Bearer " + signToken(t, key, "u5", testIssuer, []string{"pdf-admins"}, nil, time.Now().Add(-time.Hour)),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "чужой issuer",
			header:     "Bearer " + signToken(t, key, "u6", "https://evil.test", []string{"pdf-admins"}, nil, future),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "без sub",
			header:     "Bearer " + signToken(t, key, "", testIssuer, []string{"pdf-admins"}, nil, future),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "без заголовка",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "не Bearer",
			header:     "Basic dXNlcjpwYXNz",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cleanup", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Статус: хотели %d, получили %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestJWTAuth_ForeignKey(t *testing.T) {
	auth := newTestJWTAuth(t, generateTestKey(t))
	other := generateTestKey(t)

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, other, "u1", testIssuer, []string{"pdf-admins"}, nil, time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Токен, подписанный чужим ключом: хотели 401, получили %d", rec.Code)
	}
}

func TestRequireAdmin_NoClaims(t *testing.T) {
	handler := RequireAdmin()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Без claims: хотели 401, получили %d", rec.Code)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/extractions", "/api/v1/extractions"},
		{"/api/v1/extractions/6f1c0d8e-7c55-4c53-9a57-0d6d3e7f2a11", "/api/v1/extractions/{id}"},
		{"/api/v1/share/secret-token", "/api/v1/share/{token}"},
		{"/api/v1/share/secret-token/archive", "/api/v1/share/{token}/archive"},
		{"/api/v1/share/secret-token/images/page_0001.png", "/api/v1/share/{token}/images/{filename}"},
		{"/api/v1/admin/extractions/bulk-delete", "/api/v1/admin/extractions/bulk-delete"},
		{"/api/v1/admin/extractions/abc/share-links", "/api/v1/admin/extractions/{id}/share-links"},
		{"/api/v1/admin/share-links/secret/rotate", "/api/v1/admin/share-links/{token}/rotate"},
		{"/health/live", "/health/live"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, хотели %q", tt.path, got, tt.want)
			}
		})
	}
}
