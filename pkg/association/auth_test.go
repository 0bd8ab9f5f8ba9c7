package association

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsignedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return signed
}

func TestJWTActorExtractor_TrustedProxyMode(t *testing.T) {
	extractor, err := NewJWTActorExtractor(ActorExtractorConfig{})
	require.NoError(t, err)

	token := unsignedToken(t, jwt.MapClaims{"sub": "alice", "role": "user"})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	actor := extractor(r)
	assert.Equal(t, "alice", actor.UserID)
	assert.False(t, actor.IsAdmin)
}

func TestJWTActorExtractor_AdminRole(t *testing.T) {
	extractor, err := NewJWTActorExtractor(ActorExtractorConfig{})
	require.NoError(t, err)

	token := unsignedToken(t, jwt.MapClaims{"sub": "support", "role": "admin"})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	actor := extractor(r)
	assert.Equal(t, "support", actor.UserID)
	assert.True(t, actor.IsAdmin)
}

func TestJWTActorExtractor_NestedRoleClaim(t *testing.T) {
	extractor, err := NewJWTActorExtractor(ActorExtractorConfig{
		RoleClaim: "realm_access.roles",
	})
	require.NoError(t, err)

	token := unsignedToken(t, jwt.MapClaims{
		"sub": "support",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"user", "admin"},
		},
	})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	actor := extractor(r)
	assert.True(t, actor.IsAdmin)
}

func TestJWTActorExtractor_MissingOrMalformedToken(t *testing.T) {
	extractor, err := NewJWTActorExtractor(ActorExtractorConfig{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			actor := extractor(r)
			assert.Empty(t, actor.UserID)
			assert.False(t, actor.IsAdmin)
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "bearer abc123")
	assert.Equal(t, "abc123", extractBearerToken(r), "scheme match is case-insensitive")
}
