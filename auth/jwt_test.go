package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signToken(t *testing.T, secret string, claims EdgeClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTResolver_Resolve(t *testing.T) {
	const secret = "test-secret"
	r := NewJWTResolver(secret, "jwt:revoked", nil, zap.NewNop())
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		token  string
		wantOK bool
		wantID string
	}{
		{
			name:   "valid token",
			token:  signToken(t, secret, EdgeClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "edge0", ExpiresAt: future, ID: "j1"}}),
			wantOK: true,
			wantID: "edge0",
		},
		{
			name:  "expired token",
			token: signToken(t, secret, EdgeClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "edge0", ExpiresAt: past}}),
		},
		{
			name:  "wrong secret",
			token: signToken(t, "other", EdgeClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "edge0", ExpiresAt: future}}),
		},
		{
			name:  "missing subject",
			token: signToken(t, secret, EdgeClaims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
		},
		{
			name:  "not a token",
			token: "k1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok, err := r.ResolveDeviceForCredential(context.Background(), tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestJWTResolver_NeverProvisions(t *testing.T) {
	r := NewJWTResolver("s", "jwt:revoked", nil, zap.NewNop())
	_, ok, err := r.RegisterDevice(context.Background(), "tok", "hw", "2024.1.0")
	require.NoError(t, err)
	assert.False(t, ok)
}
