package auth

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// EdgeClaims are the claims of an edge token. The subject is the edge id;
// the 'jti' is checked against the revocation list.
type EdgeClaims struct {
	HardwareID string `json:"hwid,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver resolves signed tokens to edge ids. Edges using tokens are
// provisioned by whoever issues the tokens, so RegisterDevice never succeeds.
type JWTResolver struct {
	secret        []byte
	revocationKey string
	redisClient   *redis.Client
	log           *zap.Logger
}

// NewJWTResolver creates a resolver. redisClient may be nil, which disables
// revocation checks.
func NewJWTResolver(secret, revocationKey string, redisClient *redis.Client, log *zap.Logger) *JWTResolver {
	return &JWTResolver{
		secret:        []byte(secret),
		revocationKey: revocationKey,
		redisClient:   redisClient,
		log:           log,
	}
}

func (r *JWTResolver) ResolveDeviceForCredential(ctx context.Context, credential string) (string, bool, error) {
	claims, err := r.validateToken(ctx, credential)
	if err != nil {
		r.log.Debug("Rejected edge token", zap.Error(err))
		return "", false, nil
	}
	if claims.Subject == "" {
		return "", false, nil
	}
	return claims.Subject, true, nil
}

func (r *JWTResolver) RegisterDevice(context.Context, string, string, string) (string, bool, error) {
	return "", false, nil
}

// validateToken checks the signature, the standard claims and the
// revocation list.
func (r *JWTResolver) validateToken(ctx context.Context, tokenString string) (*EdgeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &EdgeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*EdgeClaims)
	if !ok {
		return nil, fmt.Errorf("could not cast claims to EdgeClaims")
	}

	revoked, err := r.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a Redis outage must not lock every edge out.
		r.log.Error("Failed to check token revocation status", zap.Error(err))
	}
	if revoked {
		return nil, fmt.Errorf("token has been revoked")
	}
	return claims, nil
}

func (r *JWTResolver) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if r.redisClient == nil {
		return false, nil
	}
	if jti == "" {
		r.log.Warn("Edge token is missing 'jti' claim, cannot check for revocation")
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", r.revocationKey, jti)
	exists, err := r.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}
