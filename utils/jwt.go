package utils

import (
	"errors"
	"fmt"
	"time"

	"vidserve/models"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrInvalidToken     = errors.New("invalid token format")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrNotAdmin         = errors.New("token does not carry the admin role")
)

// minSecretLen is the shortest HMAC secret accepted for HS256
const minSecretLen = 32

// VerifyConfig holds verification configuration
type VerifyConfig struct {
	SecretKey      []byte        // HS256
	ExpectedIssuer string        // Optional: validate issuer
	ClockSkew      time.Duration // Optional: allow clock skew (default 0)
	Now            func() time.Time
}

// VerifyAdminJWT verifies an HS256 token and returns its claims.
// The token must carry the admin role.
func VerifyAdminJWT(tokenString string, config VerifyConfig) (*models.AdminClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	if len(config.SecretKey) == 0 {
		return nil, errors.New("no verification key provided")
	}

	tok, err := jwt.ParseSigned(tokenString, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &models.AdminClaims{}
	if err := tok.Claims(config.SecretKey, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	nowFn := config.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn().Unix()
	clockSkew := int64(config.ClockSkew.Seconds())

	if claims.ExpiresAt > 0 && claims.ExpiresAt < (now-clockSkew) {
		return nil, ErrTokenExpired
	}
	if claims.IssuedAt > 0 && claims.IssuedAt > (now+clockSkew) {
		return nil, ErrTokenNotYetValid
	}
	if config.ExpectedIssuer != "" && claims.Issuer != config.ExpectedIssuer {
		return nil, fmt.Errorf("%w: expected '%s', got '%s'",
			ErrInvalidIssuer, config.ExpectedIssuer, claims.Issuer)
	}
	if claims.Role != models.RoleAdmin {
		return nil, ErrNotAdmin
	}

	return claims, nil
}

// CreateAdminJWT signs claims with secret using HS256
func CreateAdminJWT(secret []byte, claims *models.AdminClaims) (string, error) {
	if claims == nil {
		return "", errors.New("claims cannot be nil")
	}
	if len(secret) < minSecretLen {
		return "", fmt.Errorf("admin secret must be at least %d bytes", minSecretLen)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to create JWT: %w", err)
	}
	return token, nil
}
