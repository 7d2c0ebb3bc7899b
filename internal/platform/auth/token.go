package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignToken issues an HS256 token for id that a verifier configured with the
// same key accepts. It backs the operator CLI and development setups; production
// tokens come from the identity provider.
func SignToken(key []byte, issuer, audience string, id Identity, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", errors.New("auth: signing key is required")
	}
	if id.UserID == "" {
		return "", errors.New("auth: user id is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:         id.Name,
		Role:         id.Role,
		HospitalName: id.HospitalName,
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
