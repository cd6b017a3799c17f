package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const serviceTokenIssuer = "reelcraft-render"

// ServiceClaims are carried by HMAC tokens minted with the shared secret.
type ServiceClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// ValidateServiceToken checks an HS256 token signed with secret.
func ValidateServiceToken(tokenString, secret string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired(), jwt.WithIssuer(serviceTokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Service == "" {
		return nil, errors.New("token has no service name")
	}
	return claims, nil
}

// IssueServiceToken mints a token for service valid for ttl.
func IssueServiceToken(service, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret not configured")
	}
	now := time.Now()
	claims := ServiceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    serviceTokenIssuer,
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
