package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/reelcraft/api/internal/config"
)

// TokenVerifier checks a bearer token presented by a calling service.
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims identifies the calling service. Subject is the caller id.
type Claims struct {
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// CallerID prefers the OAuth client id and falls back to the subject.
func (c *Claims) CallerID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return c.Subject
}

// JWKSVerifier validates tokens signed by the identity provider's keys.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

func NewJWKSVerifier(cfg *config.AuthConfig) (*JWKSVerifier, error) {
	if cfg.JWKSIssuer == "" {
		return nil, fmt.Errorf("jwks issuer is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jwksURL, err := discoverJWKSURL(ctx, cfg.JWKSIssuer)
	if err != nil {
		return nil, fmt.Errorf("discover JWKS URL: %w", err)
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return newJWKSVerifier(jwks, cfg.JWKSIssuer, cfg.Audience), nil
}

func newJWKSVerifier(jwks keyfunc.Keyfunc, issuer, audience string) *JWKSVerifier {
	return &JWKSVerifier{jwks: jwks, issuer: issuer, audience: audience}
}

// discoverJWKSURL fetches the OIDC discovery document and extracts the jwks_uri.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	discoveryURL := fmt.Sprintf("%s/.well-known/openid-configuration", issuer)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.CallerID() == "" {
		return nil, fmt.Errorf("token has no caller identity")
	}
	return claims, nil
}

func (v *JWKSVerifier) Close() error {
	return nil
}
