// Package jwt verifies the HS256 access tokens issued by the platform's auth
// service and exposes the caller's identity to HTTP handlers.
package jwt

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const algorithm = "HS256"

// Config holds the shared signing secret.
type Config struct {
	Secret string `env:"JWT_SECRET,required"`
}

type header struct {
	Type      string `json:"typ"`
	Algorithm string `json:"alg"`
}

// Claims is the access-token payload. The auth service writes the user id
// under either "userId" or "id".
type Claims struct {
	UserID        string `json:"userId,omitempty"`
	ID            string `json:"id,omitempty"`
	Role          string `json:"role,omitempty"`
	Email         string `json:"email,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	ExpiresAt     int64  `json:"exp,omitempty"`
	NotBefore     int64  `json:"nbf,omitempty"`
	IssuedAt      int64  `json:"iat,omitempty"`
}

// Subject returns the user id the token was issued for.
func (c Claims) Subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.ID
}

// Valid checks the temporal claims. Zero values are treated as unset.
func (c Claims) Valid() error {
	now := time.Now().Unix()
	if c.ExpiresAt > 0 && now > c.ExpiresAt {
		return ErrExpiredToken
	}
	if c.NotBefore > 0 && now < c.NotBefore {
		return ErrInvalidToken
	}
	return nil
}

// Service signs and verifies tokens with HMAC-SHA256.
type Service struct {
	key []byte
}

func New(secret string) (*Service, error) {
	if secret == "" {
		return nil, ErrMissingSigningKey
	}
	return &Service{key: []byte(secret)}, nil
}

// Generate signs claims. The service only verifies tokens in production;
// Generate backs tests and local tooling.
func (s *Service) Generate(claims Claims) (string, error) {
	headerJSON, err := json.Marshal(header{Type: "JWT", Algorithm: algorithm})
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	payload := encode(headerJSON) + "." + encode(claimsJSON)
	return payload + "." + s.sign(payload), nil
}

// Parse verifies the signature, algorithm and temporal claims of token.
func (s *Service) Parse(token string) (Claims, error) {
	var claims Claims

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return claims, ErrInvalidToken
	}

	expected := s.sign(parts[0] + "." + parts[1])
	if subtle.ConstantTimeCompare([]byte(parts[2]), []byte(expected)) != 1 {
		return claims, ErrInvalidSignature
	}

	headerJSON, err := decode(parts[0])
	if err != nil {
		return claims, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return claims, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	if h.Algorithm != algorithm {
		return claims, ErrUnexpectedSigningMethod
	}

	claimsJSON, err := decode(parts[1])
	if err != nil {
		return claims, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return claims, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	if err := claims.Valid(); err != nil {
		return claims, err
	}
	if claims.Subject() == "" {
		return claims, ErrMissingSubject
	}
	return claims, nil
}

func (s *Service) sign(payload string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(payload))
	return encode(h.Sum(nil))
}

func encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
