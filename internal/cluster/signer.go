package cluster

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("cluster request not authorized")

// requestClaims binds a token to the request body it was issued for.
type requestClaims struct {
	BodyDigest string `json:"bdh"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 bearer tokens for cluster requests.
type Signer struct {
	nodeID string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns nil when secret is empty, which disables signing.
func NewSigner(nodeID, secret string, ttl time.Duration) *Signer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Signer{nodeID: nodeID, secret: []byte(secret), ttl: ttl, now: time.Now}
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign returns a token for body.
func (s *Signer) Sign(body []byte) (string, error) {
	now := s.now()
	claims := requestClaims{
		BodyDigest: bodyDigest(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.nodeID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks signature, expiry and body digest of an Authorization header
// value and returns the issuing node id.
func (s *Signer) Verify(header string, body []byte) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	claims := &requestClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.BodyDigest != bodyDigest(body) {
		return "", fmt.Errorf("%w: body digest mismatch", ErrUnauthorized)
	}
	return claims.Issuer, nil
}
