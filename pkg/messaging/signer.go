package messaging

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters. The salt is fixed so that every node
	// sharing the secret derives the same key.
	pbkdfIterations = 100000
	keyLength       = 32
	keySalt         = "anti_vpn/messaging"

	tokenIssuer = "anti_vpn"
)

var ErrBadSignature = errors.New("bad frame signature")

type frameClaims struct {
	jwt.RegisteredClaims
	Kind   Kind            `json:"kind"`
	Packet json.RawMessage `json:"packet"`
}

// Signer signs frames as HS256 tokens keyed by a shared secret.
type Signer struct {
	key    []byte
	parser *jwt.Parser
}

// NewSigner derives the signing key from secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("secret cannot be empty")
	}
	return &Signer{
		key:    DeriveKey([]byte(secret)),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// DeriveKey derives a signing key from a shared secret.
func DeriveKey(secret []byte) []byte {
	return pbkdf2.Key(secret, []byte(keySalt), pbkdfIterations, keyLength, sha256.New)
}

// Sign returns the signed token for a packet body.
func (s *Signer) Sign(id uuid.UUID, kind Kind, body json.RawMessage) (string, error) {
	claims := frameClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:     id.String(),
			Issuer: tokenIssuer,
		},
		Kind:   kind,
		Packet: body,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify checks the token signature and returns its contents.
func (s *Signer) Verify(token string) (uuid.UUID, Kind, json.RawMessage, error) {
	var claims frameClaims
	parsed, err := s.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil {
		return uuid.Nil, "", nil, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if !parsed.Valid || claims.Issuer != tokenIssuer {
		return uuid.Nil, "", nil, ErrBadSignature
	}

	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, "", nil, fmt.Errorf("%w: message id: %w", ErrInvalidFrame, err)
	}
	return id, claims.Kind, claims.Packet, nil
}
