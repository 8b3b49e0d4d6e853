package market

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/golemfactory/yagna-sub001/internal/adapters/identity"
)

// signatureClaims is the JWT payload signed over an Agreement digest:
// every signed field (proposed_sig, approved_sig, committed_sig) is a
// JWT over agreementDigest, keyed by the issuer's signing key. The
// Engine produces and persists these signatures but does not verify
// them; no transition is refused on signature grounds.
type signatureClaims struct {
	jwt.RegisteredClaims
	Digest string `json:"digest"`
}

// Signer signs and verifies Agreement signature fields.
type Signer struct {
	keys identity.Signer
}

// NewSigner returns a Signer backed by keys.
func NewSigner(keys identity.Signer) *Signer {
	return &Signer{keys: keys}
}

// Sign produces the JWT carried in proposed_sig/approved_sig/
// committed_sig for an Agreement body whose canonical digest is digest,
// issued by issuerNodeID.
func (s *Signer) Sign(ctx context.Context, issuerNodeID, digest string) (string, error) {
	key, err := s.keys.SigningKey(ctx, issuerNodeID)
	if err != nil {
		return "", fmt.Errorf("market: signing as %s: %w", issuerNodeID, err)
	}
	claims := signatureClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerNodeID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Digest: digest,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("market: signing as %s: %w", issuerNodeID, err)
	}
	return signed, nil
}

// Verify checks that sig is a valid JWT issued by issuerNodeID over
// digest. No market.Engine transition calls it: signatures received
// from a peer are stored without this check.
func (s *Signer) Verify(ctx context.Context, issuerNodeID, digest, sig string) error {
	key, err := s.keys.SigningKey(ctx, issuerNodeID)
	if err != nil {
		return fmt.Errorf("market: verifying signature from %s: %w", issuerNodeID, err)
	}
	var claims signatureClaims
	token, err := jwt.ParseWithClaims(sig, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("market: unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("market: signature from %s does not verify: %w", issuerNodeID, err)
	}
	if !token.Valid {
		return fmt.Errorf("market: signature from %s is invalid", issuerNodeID)
	}
	if claims.Issuer != issuerNodeID {
		return fmt.Errorf("market: signature issuer mismatch: claims say %s, expected %s", claims.Issuer, issuerNodeID)
	}
	if claims.Digest != digest {
		return fmt.Errorf("market: signature digest mismatch for issuer %s", issuerNodeID)
	}
	return nil
}

// Digest computes the highwayhash digest of a body string. Agreement
// signatures are not issued over it: they cover agreementDigest, built
// from the proposal ids, state and valid_to.
func Digest(body string) string {
	return highwayDigest(body)
}
