package export

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/valdrix/enforcement/pkg/canonicalize"
	"github.com/valdrix/enforcement/pkg/contracts"
)

// ErrSignatureInvalid is returned when a manifest signature does not verify
// under the current or any fallback secret.
var ErrSignatureInvalid = errors.New("export: manifest signature invalid")

// Signer signs canonical manifests with HMAC-SHA-256. The signature line is
// `kid:hexdigest` so the verifier can pick the right secret during rotation.
type Signer struct {
	kid       string
	secret    []byte
	fallbacks [][]byte
}

// NewSigner builds a signer for the active secret and key id.
func NewSigner(kid, secret string, fallbacks ...string) (*Signer, error) {
	if kid == "" || secret == "" {
		return nil, fmt.Errorf("%w: export signing kid and secret are required", contracts.ErrInvalidRequest)
	}
	s := &Signer{kid: kid, secret: []byte(secret)}
	for _, f := range fallbacks {
		if f != "" {
			s.fallbacks = append(s.fallbacks, []byte(f))
		}
	}
	return s, nil
}

// KID returns the active key id.
func (s *Signer) KID() string { return s.kid }

// Sign canonicalizes the manifest and returns the canonical bytes, their
// hex digest, and the signature line.
func (s *Signer) Sign(m Manifest) (canonical []byte, digest, sig string, err error) {
	canonical, err = canonicalize.Canonical(m)
	if err != nil {
		return nil, "", "", fmt.Errorf("export: canonicalize manifest: %w", err)
	}
	digest = canonicalize.HashBytes(canonical)
	sig = s.kid + ":" + hex.EncodeToString(mac(s.secret, canonical))
	return canonical, digest, sig, nil
}

// Verify checks a signature line against the canonical manifest bytes. The
// active secret is tried first, then each fallback, so bundles signed just
// before a rotation still verify.
func (s *Signer) Verify(canonical []byte, sig string) error {
	_, hexSig, ok := strings.Cut(sig, ":")
	if !ok {
		return ErrSignatureInvalid
	}
	want, err := hex.DecodeString(strings.TrimSpace(hexSig))
	if err != nil {
		return ErrSignatureInvalid
	}
	for _, secret := range append([][]byte{s.secret}, s.fallbacks...) {
		if hmac.Equal(mac(secret, canonical), want) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

func mac(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}
