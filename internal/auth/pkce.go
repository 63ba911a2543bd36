package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// VerifierLength is the PKCE verifier length used for new authorizations.
const VerifierLength = 43

// verifierCharset is the unreserved URI character set allowed in verifiers.
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateVerifier returns a cryptographically random verifier of the given
// length. Lengths outside 43..128 are rejected.
func GenerateVerifier(length int) (string, error) {
	if length < 43 || length > 128 {
		return "", fmt.Errorf("verifier length %d out of range 43..128", length)
	}
	limit := big.NewInt(int64(len(verifierCharset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate verifier: %w", err)
		}
		out[i] = verifierCharset[n.Int64()]
	}
	return string(out), nil
}

// Challenge derives the code challenge sent with the authorize request.
// The provider expects the hex-encoded SHA-256 of the verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return hex.EncodeToString(sum[:])
}
