package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// ComputeThumbprint computes the RFC 7638 JWK Thumbprint for a public key:
// the base64url-encoded SHA-256 of the canonical JWK representation. Used as
// a stable kid so both rotation slots can be distinguished in the JWKS.
func ComputeThumbprint(publicKey crypto.PublicKey) (string, error) {
	members, err := requiredJWKMembers(publicKey)
	if err != nil {
		return "", err
	}

	// The canonical form has only the required members, lexicographically
	// ordered, with no whitespace. json.Marshal sorts map keys, which
	// gives us both.
	canonical, err := json.Marshal(members)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize JWK: %w", err)
	}

	digest := sha256.Sum256(canonical)

	// base64url without padding, per the RFC
	return base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

// requiredJWKMembers returns exactly the RFC 7638 required members for the
// key's type, nothing else.
func requiredJWKMembers(publicKey crypto.PublicKey) (map[string]string, error) {
	switch key := publicKey.(type) {
	case *ecdsa.PublicKey:
		return ecdsaMembers(key)
	case *rsa.PublicKey:
		return rsaMembers(key), nil
	default:
		return nil, fmt.Errorf("unsupported key type: %T", publicKey)
	}
}

func ecdsaMembers(key *ecdsa.PublicKey) (map[string]string, error) {
	params := key.Params()

	switch params.Name {
	case "P-256", "P-384", "P-521":
	default:
		return nil, fmt.Errorf("unsupported ECDSA curve: %s", params.Name)
	}

	// Coordinates are fixed-width big-endian, left-padded to the curve size
	// (RFC 7518 section 6.2.1)
	byteLen := (params.BitSize + 7) / 8
	x := key.X.FillBytes(make([]byte, byteLen))
	y := key.Y.FillBytes(make([]byte, byteLen))

	return map[string]string{
		"kty": "EC",
		"crv": params.Name,
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}, nil
}

func rsaMembers(key *rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
