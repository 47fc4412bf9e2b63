package keys

import (
	"context"
	"crypto"
	"errors"

	"github.com/crossfed-io/crossfed/internal/service"
)

// ErrKeyMismatch is returned when the key that produced a signature is not
// the key the signer resolved before signing.
var ErrKeyMismatch = errors.New("key mismatch during signing")

// KeyID uniquely identifies a cryptographic key.
type KeyID string

// Algorithm is a JOSE algorithm identifier such as "ES256" or "RS256".
type Algorithm string

// KeyHandle is a logical key version: a key file on disk, a KMS key version,
// or an alias that tracks one.
type KeyHandle interface {
	// Sign signs a digest and reports which key ID actually signed. Behind
	// an alias the key can rotate between Metadata and Sign; the returned
	// ID lets callers detect that.
	Sign(ctx context.Context, digest []byte, opts crypto.SignerOpts) (signature []byte, usedKeyID string, err error)

	// Metadata returns the expected key ID and algorithm for this handle.
	Metadata(ctx context.Context) (keyID string, alg string, err error)

	// Public returns the public key.
	Public(ctx context.Context) (crypto.PublicKey, error)

	// Rotate creates a new key version for this handle.
	Rotate(ctx context.Context) error
}

// RotatingSigner owns the active signing key and its rotation schedule.
type RotatingSigner interface {
	// GetCurrentSigner returns a signer bound to the current active key and
	// the provided context. The signer is per-request: resolve it, use it,
	// drop it.
	//
	// Resolution does no I/O but signing usually does, which leaves a
	// window where the key rotates between the two. The signer detects
	// that and returns ErrKeyMismatch. Keys rotate only once drained, so
	// in practice this is rare.
	GetCurrentSigner(ctx context.Context) (signer crypto.Signer, keyID KeyID, alg Algorithm, err error)

	// PublicKeys returns every public key a relying party may still see
	// signatures from.
	PublicKeys(ctx context.Context) ([]service.PublicKey, error)

	// Start begins background rotation.
	Start(ctx context.Context) error

	// Stop halts background rotation.
	Stop()
}

// KeyProvider creates and retrieves key handles.
type KeyProvider interface {
	// GetKeyHandle returns the handle for a trust domain, namespace, and
	// key name. The trust domain isolates tenants; the namespace groups
	// keys within one (e.g. "role-sessions").
	GetKeyHandle(ctx context.Context, trustDomain, namespace, keyName string) (KeyHandle, error)
}

// KeyType identifies the cryptographic key type.
type KeyType string

const (
	KeyTypeECP256  KeyType = "EC-P256"
	KeyTypeECP384  KeyType = "EC-P384"
	KeyTypeRSA2048 KeyType = "RSA-2048"
	KeyTypeRSA4096 KeyType = "RSA-4096"
)
