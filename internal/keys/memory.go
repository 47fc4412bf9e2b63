package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
)

// memoryKey holds one generated signing key
type memoryKey struct {
	ID        string
	Algorithm string
	Signer    crypto.Signer
}

// InMemoryKeyProvider keeps signing keys in process memory. Intended for
// tests and local development; nothing survives a restart.
type InMemoryKeyProvider struct {
	mu         sync.RWMutex
	keyType    KeyType
	algorithm  string
	keys       map[string]*memoryKey // live keys by trustDomain:namespace:keyName
	oldKeys    []*memoryKey          // rotated out, pending deletion
	keyCounter int
}

// NewInMemoryKeyProvider creates a new in-memory key provider. When algorithm
// is empty the conventional algorithm for the key type is used.
func NewInMemoryKeyProvider(keyType KeyType, algorithm string) *InMemoryKeyProvider {
	if algorithm == "" {
		switch keyType {
		case KeyTypeECP256:
			algorithm = "ES256"
		case KeyTypeECP384:
			algorithm = "ES384"
		case KeyTypeRSA2048, KeyTypeRSA4096:
			algorithm = "RS256"
		}
	}

	return &InMemoryKeyProvider{
		keyType:   keyType,
		algorithm: algorithm,
		keys:      make(map[string]*memoryKey),
		oldKeys:   make([]*memoryKey, 0),
	}
}

// GetKeyHandle returns a handle for a specific trust domain, namespace, and key name.
func (m *InMemoryKeyProvider) GetKeyHandle(ctx context.Context, trustDomain, namespace, keyName string) (KeyHandle, error) {
	return &memoryKeyHandle{
		manager:     m,
		trustDomain: trustDomain,
		namespace:   namespace,
		keyName:     keyName,
	}, nil
}

func (m *InMemoryKeyProvider) rotateKey(trustDomain, namespace, keyName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	storageKey := m.storageKey(trustDomain, namespace, keyName)

	// The replaced key is kept around like a cloud KMS schedules deletion
	if existing, ok := m.keys[storageKey]; ok {
		m.oldKeys = append(m.oldKeys, existing)
	}

	var signer crypto.Signer
	var err error

	switch m.keyType {
	case KeyTypeECP256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyTypeECP384:
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case KeyTypeRSA2048:
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case KeyTypeRSA4096:
		signer, err = rsa.GenerateKey(rand.Reader, 4096)
	default:
		return fmt.Errorf("unsupported key type: %s", m.keyType)
	}
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	m.keyCounter++
	m.keys[storageKey] = &memoryKey{
		ID:        m.keyID(trustDomain, namespace, keyName),
		Algorithm: m.algorithm,
		Signer:    signer,
	}
	return nil
}

// keyID builds a readable kid from whichever scope components are set plus a
// monotonic counter so rotations never reuse an ID.
func (m *InMemoryKeyProvider) keyID(trustDomain, namespace, keyName string) string {
	switch {
	case trustDomain != "" && namespace != "":
		return fmt.Sprintf("%s/%s-%s-%d", trustDomain, namespace, keyName, m.keyCounter)
	case trustDomain != "":
		return fmt.Sprintf("%s-%s-%d", trustDomain, keyName, m.keyCounter)
	case namespace != "":
		return fmt.Sprintf("%s-%s-%d", namespace, keyName, m.keyCounter)
	default:
		return fmt.Sprintf("%s-%d", keyName, m.keyCounter)
	}
}

func (m *InMemoryKeyProvider) getKey(trustDomain, namespace, keyName string) (*memoryKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[m.storageKey(trustDomain, namespace, keyName)]
	if !ok {
		return nil, fmt.Errorf("key not found: %s/%s:%s", trustDomain, namespace, keyName)
	}
	return key, nil
}

func (m *InMemoryKeyProvider) storageKey(trustDomain, namespace, keyName string) string {
	parts := make([]string, 0, 3)
	if trustDomain != "" {
		parts = append(parts, trustDomain)
	}
	if namespace != "" {
		parts = append(parts, namespace)
	}
	parts = append(parts, keyName)
	return strings.Join(parts, ":")
}

type memoryKeyHandle struct {
	manager     *InMemoryKeyProvider
	trustDomain string
	namespace   string
	keyName     string
}

func (h *memoryKeyHandle) Sign(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, string, error) {
	key, err := h.manager.getKey(h.trustDomain, h.namespace, h.keyName)
	if err != nil {
		return nil, "", err
	}

	sig, err := key.Signer.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, "", err
	}

	return sig, key.ID, nil
}

func (h *memoryKeyHandle) Metadata(ctx context.Context) (string, string, error) {
	key, err := h.manager.getKey(h.trustDomain, h.namespace, h.keyName)
	if err != nil {
		return "", "", err
	}
	return key.ID, key.Algorithm, nil
}

func (h *memoryKeyHandle) Public(ctx context.Context) (crypto.PublicKey, error) {
	key, err := h.manager.getKey(h.trustDomain, h.namespace, h.keyName)
	if err != nil {
		return nil, err
	}
	return key.Signer.Public(), nil
}

func (h *memoryKeyHandle) Rotate(ctx context.Context) error {
	return h.manager.rotateKey(h.trustDomain, h.namespace, h.keyName)
}
