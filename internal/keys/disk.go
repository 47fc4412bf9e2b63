package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crossfed-io/crossfed/internal/fs"
)

// DiskKeyProvider stores session-signing keys as JSON files on disk. Fits a
// single-replica deployment with a ReadWriteOnce volume; multi-replica
// deployments need a provider with shared state, such as the KMS one.
type DiskKeyProvider struct {
	mu        sync.RWMutex
	keyType   KeyType
	algorithm string
	keysPath  string
	fs        fs.FileSystem
}

// DiskKeyProviderConfig configures the disk key provider.
type DiskKeyProviderConfig struct {
	// KeyType is the type of keys this provider generates.
	KeyType KeyType

	// Algorithm is the signing algorithm. Empty picks the natural algorithm
	// for the key type (ES256/ES384/RS256).
	Algorithm string

	// KeysPath is the directory key files are written under.
	KeysPath string

	// FileSystem abstracts disk access for tests. Nil means the real OS
	// filesystem.
	FileSystem fs.FileSystem
}

// keyFileData is the on-disk JSON layout of one key.
type keyFileData struct {
	ID         string    `json:"id"`
	Algorithm  string    `json:"algorithm"`
	KeyType    string    `json:"key_type"`
	PrivateKey string    `json:"private_key"` // base64 of PKCS8 DER
	CreatedAt  time.Time `json:"created_at"`
}

// NewDiskKeyProvider creates a disk-backed key provider and ensures the key
// directory exists.
func NewDiskKeyProvider(cfg DiskKeyProviderConfig) (*DiskKeyProvider, error) {
	if cfg.KeysPath == "" {
		return nil, fmt.Errorf("keys_path is required")
	}
	if cfg.KeyType == "" {
		return nil, fmt.Errorf("key_type is required")
	}

	switch cfg.KeyType {
	case KeyTypeECP256, KeyTypeECP384, KeyTypeRSA2048, KeyTypeRSA4096:
	default:
		return nil, fmt.Errorf("unsupported key type: %s", cfg.KeyType)
	}

	algorithm := cfg.Algorithm
	if algorithm == "" {
		switch cfg.KeyType {
		case KeyTypeECP256:
			algorithm = "ES256"
		case KeyTypeECP384:
			algorithm = "ES384"
		case KeyTypeRSA2048, KeyTypeRSA4096:
			algorithm = "RS256"
		}
	}

	filesystem := cfg.FileSystem
	if filesystem == nil {
		filesystem = fs.NewOSFileSystem()
	}

	if err := filesystem.MkdirAll(cfg.KeysPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}

	return &DiskKeyProvider{
		keyType:   cfg.KeyType,
		algorithm: algorithm,
		keysPath:  cfg.KeysPath,
		fs:        filesystem,
	}, nil
}

func (m *DiskKeyProvider) GetKeyHandle(ctx context.Context, trustDomain, namespace, keyName string) (KeyHandle, error) {
	return &diskKeyHandle{
		manager:     m,
		trustDomain: trustDomain,
		namespace:   namespace,
		keyName:     keyName,
	}, nil
}

func (m *DiskKeyProvider) rotateKey(trustDomain, namespace, keyName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

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

	privateKeyDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	data := keyFileData{
		ID:         uuid.New().String(),
		Algorithm:  m.algorithm,
		KeyType:    string(m.keyType),
		PrivateKey: base64.StdEncoding.EncodeToString(privateKeyDER),
		CreatedAt:  time.Now().UTC(),
	}

	if err := m.writeKeyFile(trustDomain, namespace, keyName, &data); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

func (m *DiskKeyProvider) loadKey(trustDomain, namespace, keyName string) (crypto.Signer, string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := m.readKeyFile(trustDomain, namespace, keyName)
	if err != nil {
		return nil, "", "", err
	}

	// A file written under a different provider configuration must not be
	// silently served
	if data.KeyType != string(m.keyType) {
		return nil, "", "", fmt.Errorf("key type mismatch: expected %s, found %s", m.keyType, data.KeyType)
	}
	if data.Algorithm != m.algorithm {
		return nil, "", "", fmt.Errorf("algorithm mismatch: expected %s, found %s", m.algorithm, data.Algorithm)
	}

	privateKeyDER, err := base64.StdEncoding.DecodeString(data.PrivateKey)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to decode private key: %w", err)
	}

	privateKeyAny, err := x509.ParsePKCS8PrivateKey(privateKeyDER)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := privateKeyAny.(crypto.Signer)
	if !ok {
		return nil, "", "", fmt.Errorf("private key does not implement crypto.Signer")
	}

	return signer, data.ID, data.Algorithm, nil
}

func (m *DiskKeyProvider) writeKeyFile(trustDomain, namespace, keyName string, data *keyFileData) error {
	keyFilePath := m.keyFilePath(trustDomain, namespace, keyName)

	dir := filepath.Dir(keyFilePath)
	if err := m.fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	// Atomic write so a crash mid-rotation never leaves a truncated key
	if err := m.fs.WriteFileAtomic(keyFilePath, jsonData, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

func (m *DiskKeyProvider) readKeyFile(trustDomain, namespace, keyName string) (*keyFileData, error) {
	keyFilePath := m.keyFilePath(trustDomain, namespace, keyName)

	jsonData, err := m.fs.ReadFile(keyFilePath)
	if err != nil {
		if m.fs.IsNotExist(err) {
			return nil, fmt.Errorf("key not found: %s/%s", namespace, keyName)
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var data keyFileData
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key file (corrupted?): %w", err)
	}

	return &data, nil
}

// keyFilePath maps a trust domain, namespace, and key name onto a path under
// keysPath, sanitizing each component so values like a trust domain with a
// scheme cannot escape the directory.
func (m *DiskKeyProvider) keyFilePath(trustDomain, namespace, keyName string) string {
	var parts []string
	if trustDomain != "" {
		parts = append(parts, m.sanitize(trustDomain))
	}
	if namespace != "" {
		parts = append(parts, m.sanitize(namespace))
	}

	dirPath := m.keysPath
	if len(parts) > 0 {
		dirPath = filepath.Join(append([]string{m.keysPath}, parts...)...)
	}

	return filepath.Join(dirPath, fmt.Sprintf("%s.json", keyName))
}

func (m *DiskKeyProvider) sanitize(s string) string {
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

// diskKeyHandle loads the key file on every operation, so a rotation done by
// another handle is picked up immediately.
type diskKeyHandle struct {
	manager     *DiskKeyProvider
	trustDomain string
	namespace   string
	keyName     string
}

func (h *diskKeyHandle) Sign(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, string, error) {
	signer, id, _, err := h.manager.loadKey(h.trustDomain, h.namespace, h.keyName)
	if err != nil {
		return nil, "", err
	}

	sig, err := signer.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, "", err
	}

	return sig, id, nil
}

func (h *diskKeyHandle) Metadata(ctx context.Context) (string, string, error) {
	_, id, alg, err := h.manager.loadKey(h.trustDomain, h.namespace, h.keyName)
	if err != nil {
		return "", "", err
	}
	return id, alg, nil
}

func (h *diskKeyHandle) Public(ctx context.Context) (crypto.PublicKey, error) {
	signer, _, _, err := h.manager.loadKey(h.trustDomain, h.namespace, h.keyName)
	if err != nil {
		return nil, err
	}
	return signer.Public(), nil
}

func (h *diskKeyHandle) Rotate(ctx context.Context) error {
	return h.manager.rotateKey(h.trustDomain, h.namespace, h.keyName)
}
