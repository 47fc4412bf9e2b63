package keys

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// kmsAPI is the subset of the KMS client used by the provider.
// Narrowed to an interface so tests can substitute a fake.
type kmsAPI interface {
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	UpdateAlias(ctx context.Context, params *kms.UpdateAliasInput, optFns ...func(*kms.Options)) (*kms.UpdateAliasOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// AWSKMSKeyProvider is a KeyProvider backed by AWS KMS asymmetric keys.
// Each logical key is addressed by a KMS alias; Rotate creates a new KMS key
// and repoints the alias, so old key material stays in KMS for verification
// until it is scheduled for deletion out-of-band.
type AWSKMSKeyProvider struct {
	client      kmsAPI
	keyType     KeyType
	algorithm   string
	aliasPrefix string
}

// AWSKMSConfig configures the AWS KMS key provider
type AWSKMSConfig struct {
	// KeyType is the type of keys this provider creates
	KeyType KeyType

	// Algorithm is the signing algorithm to use (defaults based on KeyType)
	Algorithm string

	// Region is the AWS region for the KMS client
	Region string

	// AliasPrefix is prepended to all aliases created by this provider,
	// e.g. "crossfed" yields "alias/crossfed/<trust-domain>/<namespace>/<key>"
	AliasPrefix string

	// Client optionally overrides the KMS client (used in tests)
	Client kmsAPI
}

// NewAWSKMSKeyProvider creates a KMS-backed key provider.
func NewAWSKMSKeyProvider(ctx context.Context, cfg AWSKMSConfig) (*AWSKMSKeyProvider, error) {
	if cfg.KeyType == "" {
		return nil, fmt.Errorf("key_type is required")
	}
	if cfg.AliasPrefix == "" {
		return nil, fmt.Errorf("alias_prefix is required")
	}
	if _, err := kmsKeySpec(cfg.KeyType); err != nil {
		return nil, err
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
	if _, err := kmsSigningAlgorithm(algorithm); err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == nil {
		if cfg.Region == "" {
			return nil, fmt.Errorf("region is required")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = kms.NewFromConfig(awsCfg)
	}

	return &AWSKMSKeyProvider{
		client:      client,
		keyType:     cfg.KeyType,
		algorithm:   algorithm,
		aliasPrefix: cfg.AliasPrefix,
	}, nil
}

func (p *AWSKMSKeyProvider) GetKeyHandle(ctx context.Context, trustDomain, namespace, keyName string) (KeyHandle, error) {
	return &kmsKeyHandle{
		provider: p,
		alias:    p.aliasName(trustDomain, namespace, keyName),
	}, nil
}

// aliasName builds the KMS alias for a key. KMS aliases only allow
// alphanumerics, slashes, underscores, and dashes.
func (p *AWSKMSKeyProvider) aliasName(trustDomain, namespace, keyName string) string {
	sanitize := func(s string) string {
		s = strings.ReplaceAll(s, ":", "_")
		s = strings.ReplaceAll(s, ".", "_")
		return s
	}

	parts := []string{p.aliasPrefix}
	if trustDomain != "" {
		parts = append(parts, sanitize(trustDomain))
	}
	if namespace != "" {
		parts = append(parts, sanitize(namespace))
	}
	parts = append(parts, sanitize(keyName))
	return "alias/" + strings.Join(parts, "/")
}

func kmsKeySpec(kt KeyType) (kmstypes.KeySpec, error) {
	switch kt {
	case KeyTypeECP256:
		return kmstypes.KeySpecEccNistP256, nil
	case KeyTypeECP384:
		return kmstypes.KeySpecEccNistP384, nil
	case KeyTypeRSA2048:
		return kmstypes.KeySpecRsa2048, nil
	case KeyTypeRSA4096:
		return kmstypes.KeySpecRsa4096, nil
	default:
		return "", fmt.Errorf("unsupported key type for aws_kms: %s", kt)
	}
}

func kmsSigningAlgorithm(alg string) (kmstypes.SigningAlgorithmSpec, error) {
	switch alg {
	case "ES256":
		return kmstypes.SigningAlgorithmSpecEcdsaSha256, nil
	case "ES384":
		return kmstypes.SigningAlgorithmSpecEcdsaSha384, nil
	case "RS256":
		return kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256, nil
	default:
		return "", fmt.Errorf("unsupported algorithm for aws_kms: %s", alg)
	}
}

type kmsKeyHandle struct {
	provider *AWSKMSKeyProvider
	alias    string
}

func (h *kmsKeyHandle) Sign(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, string, error) {
	algSpec, err := kmsSigningAlgorithm(h.provider.algorithm)
	if err != nil {
		return nil, "", err
	}

	out, err := h.provider.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(h.alias),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: algSpec,
	})
	if err != nil {
		return nil, "", fmt.Errorf("kms sign failed: %w", err)
	}

	return out.Signature, aws.ToString(out.KeyId), nil
}

func (h *kmsKeyHandle) Metadata(ctx context.Context) (string, string, error) {
	out, err := h.provider.client.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(h.alias),
	})
	if err != nil {
		return "", "", fmt.Errorf("kms describe key failed: %w", err)
	}
	return aws.ToString(out.KeyMetadata.Arn), h.provider.algorithm, nil
}

func (h *kmsKeyHandle) Public(ctx context.Context) (crypto.PublicKey, error) {
	out, err := h.provider.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(h.alias),
	})
	if err != nil {
		return nil, fmt.Errorf("kms get public key failed: %w", err)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}
	return pub, nil
}

// Rotate creates a new KMS key and points the alias at it. The alias is
// created on first rotation.
func (h *kmsKeyHandle) Rotate(ctx context.Context) error {
	keySpec, err := kmsKeySpec(h.provider.keyType)
	if err != nil {
		return err
	}

	created, err := h.provider.client.CreateKey(ctx, &kms.CreateKeyInput{
		KeySpec:     keySpec,
		KeyUsage:    kmstypes.KeyUsageTypeSignVerify,
		Description: aws.String(fmt.Sprintf("signing key for %s", h.alias)),
	})
	if err != nil {
		return fmt.Errorf("kms create key failed: %w", err)
	}
	keyID := aws.ToString(created.KeyMetadata.KeyId)

	_, err = h.provider.client.UpdateAlias(ctx, &kms.UpdateAliasInput{
		AliasName:   aws.String(h.alias),
		TargetKeyId: aws.String(keyID),
	})
	if err == nil {
		return nil
	}

	// Alias may not exist yet on first rotation
	var nfe *kmstypes.NotFoundException
	if !errors.As(err, &nfe) {
		return fmt.Errorf("kms update alias failed: %w", err)
	}

	_, err = h.provider.client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(h.alias),
		TargetKeyId: aws.String(keyID),
	})
	if err != nil {
		return fmt.Errorf("kms create alias failed: %w", err)
	}
	return nil
}
