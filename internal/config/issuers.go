package config

import (
	"context"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/issuer"
	"github.com/crossfed-io/crossfed/internal/keys"
	"github.com/crossfed-io/crossfed/internal/mapper"
	"github.com/crossfed-io/crossfed/internal/service"
)

// NewIssuerRegistry builds the issuer registry from configuration. Key
// providers and rotating signers are shared across issuers, so they are
// constructed first and handed to each issuer that references them.
func NewIssuerRegistry(cfg Config) (service.Registry, error) {
	registry := service.NewSimpleRegistry()

	providerRegistry, err := buildKeyProviderRegistry(cfg.KeyProviders)
	if err != nil {
		return nil, fmt.Errorf("failed to build key provider registry: %w", err)
	}

	// All signers share one slot store so rotation state is coordinated
	slotStore := keys.NewInMemoryKeySlotStore()

	signerRegistry, err := buildSignerRegistry(cfg.Signers, cfg.TrustDomain, providerRegistry, slotStore)
	if err != nil {
		return nil, fmt.Errorf("failed to build signer registry: %w", err)
	}

	ctx := context.Background()
	if err := signerRegistry.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start signers: %w", err)
	}

	for _, issuerCfg := range cfg.Issuers {
		if issuerCfg.TokenType == "" {
			return nil, fmt.Errorf("token_type is required for issuer")
		}

		// The configured token type is already a URN string
		tokenType := service.TokenType(issuerCfg.TokenType)

		iss, err := newIssuer(issuerCfg, signerRegistry)
		if err != nil {
			return nil, fmt.Errorf("failed to create issuer for token type %s: %w", issuerCfg.TokenType, err)
		}

		registry.Register(tokenType, iss)
	}

	return registry, nil
}

// parseDurationField parses an optional duration string, falling back to
// def when the field is empty.
func parseDurationField(value, field, signerID string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s for signer %s: %w", field, signerID, err)
	}
	return duration, nil
}

// buildMappers constructs a claim mapper chain from configuration. The kind
// string only flavors error messages.
func buildMappers(configs []ClaimMapperConfig, kind string) ([]service.ClaimMapper, error) {
	var mappers []service.ClaimMapper
	for i, mapperCfg := range configs {
		m, err := newClaimMapper(mapperCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s mapper %d: %w", kind, i, err)
		}
		mappers = append(mappers, m)
	}
	return mappers, nil
}

// buildKeyProviderRegistry creates the named key providers issuers and
// signers pull from.
func buildKeyProviderRegistry(configs []KeyProviderConfig) (map[string]keys.KeyProvider, error) {
	registry := make(map[string]keys.KeyProvider)

	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("key provider id is required")
		}

		if _, exists := registry[cfg.ID]; exists {
			return nil, fmt.Errorf("duplicate key provider id: %s", cfg.ID)
		}

		if cfg.KeyType == "" {
			return nil, fmt.Errorf("key provider %s requires key_type", cfg.ID)
		}
		keyType := keys.KeyType(cfg.KeyType)

		var provider keys.KeyProvider
		var err error

		switch cfg.Type {
		case "", "memory":
			provider = keys.NewInMemoryKeyProvider(keyType, cfg.Algorithm)

		case "disk":
			if cfg.KeysPath == "" {
				return nil, fmt.Errorf("disk key provider %s requires keys_path", cfg.ID)
			}
			provider, err = keys.NewDiskKeyProvider(keys.DiskKeyProviderConfig{
				KeyType:   keyType,
				Algorithm: cfg.Algorithm,
				KeysPath:  cfg.KeysPath,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create disk key provider %s: %w", cfg.ID, err)
			}

		case "aws_kms":
			if cfg.Region == "" {
				return nil, fmt.Errorf("aws_kms key provider %s requires region", cfg.ID)
			}
			if cfg.AliasPrefix == "" {
				return nil, fmt.Errorf("aws_kms key provider %s requires alias_prefix", cfg.ID)
			}
			provider, err = keys.NewAWSKMSKeyProvider(context.Background(), keys.AWSKMSConfig{
				KeyType:     keyType,
				Algorithm:   cfg.Algorithm,
				Region:      cfg.Region,
				AliasPrefix: cfg.AliasPrefix,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create aws_kms key provider %s: %w", cfg.ID, err)
			}

		default:
			return nil, fmt.Errorf("unknown key provider type for %s: %s (supported: memory, disk, aws_kms)", cfg.ID, cfg.Type)
		}

		registry[cfg.ID] = provider
	}

	return registry, nil
}

// buildSignerRegistry creates the rotating signers named in configuration.
func buildSignerRegistry(configs []SignerConfig, trustDomain string, providerRegistry map[string]keys.KeyProvider, slotStore keys.KeySlotStore) (*keys.SignerRegistry, error) {
	registry := keys.NewSignerRegistry()

	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("signer id is required")
		}

		if cfg.KeyProviderID == "" {
			return nil, fmt.Errorf("signer %s requires key_provider_id", cfg.ID)
		}

		if _, ok := providerRegistry[cfg.KeyProviderID]; !ok {
			return nil, fmt.Errorf("key provider not found for signer %s: %s", cfg.ID, cfg.KeyProviderID)
		}

		// Namespace defaults to the signer's own ID
		namespace := cfg.Namespace
		if namespace == "" {
			namespace = cfg.ID
		}

		keyTTL, err := parseDurationField(cfg.KeyTTL, "key_ttl", cfg.ID, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		rotationThreshold, err := parseDurationField(cfg.RotationThreshold, "rotation_threshold", cfg.ID, 6*time.Hour)
		if err != nil {
			return nil, err
		}
		gracePeriod, err := parseDurationField(cfg.GracePeriod, "grace_period", cfg.ID, 2*time.Hour)
		if err != nil {
			return nil, err
		}
		checkInterval, err := parseDurationField(cfg.CheckInterval, "check_interval", cfg.ID, time.Minute)
		if err != nil {
			return nil, err
		}
		prepareTimeout, err := parseDurationField(cfg.PrepareTimeout, "prepare_timeout", cfg.ID, time.Minute)
		if err != nil {
			return nil, err
		}

		var signer keys.RotatingSigner
		switch cfg.Type {
		case "", "dual_slot":
			signer = keys.NewDualSlotRotatingSigner(keys.DualSlotRotatingSignerConfig{
				Namespace:           namespace,
				TrustDomain:         trustDomain,
				KeyProviderID:       cfg.KeyProviderID,
				KeyProviderRegistry: providerRegistry,
				SlotStore:           slotStore,
				KeyTTL:              keyTTL,
				RotationThreshold:   rotationThreshold,
				GracePeriod:         gracePeriod,
				CheckInterval:       checkInterval,
				PrepareTimeout:      prepareTimeout,
			})
		default:
			return nil, fmt.Errorf("unknown signer type for %s: %s (supported: dual_slot)", cfg.ID, cfg.Type)
		}

		if err := registry.Register(cfg.ID, signer); err != nil {
			return nil, fmt.Errorf("failed to register signer %s: %w", cfg.ID, err)
		}
	}

	return registry, nil
}

// newIssuer creates an issuer from configuration
func newIssuer(cfg IssuerConfig, signerRegistry *keys.SignerRegistry) (service.Issuer, error) {
	switch cfg.Type {
	case "stub":
		return newStubIssuer(cfg)
	case "unsigned":
		return newUnsignedIssuer(cfg)
	case "role_session":
		return newRoleSessionIssuer(cfg, signerRegistry)
	case "header_identity":
		return newHeaderIdentityIssuer(cfg)
	default:
		return nil, fmt.Errorf("unknown issuer type: %s (supported: stub, unsigned, role_session, header_identity)", cfg.Type)
	}
}

// newStubIssuer creates a stub issuer for testing
func newStubIssuer(cfg IssuerConfig) (service.Issuer, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("stub issuer requires issuer_url")
	}

	ttl := 5 * time.Minute
	if cfg.TTL != "" {
		duration, err := time.ParseDuration(cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl: %w", err)
		}
		ttl = duration
	}

	sessionMappers, err := buildMappers(cfg.SessionContextMappers, "session context")
	if err != nil {
		return nil, err
	}
	reqMappers, err := buildMappers(cfg.RequestContextMappers, "request context")
	if err != nil {
		return nil, err
	}

	return issuer.NewStubIssuer(issuer.StubIssuerConfig{
		IssuerURL:             cfg.IssuerURL,
		TTL:                   ttl,
		SessionContextMappers: sessionMappers,
		RequestContextMappers: reqMappers,
	}), nil
}

// newRoleSessionIssuer creates the signed role session credential issuer.
// Credentials are signed with a rotating signer from the global registry.
func newRoleSessionIssuer(cfg IssuerConfig, signerRegistry *keys.SignerRegistry) (service.Issuer, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("role_session issuer requires issuer_url")
	}

	if cfg.SignerID == "" {
		return nil, fmt.Errorf("role_session issuer requires signer_id")
	}

	signer, err := signerRegistry.Get(cfg.SignerID)
	if err != nil {
		return nil, fmt.Errorf("signer not found: %s", cfg.SignerID)
	}

	maxTTL := time.Hour
	if cfg.MaxTTL != "" {
		duration, err := time.ParseDuration(cfg.MaxTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid max_ttl: %w", err)
		}
		maxTTL = duration
	}

	sessionMappers, err := buildMappers(cfg.SessionContextMappers, "session context")
	if err != nil {
		return nil, err
	}
	reqMappers, err := buildMappers(cfg.RequestContextMappers, "request context")
	if err != nil {
		return nil, err
	}

	return issuer.NewRoleSessionIssuer(issuer.RoleSessionIssuerConfig{
		IssuerURL:             cfg.IssuerURL,
		MaxTTL:                maxTTL,
		Signer:                signer,
		SessionContextMappers: sessionMappers,
		RequestContextMappers: reqMappers,
	}), nil
}

// newUnsignedIssuer creates an unsigned issuer (for development/testing)
func newUnsignedIssuer(cfg IssuerConfig) (service.Issuer, error) {
	mappers, err := buildMappers(cfg.ClaimMappers, "claim")
	if err != nil {
		return nil, err
	}

	return issuer.NewUnsignedIssuer(issuer.UnsignedIssuerConfig{
		TokenType:    cfg.TokenType,
		ClaimMappers: mappers,
	}), nil
}

// newHeaderIdentityIssuer creates an identity header issuer for proxy
// injection behind the authorization boundary
func newHeaderIdentityIssuer(cfg IssuerConfig) (service.Issuer, error) {
	mappers, err := buildMappers(cfg.ClaimMappers, "claim")
	if err != nil {
		return nil, err
	}

	return issuer.NewHeaderIdentityIssuer(issuer.HeaderIdentityIssuerConfig{
		TokenType:    cfg.TokenType,
		ClaimMappers: mappers,
	}), nil
}

// newClaimMapper creates a claim mapper from configuration
func newClaimMapper(cfg ClaimMapperConfig) (service.ClaimMapper, error) {
	switch cfg.Type {
	case "cel":
		return newCELMapper(cfg)
	case "passthrough":
		return service.NewPassthroughSubjectMapper(), nil
	case "request_attributes":
		return service.NewRequestAttributesMapper(), nil
	case "stub":
		return newStubMapper(cfg)
	default:
		return nil, fmt.Errorf("unknown claim mapper type: %s (supported: cel, passthrough, request_attributes, stub)", cfg.Type)
	}
}

// newCELMapper creates a CEL-based claim mapper, loading the expression
// from script_file when one is configured.
func newCELMapper(cfg ClaimMapperConfig) (service.ClaimMapper, error) {
	script := cfg.Script

	if cfg.ScriptFile != "" {
		content, err := os.ReadFile(cfg.ScriptFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read script file %s: %w", cfg.ScriptFile, err)
		}
		script = string(content)
	}

	if script == "" {
		return nil, fmt.Errorf("cel mapper requires script or script_file")
	}

	return mapper.NewCELMapper(script)
}

// newStubMapper creates a stub claim mapper that returns fixed claims
func newStubMapper(cfg ClaimMapperConfig) (service.ClaimMapper, error) {
	if cfg.Claims == nil {
		return nil, fmt.Errorf("stub mapper requires claims")
	}

	fixedClaims := claims.Claims(maps.Clone(cfg.Claims))

	return service.NewStubClaimMapper(fixedClaims), nil
}
