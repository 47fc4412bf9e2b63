// Package config loads and materializes the application configuration: the
// identity provider records, roles and policies that govern the trust
// exchange, plus the servers, issuers, signers, and observability around it.
package config

// Config is the root configuration structure.
type Config struct {
	// TrustDomain is the domain this deployment issues credentials for.
	// Exchange requests carrying an audience must match it.
	TrustDomain string `koanf:"trust_domain"`

	// IssuerURL is the external URL session credentials are issued under
	// (the "iss" claim and the OIDC discovery document's issuer).
	IssuerURL string `koanf:"issuer_url"`

	// Server holds the listener configuration
	Server ServerConfig `koanf:"server"`

	// Providers are the registered identity provider records
	Providers []ProviderRecordConfig `koanf:"providers"`

	// PermissionPolicies are named permission policies referenced by roles
	PermissionPolicies []PermissionPolicyConfig `koanf:"permission_policies"`

	// Roles are the assumable roles
	Roles []RoleConfig `koanf:"roles"`

	// TrustStore configures subject token validation
	TrustStore TrustStoreConfig `koanf:"trust_store"`

	// KeyProviders are the key material backends for signers
	KeyProviders []KeyProviderConfig `koanf:"key_providers"`

	// Signers are the rotating signers issuers reference by id
	Signers []SignerConfig `koanf:"signers"`

	// Issuers map token types to credential issuers
	Issuers []IssuerConfig `koanf:"issuers"`

	// DataSources enrich issued credentials with external data
	DataSources []DataSourceConfig `koanf:"data_sources"`

	// ExchangeServer holds token exchange endpoint options
	ExchangeServer *ExchangeServerConfig `koanf:"exchange_server"`

	// AuthzServer holds ext_authz enforcement options
	AuthzServer *AuthzServerConfig `koanf:"authz_server"`

	// Observability configures logging and lifecycle observers
	Observability *ObservabilityConfig `koanf:"observability"`

	// Fixtures configure canned HTTP responses for hermetic runs
	Fixtures []FixtureConfig `koanf:"fixtures"`
}

// ServerConfig holds the listener ports.
type ServerConfig struct {
	GRPCPort int `koanf:"grpc_port"`
	HTTPPort int `koanf:"http_port"`
}

// ProviderRecordConfig is an identity provider record as authored in
// configuration.
type ProviderRecordConfig struct {
	// Name is the administrative identifier referenced by trust policies
	Name string `koanf:"name"`

	// IssuerURL is the provider's token issuer (https)
	IssuerURL string `koanf:"issuer_url"`

	// ClientIDs are the audience values accepted from this provider
	ClientIDs []string `koanf:"client_ids"`

	// Thumbprints pin the TLS chain used to fetch the provider's keys
	Thumbprints []string `koanf:"thumbprints"`

	// JWKSURL optionally overrides OIDC discovery
	JWKSURL string `koanf:"jwks_url"`

	// RefreshInterval for the provider's JWKS cache, e.g. "15m"
	RefreshInterval string `koanf:"refresh_interval"`
}

// PermissionPolicyConfig is a named permission policy.
type PermissionPolicyConfig struct {
	Name       string            `koanf:"name"`
	Statements []StatementConfig `koanf:"statements"`
}

// StatementConfig is one permission statement.
type StatementConfig struct {
	// Effect is "Allow" or "Deny"
	Effect string `koanf:"effect"`

	// Actions are action patterns, e.g. "dns:ChangeRecordSets"
	Actions []string `koanf:"actions"`

	// Resources are resource patterns, e.g. "zone/*"
	Resources []string `koanf:"resources"`
}

// RoleConfig is an assumable role.
type RoleConfig struct {
	// Name is presented by workloads in the exchange request
	Name string `koanf:"name"`

	// TrustPolicy decides which validated subjects may assume the role
	TrustPolicy TrustPolicyConfig `koanf:"trust_policy"`

	// PermissionPolicies name the permission policies attached to the role
	PermissionPolicies []string `koanf:"permission_policies"`

	// MaxSessionDuration caps session credential lifetime, e.g. "1h"
	MaxSessionDuration string `koanf:"max_session_duration"`
}

// TrustPolicyConfig is a role's trust policy.
type TrustPolicyConfig struct {
	// Provider is the bound identity provider record name
	Provider string `koanf:"provider"`

	// Subjects are permitted subject patterns; "*" matches any run of
	// characters
	Subjects []string `koanf:"subjects"`

	// Condition is an optional CEL expression over subject and claims
	Condition string `koanf:"condition"`
}

// TrustStoreConfig configures subject token validation.
type TrustStoreConfig struct {
	// Type is "provider_store" (default), "stub_store", or "filtered_store"
	Type string `koanf:"type"`

	// Validators are extra validators for stub and filtered stores
	Validators []NamedValidatorConfig `koanf:"validators"`

	// Filter restricts which validators or providers an actor may use
	Filter *ValidatorFilterConfig `koanf:"filter"`
}

// NamedValidatorConfig is a validator with an optional name for filtering.
type NamedValidatorConfig struct {
	Name            string `koanf:"name"`
	ValidatorConfig `koanf:",squash"`
}

// ValidatorConfig configures a single validator.
type ValidatorConfig struct {
	// Type is "oidc_validator", "json_validator", or "stub_validator"
	Type string `koanf:"type"`

	// Provider names the identity provider record for oidc_validator
	Provider string `koanf:"provider"`

	// TrustDomain validated subjects are placed in
	TrustDomain string `koanf:"trust_domain"`

	// RefreshInterval for JWKS caches, e.g. "15m"
	RefreshInterval string `koanf:"refresh_interval"`

	// CredentialTypes accepted by stub_validator
	CredentialTypes []string `koanf:"credential_types"`
}

// ValidatorFilterConfig configures actor-based validator filtering.
type ValidatorFilterConfig struct {
	// Type is "cel", "any", or "passthrough"
	Type string `koanf:"type"`

	// Script is the CEL expression for cel filters
	Script string `koanf:"script"`

	// Filters are the sub-filters for any filters
	Filters []ValidatorFilterConfig `koanf:"filters"`
}

// KeyProviderConfig configures a key material backend.
type KeyProviderConfig struct {
	// ID is referenced by signers
	ID string `koanf:"id"`

	// Type is "memory" (default), "disk", or "aws_kms"
	Type string `koanf:"type"`

	// KeyType is "rsa", "ec", or "ed25519"
	KeyType string `koanf:"key_type"`

	// Algorithm is the signing algorithm, e.g. "RS256", "ES256"
	Algorithm string `koanf:"algorithm"`

	// KeysPath is the storage directory for disk providers
	KeysPath string `koanf:"keys_path"`

	// Region is the AWS region for aws_kms providers
	Region string `koanf:"region"`

	// AliasPrefix namespaces KMS key aliases for aws_kms providers
	AliasPrefix string `koanf:"alias_prefix"`
}

// SignerConfig configures a rotating signer.
type SignerConfig struct {
	// ID is referenced by issuers via signer_id
	ID string `koanf:"id"`

	// Type is "dual_slot" (default)
	Type string `koanf:"type"`

	// KeyProviderID names the key provider backing this signer
	KeyProviderID string `koanf:"key_provider_id"`

	// Namespace isolates this signer's key slots (defaults to ID)
	Namespace string `koanf:"namespace"`

	// Rotation timing, as duration strings
	KeyTTL            string `koanf:"key_ttl"`
	RotationThreshold string `koanf:"rotation_threshold"`
	GracePeriod       string `koanf:"grace_period"`
	CheckInterval     string `koanf:"check_interval"`
	PrepareTimeout    string `koanf:"prepare_timeout"`
}

// IssuerConfig configures a credential issuer for one token type.
type IssuerConfig struct {
	// TokenType is the RFC 8693 token type URN this issuer serves
	TokenType string `koanf:"token_type"`

	// Type is "role_session", "header_identity", "unsigned", or "stub"
	Type string `koanf:"type"`

	// IssuerURL is the "iss" claim value for signed issuers
	IssuerURL string `koanf:"issuer_url"`

	// TTL is the default credential lifetime, e.g. "5m"
	TTL string `koanf:"ttl"`

	// MaxTTL caps role session lifetime regardless of the requested
	// duration, e.g. "1h"
	MaxTTL string `koanf:"max_ttl"`

	// SignerID names the signer for role_session issuers
	SignerID string `koanf:"signer_id"`

	// SessionContextMappers build the session context claim
	SessionContextMappers []ClaimMapperConfig `koanf:"session_context_mappers"`

	// RequestContextMappers build the request context claim
	RequestContextMappers []ClaimMapperConfig `koanf:"request_context_mappers"`

	// ClaimMappers build the claim set for unsigned and header issuers
	ClaimMappers []ClaimMapperConfig `koanf:"claim_mappers"`
}

// ClaimMapperConfig configures a claim mapper.
type ClaimMapperConfig struct {
	// Type is "cel", "passthrough", "request_attributes", or "stub"
	Type string `koanf:"type"`

	// Script is the inline CEL script for cel mappers
	Script string `koanf:"script"`

	// ScriptFile loads the CEL script from a file
	ScriptFile string `koanf:"script_file"`

	// Claims are the fixed claims for stub mappers
	Claims map[string]any `koanf:"claims"`
}

// DataSourceConfig configures an external data source.
type DataSourceConfig struct {
	Name       string         `koanf:"name"`
	Type       string         `koanf:"type"`
	Script     string         `koanf:"script"`
	ScriptFile string         `koanf:"script_file"`
	Config     map[string]any `koanf:"config"`
	HTTPConfig *HTTPConfig    `koanf:"http"`
	Caching    *CachingConfig `koanf:"caching"`
}

// HTTPConfig configures outbound HTTP for data sources.
type HTTPConfig struct {
	// Timeout as a duration string, e.g. "30s"
	Timeout string `koanf:"timeout"`
}

// CachingConfig configures data source caching.
type CachingConfig struct {
	// Type is "in_memory", "distributed", or "none"
	Type string `koanf:"type"`

	// GroupName names the distributed cache group
	GroupName string `koanf:"group_name"`

	// CacheSize is the distributed cache size in bytes
	CacheSize int64 `koanf:"cache_size"`
}

// ExchangeServerConfig holds token exchange endpoint options.
type ExchangeServerConfig struct {
	// ClaimsFilter restricts which request context claims actors may submit
	ClaimsFilter ClaimsFilterConfig `koanf:"claims_filter"`
}

// ClaimsFilterConfig configures request context claim filtering.
type ClaimsFilterConfig struct {
	// Type is "stub" (passthrough) or "allow_list"
	Type string `koanf:"type"`

	// AllowedClaims are the permitted claim names for allow_list filters
	AllowedClaims []string `koanf:"allowed_claims"`
}

// AuthzServerConfig holds ext_authz enforcement options.
type AuthzServerConfig struct {
	// TokenTypes are the credentials issued for allowed requests
	TokenTypes []TokenTypeConfig `koanf:"token_types"`
}

// TokenTypeConfig pairs a token type with the header it is injected into.
type TokenTypeConfig struct {
	Type       string `koanf:"type"`
	HeaderName string `koanf:"header_name"`
}

// ObservabilityConfig configures logging and lifecycle observers.
type ObservabilityConfig struct {
	// Type is "logging", "noop", or "composite"
	Type string `koanf:"type"`

	// LogLevel is the default level: debug, info, warn, error
	LogLevel string `koanf:"log_level"`

	// LogFormat is "json" (default) or "text"
	LogFormat string `koanf:"log_format"`

	// Observers are the sub-observers for composite observers
	Observers []ObservabilityConfig `koanf:"observers"`

	// Per-event overrides
	TokenIssuance *EventConfig `koanf:"token_issuance"`
	TokenExchange *EventConfig `koanf:"token_exchange"`
	AuthzCheck    *EventConfig `koanf:"authz_check"`
}

// EventConfig overrides logging for one event family.
type EventConfig struct {
	Enabled  *bool  `koanf:"enabled"`
	LogLevel string `koanf:"log_level"`
}

// FixtureConfig configures one HTTP fixture for hermetic runs.
type FixtureConfig struct {
	// Type is "http_rule" or "jwks"
	Type string `koanf:"type"`

	// http_rule fields
	Request  FixtureRequestConfig  `koanf:"request"`
	Response FixtureResponseConfig `koanf:"response"`

	// jwks fields
	Issuer    string `koanf:"issuer"`
	JWKSURL   string `koanf:"jwks_url"`
	KeyID     string `koanf:"key_id"`
	Algorithm string `koanf:"algorithm"`
}

// FixtureRequestConfig describes the requests an http_rule fixture matches.
type FixtureRequestConfig struct {
	Method  string            `koanf:"method"`
	URL     string            `koanf:"url"`
	URLType string            `koanf:"url_type"`
	Headers map[string]string `koanf:"headers"`
}

// FixtureResponseConfig is the canned response for an http_rule fixture.
type FixtureResponseConfig struct {
	StatusCode int               `koanf:"status_code"`
	Headers    map[string]string `koanf:"headers"`
	Body       string            `koanf:"body"`
}
