package config

import (
	"fmt"
	"time"

	"github.com/crossfed-io/crossfed/internal/policy"
	"github.com/crossfed-io/crossfed/internal/provider"
)

// NewProviderRegistry builds the identity provider registry from
// configuration. Record validation (https issuer, client ids, thumbprint
// format) happens inside the registry constructor.
func NewProviderRegistry(configs []ProviderRecordConfig) (*provider.Registry, error) {
	records := make([]provider.Record, 0, len(configs))
	for _, cfg := range configs {
		records = append(records, provider.Record{
			Name:        cfg.Name,
			IssuerURL:   cfg.IssuerURL,
			ClientIDs:   cfg.ClientIDs,
			Thumbprints: cfg.Thumbprints,
			JWKSURL:     cfg.JWKSURL,
		})
	}

	registry, err := provider.NewRegistry(records)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider registry: %w", err)
	}
	return registry, nil
}

// NewRoleRegistry builds the role registry from configuration. Roles
// reference permission policies by name; trust policies must name a
// registered identity provider.
func NewRoleRegistry(roleConfigs []RoleConfig, policyConfigs []PermissionPolicyConfig, providers *provider.Registry) (*policy.RoleRegistry, error) {
	// Materialize the named permission policies first
	policies := make(map[string]*policy.PermissionPolicy, len(policyConfigs))
	for _, cfg := range policyConfigs {
		statements := make([]policy.Statement, 0, len(cfg.Statements))
		for _, s := range cfg.Statements {
			statements = append(statements, policy.Statement{
				Effect:    policy.Effect(s.Effect),
				Actions:   s.Actions,
				Resources: s.Resources,
			})
		}

		p, err := policy.NewPermissionPolicy(cfg.Name, statements)
		if err != nil {
			return nil, fmt.Errorf("invalid permission policy: %w", err)
		}
		if _, exists := policies[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate permission policy name: %s", cfg.Name)
		}
		policies[cfg.Name] = p
	}

	roles := make([]*policy.Role, 0, len(roleConfigs))
	for _, cfg := range roleConfigs {
		if providers != nil && cfg.TrustPolicy.Provider != "" {
			if _, ok := providers.Lookup(cfg.TrustPolicy.Provider); !ok {
				return nil, fmt.Errorf("role %s: trust policy references unknown provider %q", cfg.Name, cfg.TrustPolicy.Provider)
			}
		}

		trustPolicy, err := policy.NewTrustPolicy(policy.TrustPolicyConfig{
			Provider:  cfg.TrustPolicy.Provider,
			Subjects:  cfg.TrustPolicy.Subjects,
			Condition: cfg.TrustPolicy.Condition,
		})
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", cfg.Name, err)
		}

		attached := make([]*policy.PermissionPolicy, 0, len(cfg.PermissionPolicies))
		for _, name := range cfg.PermissionPolicies {
			p, ok := policies[name]
			if !ok {
				return nil, fmt.Errorf("role %s references unknown permission policy %q", cfg.Name, name)
			}
			attached = append(attached, p)
		}

		var maxDuration time.Duration
		if cfg.MaxSessionDuration != "" {
			maxDuration, err = time.ParseDuration(cfg.MaxSessionDuration)
			if err != nil {
				return nil, fmt.Errorf("role %s: invalid max_session_duration: %w", cfg.Name, err)
			}
		}

		role, err := policy.NewRole(cfg.Name, trustPolicy, attached, maxDuration)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}

	registry, err := policy.NewRoleRegistry(roles)
	if err != nil {
		return nil, fmt.Errorf("failed to build role registry: %w", err)
	}
	return registry, nil
}
