package config

import (
	"fmt"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/server"
)

// NewClaimsFilterRegistry creates a claims filter registry from configuration
func NewClaimsFilterRegistry(cfg ClaimsFilterConfig) (server.ClaimsFilterRegistry, error) {
	switch cfg.Type {
	case "stub", "":
		// Default to stub (passthrough) filter
		return server.NewStubClaimsFilterRegistry(), nil
	case "allow_list":
		if len(cfg.AllowedClaims) == 0 {
			return nil, fmt.Errorf("allow_list claims filter requires allowed_claims")
		}
		return server.NewStubClaimsFilterRegistryWithFilter(
			claims.NewAllowListClaimsFilter(cfg.AllowedClaims)), nil
	default:
		return nil, fmt.Errorf("unknown claims filter type: %s (supported: stub, allow_list)", cfg.Type)
	}
}
