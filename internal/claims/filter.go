package claims

// ClaimsFilter decides which claims from a validated credential are carried
// forward into issued tokens.
type ClaimsFilter interface {
	// Filter returns the subset of claims that may pass through
	Filter(c Claims) Claims
}

// AllowListClaimsFilter passes only the named claims.
type AllowListClaimsFilter struct {
	allowed map[string]struct{}
}

// NewAllowListClaimsFilter creates a filter passing only the given claim names
func NewAllowListClaimsFilter(allowedClaims []string) *AllowListClaimsFilter {
	allowed := make(map[string]struct{}, len(allowedClaims))
	for _, claim := range allowedClaims {
		allowed[claim] = struct{}{}
	}
	return &AllowListClaimsFilter{allowed: allowed}
}

// Filter implements ClaimsFilter
func (f *AllowListClaimsFilter) Filter(c Claims) Claims {
	if c == nil {
		return nil
	}
	filtered := make(Claims, len(f.allowed))
	for key, value := range c {
		if _, ok := f.allowed[key]; ok {
			filtered[key] = value
		}
	}
	return filtered
}

// DenyListClaimsFilter drops the named claims and passes everything else.
type DenyListClaimsFilter struct {
	denied map[string]struct{}
}

// NewDenyListClaimsFilter creates a filter dropping the given claim names
func NewDenyListClaimsFilter(deniedClaims []string) *DenyListClaimsFilter {
	denied := make(map[string]struct{}, len(deniedClaims))
	for _, claim := range deniedClaims {
		denied[claim] = struct{}{}
	}
	return &DenyListClaimsFilter{denied: denied}
}

// Filter implements ClaimsFilter
func (f *DenyListClaimsFilter) Filter(c Claims) Claims {
	if c == nil {
		return nil
	}
	filtered := make(Claims, len(c))
	for key, value := range c {
		if _, ok := f.denied[key]; !ok {
			filtered[key] = value
		}
	}
	return filtered
}

// PassthroughClaimsFilter passes every claim through unchanged.
type PassthroughClaimsFilter struct{}

// Filter implements ClaimsFilter
func (f *PassthroughClaimsFilter) Filter(c Claims) Claims {
	return c.Copy()
}
