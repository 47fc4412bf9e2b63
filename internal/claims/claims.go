// Package claims provides the claim set type carried through validation,
// mapping, and token issuance, plus filters controlling which claims a caller
// may pass through.
package claims

// Claims is a set of named claim values.
type Claims map[string]any

// Copy returns a shallow copy of the claim set. Returns nil for nil claims.
func (c Claims) Copy() Claims {
	if c == nil {
		return nil
	}
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge overlays other onto c. Values in other win on key collision.
func (c Claims) Merge(other Claims) {
	for k, v := range other {
		c[k] = v
	}
}

// Has reports whether the claim is present, regardless of its value.
func (c Claims) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// GetString returns the claim as a string, or "" if absent or not a string.
func (c Claims) GetString(key string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
