package policy

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxSessionDuration bounds role sessions when a role does not
	// configure its own limit.
	DefaultMaxSessionDuration = 1 * time.Hour

	// MaxSessionDurationCeiling is the hard upper bound any role may set.
	MaxSessionDurationCeiling = 12 * time.Hour
)

// Role is an assumable identity: a trust policy saying who may assume it and
// permission policies saying what the resulting session may do.
type Role struct {
	// Name is the administrative identifier, presented by workloads in the
	// exchange request.
	Name string

	// TrustPolicy decides which validated subjects may assume this role.
	TrustPolicy *TrustPolicy

	// PermissionPolicies scope the sessions issued for this role.
	PermissionPolicies []*PermissionPolicy

	// MaxSessionDuration caps the lifetime of issued session credentials.
	MaxSessionDuration time.Duration
}

// NewRole validates and creates a role.
func NewRole(name string, trustPolicy *TrustPolicy, permissionPolicies []*PermissionPolicy, maxSessionDuration time.Duration) (*Role, error) {
	if name == "" {
		return nil, fmt.Errorf("role name is required")
	}
	if trustPolicy == nil {
		return nil, fmt.Errorf("role %s requires a trust policy", name)
	}

	if maxSessionDuration == 0 {
		maxSessionDuration = DefaultMaxSessionDuration
	}
	if maxSessionDuration < 0 || maxSessionDuration > MaxSessionDurationCeiling {
		return nil, fmt.Errorf("role %s: max session duration %s out of range (0, %s]", name, maxSessionDuration, MaxSessionDurationCeiling)
	}

	return &Role{
		Name:               name,
		TrustPolicy:        trustPolicy,
		PermissionPolicies: permissionPolicies,
		MaxSessionDuration: maxSessionDuration,
	}, nil
}

// SessionDuration clamps a requested duration to the role's maximum.
// Zero means "use the maximum".
func (r *Role) SessionDuration(requested time.Duration) time.Duration {
	if requested <= 0 || requested > r.MaxSessionDuration {
		return r.MaxSessionDuration
	}
	return requested
}

// RoleRegistry is an immutable lookup of roles, rebuilt on configuration
// load.
type RoleRegistry struct {
	byName map[string]*Role
}

// NewRoleRegistry builds a registry from roles.
func NewRoleRegistry(roles []*Role) (*RoleRegistry, error) {
	r := &RoleRegistry{byName: make(map[string]*Role, len(roles))}
	for _, role := range roles {
		if _, exists := r.byName[role.Name]; exists {
			return nil, fmt.Errorf("duplicate role name: %s", role.Name)
		}
		r.byName[role.Name] = role
	}
	return r, nil
}

// Lookup returns the role registered under the given name.
func (r *RoleRegistry) Lookup(name string) (*Role, bool) {
	role, ok := r.byName[name]
	return role, ok
}

// Roles returns all registered roles.
func (r *RoleRegistry) Roles() []*Role {
	out := make([]*Role, 0, len(r.byName))
	for _, role := range r.byName {
		out = append(out, role)
	}
	return out
}
