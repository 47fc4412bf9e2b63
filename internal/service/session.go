package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/crossfed-io/crossfed/internal/policy"
)

// RoleSession describes one granted role assumption. It is computed after
// the trust policy has permitted the subject, and carried into issuance so
// the session credential is scoped to the role's permission policies.
type RoleSession struct {
	// Role is the assumed role's name.
	Role string

	// SessionID uniquely identifies this assumption for audit.
	SessionID string

	// Permissions are the evaluated permission statements granted to the
	// session, flattened from the role's permission policies.
	Permissions []policy.Statement

	// Duration is the granted session lifetime, already clamped to the
	// role's maximum.
	Duration time.Duration
}

// NewRoleSession creates a session for an assumed role. The requested
// duration is clamped to the role's maximum; zero means "use the maximum".
func NewRoleSession(role *policy.Role, requested time.Duration) *RoleSession {
	var statements []policy.Statement
	for _, p := range role.PermissionPolicies {
		statements = append(statements, p.Statements...)
	}

	return &RoleSession{
		Role:        role.Name,
		SessionID:   uuid.NewString(),
		Permissions: statements,
		Duration:    role.SessionDuration(requested),
	}
}

// SessionSubject is the subject identifier placed in issued credentials,
// e.g. "role/dns-sync/8c7e...".
func (s *RoleSession) SessionSubject() string {
	return "role/" + s.Role + "/" + s.SessionID
}
