package trust

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/crossfed-io/crossfed/internal/claims"
)

func TestFilteredStore_ForActor(t *testing.T) {
	ctx := context.Background()

	eastValidator := NewStubValidator(CredentialTypeBearer).
		WithResult(&Result{
			Subject:     "system:serviceaccount:dns:updater",
			Issuer:      "https://oidc.east.example.com",
			TrustDomain: "east",
			Claims:      claims.Claims{"cluster": "east"},
		})

	westValidator := NewStubValidator(CredentialTypeBearer).
		WithResult(&Result{
			Subject:     "system:serviceaccount:dns:updater",
			Issuer:      "https://oidc.west.example.com",
			TrustDomain: "west",
			Claims:      claims.Claims{"cluster": "west"},
		})

	opsValidator := NewStubValidator(CredentialTypeBearer).
		WithResult(&Result{
			Subject:     "ops-user",
			Issuer:      "https://ops.example.com",
			TrustDomain: "ops",
			Claims:      claims.Claims{"cluster": "ops"},
		})

	tests := []struct {
		name              string
		filterScript      string
		validators        map[string]Validator
		actor             *Result
		wantErr           bool
		expectedValidator []string
	}{
		{
			name:         "allow all validators for admin role",
			filterScript: `actor.claims.role == "admin"`,
			validators: map[string]Validator{
				"cluster-east": eastValidator,
				"cluster-west": westValidator,
				"ops":          opsValidator,
			},
			actor: &Result{
				Subject:     "admin-user",
				TrustDomain: "ops",
				Claims:      claims.Claims{"role": "admin"},
			},
			wantErr:           false,
			expectedValidator: []string{"cluster-east", "cluster-west", "ops"},
		},
		{
			name:         "filter by trust domain",
			filterScript: `actor.trust_domain == "east" && validator_name == "cluster-east"`,
			validators: map[string]Validator{
				"cluster-east": eastValidator,
				"cluster-west": westValidator,
			},
			actor: &Result{
				Subject:     "east-gateway",
				TrustDomain: "east",
				Claims:      claims.Claims{},
			},
			wantErr:           false,
			expectedValidator: []string{"cluster-east"},
		},
		{
			name:         "filter by validator name list",
			filterScript: `validator_name in ["cluster-west", "ops"]`,
			validators: map[string]Validator{
				"cluster-east": eastValidator,
				"cluster-west": westValidator,
				"ops":          opsValidator,
			},
			actor: &Result{
				Subject:     "any-user",
				TrustDomain: "any",
				Claims:      claims.Claims{},
			},
			wantErr:           false,
			expectedValidator: []string{"cluster-west", "ops"},
		},
		{
			name:         "complex filter with multiple conditions",
			filterScript: `(actor.trust_domain == "east" && validator_name == "cluster-east") || (actor.claims.role == "admin" && validator_name == "ops")`,
			validators: map[string]Validator{
				"cluster-east": eastValidator,
				"cluster-west": westValidator,
				"ops":          opsValidator,
			},
			actor: &Result{
				Subject:     "admin-user",
				TrustDomain: "ops",
				Claims:      claims.Claims{"role": "admin"},
			},
			wantErr:           false,
			expectedValidator: []string{"ops"},
		},
		{
			name:         "no validators match filter",
			filterScript: `actor.trust_domain == "nonexistent"`,
			validators: map[string]Validator{
				"cluster-east": eastValidator,
				"cluster-west": westValidator,
			},
			actor: &Result{
				Subject:     "test-user",
				TrustDomain: "test",
				Claims:      claims.Claims{},
			},
			wantErr:           false,
			expectedValidator: []string{},
		},
		{
			name:         "check issuer field",
			filterScript: `actor.issuer == "https://gateway.crossfed.test"`,
			validators: map[string]Validator{
				"cluster-east": eastValidator,
			},
			actor: &Result{
				Subject:     "gateway",
				Issuer:      "https://gateway.crossfed.test",
				TrustDomain: "crossfed.test",
				Claims:      claims.Claims{},
			},
			wantErr:           false,
			expectedValidator: []string{"cluster-east"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewFilteredStore(WithCELFilter(tt.filterScript))
			if err != nil {
				t.Fatalf("failed to create filtered store: %v", err)
			}

			for name, validator := range tt.validators {
				store.AddValidator(name, validator)
			}

			filteredStore, err := store.ForActor(ctx, tt.actor, nil)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			fs, ok := filteredStore.(*FilteredStore)
			if !ok {
				t.Fatalf("expected FilteredStore, got %T", filteredStore)
			}

			validators := fs.Validators()
			if len(validators) != len(tt.expectedValidator) {
				t.Errorf("expected %d validators, got %d", len(tt.expectedValidator), len(validators))
			}

			validatorNames := make(map[string]bool)
			for _, nv := range validators {
				validatorNames[nv.Name] = true
			}

			for _, expectedName := range tt.expectedValidator {
				if !validatorNames[expectedName] {
					t.Errorf("expected validator %s not found", expectedName)
				}
			}
		})
	}
}

func TestFilteredStore_Validate(t *testing.T) {
	ctx := context.Background()

	validator := NewStubValidator(CredentialTypeBearer).
		WithResult(&Result{
			Subject:     "system:serviceaccount:dns:updater",
			TrustDomain: "east",
		})

	store, err := NewFilteredStore()
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	store.AddValidator("cluster-east", validator)

	cred := &BearerCredential{Token: "test-token"}
	result, err := store.Validate(ctx, cred)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if result == nil {
		t.Errorf("expected result, got nil")
		return
	}

	if result.Subject != "system:serviceaccount:dns:updater" {
		t.Errorf("unexpected subject %s", result.Subject)
	}
}

func TestFilteredStore_NoFilterReturnsAllValidators(t *testing.T) {
	ctx := context.Background()

	validator := NewStubValidator(CredentialTypeBearer)

	store, err := NewFilteredStore()
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	store.AddValidator("cluster-east", validator)

	actor := &Result{
		Subject:     "gateway",
		TrustDomain: "crossfed.test",
	}

	// Without a filter, ForActor hands back the store itself
	filteredStore, err := store.ForActor(ctx, actor, nil)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if filteredStore != store {
		t.Errorf("expected same store when no filter configured")
	}
}

func TestFilteredStore_NilActorError(t *testing.T) {
	ctx := context.Background()

	store, err := NewFilteredStore(WithCELFilter(`true`))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	_, err = store.ForActor(ctx, nil, nil)
	if err == nil {
		t.Errorf("expected error for nil actor, got nil")
	}
}

func TestConvertResultToMap(t *testing.T) {
	now := time.Now()
	result := &Result{
		Subject:     "system:serviceaccount:dns:updater",
		Issuer:      "https://oidc.east.example.com",
		TrustDomain: "east",
		Claims: claims.Claims{
			"email": "updater@example.com",
			"role":  "admin",
		},
		ExpiresAt: now,
		IssuedAt:  now,
		Audience:  []string{"aud1", "aud2"},
		Scope:     "read write",
	}

	m, err := ConvertResultToMap(result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m["subject"] != "system:serviceaccount:dns:updater" {
		t.Errorf("expected subject field")
	}

	if m["issuer"] != "https://oidc.east.example.com" {
		t.Errorf("expected issuer field")
	}

	if m["trust_domain"] != "east" {
		t.Errorf("expected trust_domain field")
	}

	claimsMap, ok := m["claims"].(map[string]any)
	if !ok {
		t.Fatalf("expected claims to be a map")
	}

	if claimsMap["email"] != "updater@example.com" {
		t.Errorf("expected email claim")
	}
}

func TestConvertResultToMap_Nil(t *testing.T) {
	m, err := ConvertResultToMap(nil)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if m != nil {
		t.Errorf("expected nil map for nil result")
	}
}

func TestFilteredStore_InvalidCELScript(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{
			name:   "empty script",
			script: "",
		},
		{
			name:   "invalid syntax",
			script: "actor.trust_domain == ",
		},
		{
			name:   "undefined variable",
			script: "undefined_var == true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFilteredStore(WithCELFilter(tt.script))
			if err == nil {
				t.Errorf("expected error for invalid script, got nil")
			}
		})
	}
}

func TestJSONCredentialType(t *testing.T) {
	result := &Result{
		Subject:     "gateway",
		TrustDomain: "crossfed.test",
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}

	cred := &JSONCredential{RawJSON: data}

	if cred.Type() != CredentialTypeJSON {
		t.Errorf("expected CredentialTypeJSON, got %s", cred.Type())
	}
}
