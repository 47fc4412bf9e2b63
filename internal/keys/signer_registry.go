package keys

import (
	"context"
	"fmt"
)

// SignerRegistry holds named rotating signers and manages their lifecycle as
// a unit. Issuers look signers up by ID at configuration time.
type SignerRegistry struct {
	signers map[string]RotatingSigner
	started bool
}

// NewSignerRegistry creates an empty signer registry.
func NewSignerRegistry() *SignerRegistry {
	return &SignerRegistry{
		signers: make(map[string]RotatingSigner),
	}
}

// Register adds a signer under the given ID.
func (r *SignerRegistry) Register(id string, signer RotatingSigner) error {
	if id == "" {
		return fmt.Errorf("signer id is required")
	}
	if _, exists := r.signers[id]; exists {
		return fmt.Errorf("signer already registered: %s", id)
	}
	r.signers[id] = signer
	return nil
}

// Get returns the signer registered under the given ID.
func (r *SignerRegistry) Get(id string) (RotatingSigner, error) {
	signer, ok := r.signers[id]
	if !ok {
		return nil, fmt.Errorf("signer not found: %s", id)
	}
	return signer, nil
}

// Start starts all registered signers. If any signer fails to start, the
// ones already started are stopped and the error is returned.
func (r *SignerRegistry) Start(ctx context.Context) error {
	var started []RotatingSigner
	for id, signer := range r.signers {
		if err := signer.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("failed to start signer %s: %w", id, err)
		}
		started = append(started, signer)
	}
	r.started = true
	return nil
}

// Stop stops all registered signers.
func (r *SignerRegistry) Stop() {
	for _, signer := range r.signers {
		signer.Stop()
	}
	r.started = false
}
