package keys

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/service"
)

const (
	defaultKeyTTL            = 24 * time.Hour
	defaultRotationThreshold = 6 * time.Hour   // rotate when 6h of TTL remain
	defaultGracePeriod       = 2 * time.Hour   // hold a fresh key back for 2h
	defaultCheckInterval     = 1 * time.Minute // rotation poll interval
)

// DualSlotRotatingSigner rotates session-signing keys between two named
// slots. At most two keys exist at any time: the active one and either its
// predecessor (still valid for verification) or its successor (published but
// held back during the grace period). The slot store coordinates replicas,
// so any number of servers can run this signer against shared state.
type DualSlotRotatingSigner struct {
	namespace           string
	trustDomain         string
	keyProviderID       string                 // provider used for new keys
	keyProviderRegistry map[string]KeyProvider // providers by ID, for keys made under older config
	slotStore           KeySlotStore
	prepareTimeout      time.Duration // when to steal a stuck "preparing" claim

	// Key lifecycle:
	//
	// key            TTL -                 rotation time +
	// generated      rotation threshold    grace period       TTL
	// ^--------------^---------------------^------------------^-------->
	//                new key generated     new key used       old key removed

	// keyTTL is the total time a key is trusted.
	keyTTL time.Duration
	// rotationThreshold is how far before expiry the successor is generated.
	rotationThreshold time.Duration
	// gracePeriod is how long a fresh key is published without being used
	// for signing. It gives relying parties time to refresh their JWKS copy,
	// so it must be long enough for their cache interval but shorter than
	// the rotation threshold.
	gracePeriod time.Duration
	// checkInterval is how often rotation state is re-read, which also picks
	// up rotations done by other replicas.
	checkInterval time.Duration

	// Cache refreshed on each check, read on the signing hot path
	mu               sync.RWMutex
	activeHandle     KeyHandle
	activeInternalID string              // provider-internal ID, e.g. the KMS KeyId
	activeThumbprint KeyID               // JWK thumbprint, the public kid
	activeAlg        Algorithm
	publicKeys       []service.PublicKey // every non-expired key, for the JWKS endpoint

	clock  clock.Clock
	ticker clock.Ticker
}

// DualSlotRotatingSignerConfig configures the DualSlotRotatingSigner.
type DualSlotRotatingSignerConfig struct {
	Namespace           string
	TrustDomain         string
	KeyProviderID       string
	KeyProviderRegistry map[string]KeyProvider
	SlotStore           KeySlotStore
	Clock               clock.Clock

	// Timing overrides; zero values take the defaults above.
	KeyTTL            time.Duration
	RotationThreshold time.Duration
	GracePeriod       time.Duration
	CheckInterval     time.Duration
	PrepareTimeout    time.Duration // default 1 minute
}

// NewDualSlotRotatingSigner creates a dual-slot rotating signer.
func NewDualSlotRotatingSigner(cfg DualSlotRotatingSignerConfig) *DualSlotRotatingSigner {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = defaultKeyTTL
	}

	rotationThreshold := cfg.RotationThreshold
	if rotationThreshold == 0 {
		rotationThreshold = defaultRotationThreshold
	}

	gracePeriod := cfg.GracePeriod
	if gracePeriod == 0 {
		gracePeriod = defaultGracePeriod
	}

	checkInterval := cfg.CheckInterval
	if checkInterval == 0 {
		checkInterval = defaultCheckInterval
	}

	prepareTimeout := cfg.PrepareTimeout
	if prepareTimeout == 0 {
		prepareTimeout = 1 * time.Minute
	}

	return &DualSlotRotatingSigner{
		namespace:           cfg.Namespace,
		trustDomain:         cfg.TrustDomain,
		keyProviderID:       cfg.KeyProviderID,
		keyProviderRegistry: cfg.KeyProviderRegistry,
		slotStore:           cfg.SlotStore,
		keyTTL:              keyTTL,
		rotationThreshold:   rotationThreshold,
		gracePeriod:         gracePeriod,
		checkInterval:       checkInterval,
		prepareTimeout:      prepareTimeout,
		clock:               clk,
	}
}

// keyName maps a slot position to its stable key name within the provider.
func (r *DualSlotRotatingSigner) keyName(p SlotPosition) string {
	if p == SlotPositionA {
		return "key-a"
	}
	return "key-b"
}

// Start generates the first key if none exists, primes the active-key cache,
// and begins the background rotation loop.
func (r *DualSlotRotatingSigner) Start(ctx context.Context) error {
	if err := r.ensureInitialKey(ctx); err != nil {
		return fmt.Errorf("failed to ensure initial key: %w", err)
	}

	if err := r.updateActiveKeyCache(ctx); err != nil {
		return fmt.Errorf("failed to initialize active key cache: %w", err)
	}

	r.ticker = r.clock.Ticker(r.checkInterval)
	if err := r.ticker.Start(r.doRotationCheck); err != nil {
		return fmt.Errorf("failed to start rotation ticker: %w", err)
	}

	return nil
}

// Stop halts the background rotation loop.
func (r *DualSlotRotatingSigner) Stop() {
	if r.ticker != nil {
		r.ticker.Stop()
	}
}

func (r *DualSlotRotatingSigner) doRotationCheck(ctx context.Context) {
	if err := r.checkAndRotate(ctx); err != nil {
		log.Printf("Error during key rotation check: %v", err)
	}
	// Refresh the cache even when nothing rotated here; another replica may
	// have rotated
	if err := r.updateActiveKeyCache(ctx); err != nil {
		log.Printf("Error updating active key cache: %v", err)
	}
}

// contextSigner adapts a KeyHandle to crypto.Signer, carrying the context and
// rejecting signatures made with a key other than the one cached as active.
type contextSigner struct {
	handle     KeyHandle
	ctx        context.Context
	expectedID string
}

func (s *contextSigner) Public() crypto.PublicKey {
	pub, _ := s.handle.Public(s.ctx)
	return pub
}

func (s *contextSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	sig, usedID, err := s.handle.Sign(s.ctx, digest, opts)
	if err != nil {
		return nil, err
	}
	if usedID != s.expectedID {
		return nil, ErrKeyMismatch
	}
	return sig, nil
}

// GetCurrentSigner returns a crypto.Signer for the active key together with
// its public kid and algorithm.
func (r *DualSlotRotatingSigner) GetCurrentSigner(ctx context.Context) (crypto.Signer, KeyID, Algorithm, error) {
	r.mu.RLock()
	handle := r.activeHandle
	internalID := r.activeInternalID
	thumbprint := r.activeThumbprint
	alg := r.activeAlg
	r.mu.RUnlock()

	if handle == nil {
		return nil, "", "", fmt.Errorf("no active key available")
	}

	signer := &contextSigner{
		handle:     handle,
		ctx:        ctx,
		expectedID: internalID,
	}

	return signer, thumbprint, alg, nil
}

// PublicKeys returns every non-expired public key from the cache.
func (r *DualSlotRotatingSigner) PublicKeys(ctx context.Context) ([]service.PublicKey, error) {
	r.mu.RLock()
	keys := make([]service.PublicKey, len(r.publicKeys))
	copy(keys, r.publicKeys)
	r.mu.RUnlock()

	return keys, nil
}

// ensureInitialKey generates key-a when no slot exists yet for this
// namespace and provider.
func (r *DualSlotRotatingSigner) ensureInitialKey(ctx context.Context) error {
	slots, version, err := r.slotStore.ListSlots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list slots: %w", err)
	}

	for _, slot := range slots {
		if slot.Namespace == r.namespace && slot.KeyProviderID == r.keyProviderID {
			return nil
		}
	}

	provider, ok := r.keyProviderRegistry[r.keyProviderID]
	if !ok {
		return fmt.Errorf("key provider not found: %s", r.keyProviderID)
	}

	keyName := r.keyName(SlotPositionA)
	handle, err := provider.GetKeyHandle(ctx, r.trustDomain, r.namespace, keyName)
	if err != nil {
		return fmt.Errorf("failed to get key handle: %w", err)
	}

	if err := handle.Rotate(ctx); err != nil {
		return fmt.Errorf("failed to rotate initial key: %w", err)
	}

	now := r.clock.Now()
	slotA := &KeySlot{
		Position:            SlotPositionA,
		Namespace:           r.namespace,
		KeyProviderID:       r.keyProviderID,
		RotationCompletedAt: &now,
	}

	_, err = r.slotStore.SaveSlot(ctx, slotA, version)
	if err != nil {
		return fmt.Errorf("failed to save slot A: %w", err)
	}

	return nil
}

// checkAndRotate performs two-phase rotation when a key is nearing expiry:
// first claim the target slot as preparing (versioned write, so replicas
// race cleanly), then generate the key and record completion.
func (r *DualSlotRotatingSigner) checkAndRotate(ctx context.Context) error {
	slots, storeVersion, err := r.slotStore.ListSlots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list slots: %w", err)
	}

	var slotA, slotB *KeySlot
	for _, slot := range slots {
		if slot.Namespace != r.namespace || slot.KeyProviderID != r.keyProviderID {
			continue
		}
		switch slot.Position {
		case SlotPositionA:
			slotA = slot
		case SlotPositionB:
			slotB = slot
		default:
			return fmt.Errorf("unexpected slot position for namespace %s: %s", r.namespace, slot.Position)
		}
	}

	sourceSlot, targetSlot := r.selectSlotsForRotation(slotA, slotB)
	if sourceSlot == nil || targetSlot == nil {
		return nil
	}

	now := r.clock.Now()

	if targetSlot.PreparingAt != nil {
		if now.Sub(*targetSlot.PreparingAt) < r.prepareTimeout {
			// Another replica holds the claim and has not timed out
			return nil
		}
		// Stale claim from a replica that died mid-rotation; take over
	}

	targetSlot.PreparingAt = &now
	targetSlot.KeyProviderID = r.keyProviderID
	storeVersion, err = r.slotStore.SaveSlot(ctx, targetSlot, storeVersion)
	if errors.Is(err, ErrVersionMismatch) {
		return nil // lost the race, the winner rotates
	}
	if err != nil {
		return err
	}

	provider, ok := r.keyProviderRegistry[r.keyProviderID]
	if !ok {
		return fmt.Errorf("key provider not found: %s", r.keyProviderID)
	}

	keyName := r.keyName(targetSlot.Position)
	handle, err := provider.GetKeyHandle(ctx, r.trustDomain, r.namespace, keyName)
	if err != nil {
		return fmt.Errorf("failed to get key handle: %w", err)
	}

	if err := handle.Rotate(ctx); err != nil {
		return fmt.Errorf("failed to rotate key: %w", err)
	}

	targetSlot.PreparingAt = nil
	targetSlot.RotationCompletedAt = &now

	_, err = r.slotStore.SaveSlot(ctx, targetSlot, storeVersion)
	if errors.Is(err, ErrVersionMismatch) {
		log.Printf("Another process completed rotation for slot %s, skipping", targetSlot.Position)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save slot: %w", err)
	}

	log.Printf("Completed rotation for slot %s", targetSlot.Position)

	return nil
}

// selectSlotsForRotation returns the slot whose key is nearing expiry and
// the slot the replacement key should land in. Both nil means no rotation
// is due.
func (r *DualSlotRotatingSigner) selectSlotsForRotation(slotA, slotB *KeySlot) (*KeySlot, *KeySlot) {
	now := r.clock.Now()

	needsRotation := func(slot *KeySlot) bool {
		if slot == nil || slot.RotationCompletedAt == nil {
			return false
		}

		expiresAt := slot.RotationCompletedAt.Add(r.keyTTL)
		if !now.Before(expiresAt) {
			// Already expired; a replacement exists or will be made from
			// the other slot
			return false
		}

		rotateAt := expiresAt.Add(-r.rotationThreshold)
		return !now.Before(rotateAt)
	}

	aNeeds := needsRotation(slotA)
	bNeeds := needsRotation(slotB)

	// Both due at once only happens after long downtime; replace the older
	if aNeeds && bNeeds {
		if slotA.RotationCompletedAt != nil && slotB.RotationCompletedAt != nil {
			if slotA.RotationCompletedAt.Before(*slotB.RotationCompletedAt) {
				return slotA, slotB
			}
			return slotB, slotA
		}
	}

	if aNeeds {
		if slotB == nil {
			slotB = &KeySlot{
				Position:      SlotPositionB,
				Namespace:     r.namespace,
				KeyProviderID: r.keyProviderID,
			}
		}
		// A successor already sits in B; rotating again would churn keys
		if slotB.RotationCompletedAt != nil {
			if slotA.RotationCompletedAt != nil && slotB.RotationCompletedAt.After(*slotA.RotationCompletedAt) {
				return nil, nil
			}
		}
		return slotA, slotB
	}

	if bNeeds {
		if slotA == nil {
			slotA = &KeySlot{
				Position:      SlotPositionA,
				Namespace:     r.namespace,
				KeyProviderID: r.keyProviderID,
			}
		}
		if slotA.RotationCompletedAt != nil {
			if slotB.RotationCompletedAt != nil && slotA.RotationCompletedAt.After(*slotB.RotationCompletedAt) {
				return nil, nil
			}
		}
		return slotB, slotA
	}

	return nil, nil
}

// updateActiveKeyCache re-reads slot state and refreshes the cached active
// handle and the published key set.
func (r *DualSlotRotatingSigner) updateActiveKeyCache(ctx context.Context) error {
	slots, _, err := r.slotStore.ListSlots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list slots: %w", err)
	}

	// TODO: push namespace filtering into the slot store query
	var mySlots []*KeySlot
	for _, slot := range slots {
		if slot.Namespace == r.namespace && slot.KeyProviderID == r.keyProviderID {
			mySlots = append(mySlots, slot)
		}
	}

	if len(mySlots) == 0 {
		return errors.New("no slots available for this token type")
	}

	now := r.clock.Now()
	var activeSlot *KeySlot
	var publicKeys []service.PublicKey

	var preferredSlots []*KeySlot           // past their grace period
	var fallbackSlots []*KeySlot            // still in grace period
	thumbprints := make(map[*KeySlot]KeyID) // computed once per slot

	for _, slot := range mySlots {
		if slot.RotationCompletedAt != nil {
			expiresAt := slot.RotationCompletedAt.Add(r.keyTTL)
			if !now.Before(expiresAt) {
				continue
			}
		}

		// Look up by the slot's own provider ID: keys generated before a
		// provider migration still verify through their original provider
		provider, ok := r.keyProviderRegistry[slot.KeyProviderID]
		if !ok {
			log.Printf("Warning: key provider %s not found for slot %s, skipping", slot.KeyProviderID, slot.Position)
			continue
		}

		keyName := r.keyName(slot.Position)
		handle, err := provider.GetKeyHandle(ctx, r.trustDomain, r.namespace, keyName)
		if err != nil {
			log.Printf("Warning: failed to get handle %s from key provider: %v", slot.Position, err)
			continue
		}

		pubKey, err := handle.Public(ctx)
		if err != nil {
			log.Printf("Warning: failed to get public key for %s: %v", slot.Position, err)
			continue
		}

		thumbprintStr, err := ComputeThumbprint(pubKey)
		if err != nil {
			log.Printf("Warning: failed to compute thumbprint for key %s: %v", slot.Position, err)
			continue
		}
		thumbprint := KeyID(thumbprintStr)
		thumbprints[slot] = thumbprint

		_, algStr, err := handle.Metadata(ctx)
		if err != nil {
			log.Printf("Warning: failed to get metadata for %s: %v", slot.Position, err)
			continue
		}
		alg := Algorithm(algStr)

		publicKeys = append(publicKeys, service.PublicKey{
			KeyID:     string(thumbprint),
			Algorithm: string(alg),
			Key:       pubKey,
			Use:       "sig",
		})

		pastGracePeriod := true
		if slot.RotationCompletedAt != nil {
			gracePeriodEnd := slot.RotationCompletedAt.Add(r.gracePeriod)
			if now.Before(gracePeriodEnd) {
				pastGracePeriod = false
			}
		}

		if pastGracePeriod {
			preferredSlots = append(preferredSlots, slot)
		} else {
			fallbackSlots = append(fallbackSlots, slot)
		}
	}

	// Prefer the newest key past its grace period. When only in-grace keys
	// exist (fresh install), take the oldest so it gets the longest
	// distribution window.
	if len(preferredSlots) > 0 {
		activeSlot = findNewestSlot(preferredSlots)
	} else if len(fallbackSlots) > 0 {
		activeSlot = findOldestSlot(fallbackSlots)
	}

	if activeSlot == nil {
		return errors.New("no keys available")
	}

	provider, ok := r.keyProviderRegistry[activeSlot.KeyProviderID]
	if !ok {
		return fmt.Errorf("key provider %s not found for active slot", activeSlot.KeyProviderID)
	}

	keyName := r.keyName(activeSlot.Position)
	activeHandle, err := provider.GetKeyHandle(ctx, r.trustDomain, r.namespace, keyName)
	if err != nil {
		return fmt.Errorf("failed to get active handle %s: %w", activeSlot.Position, err)
	}

	internalID, algStr, err := activeHandle.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to get active metadata %s: %w", activeSlot.Position, err)
	}
	alg := Algorithm(algStr)

	r.mu.Lock()
	r.activeHandle = activeHandle
	r.activeInternalID = internalID
	r.activeThumbprint = thumbprints[activeSlot]
	r.activeAlg = alg
	r.publicKeys = publicKeys
	r.mu.Unlock()

	return nil
}

func findNewestSlot(slots []*KeySlot) *KeySlot {
	if len(slots) == 0 {
		return nil
	}
	newest := slots[0]
	for _, slot := range slots[1:] {
		if slot.RotationCompletedAt != nil && newest.RotationCompletedAt != nil {
			if slot.RotationCompletedAt.After(*newest.RotationCompletedAt) {
				newest = slot
			}
		}
	}
	return newest
}

func findOldestSlot(slots []*KeySlot) *KeySlot {
	if len(slots) == 0 {
		return nil
	}
	oldest := slots[0]
	for _, slot := range slots[1:] {
		if slot.RotationCompletedAt != nil && oldest.RotationCompletedAt != nil {
			if slot.RotationCompletedAt.Before(*oldest.RotationCompletedAt) {
				oldest = slot
			}
		}
	}
	return oldest
}
