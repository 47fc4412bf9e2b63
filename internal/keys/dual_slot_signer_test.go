package keys

import (
	"context"
	"crypto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossfed-io/crossfed/internal/clock"
)

const testSessionNamespace = "role-sessions"

// flakyKeyProvider wraps an in-memory provider so tests can make Rotate fail
// on demand.
type flakyKeyProvider struct {
	*InMemoryKeyProvider
	failRotate bool
}

func (p *flakyKeyProvider) GetKeyHandle(ctx context.Context, trustDomain, namespace, keyName string) (KeyHandle, error) {
	handle, err := p.InMemoryKeyProvider.GetKeyHandle(ctx, trustDomain, namespace, keyName)
	if err != nil {
		return nil, err
	}
	return &flakyKeyHandle{handle: handle, failRotate: p.failRotate}, nil
}

type flakyKeyHandle struct {
	handle     KeyHandle
	failRotate bool
}

func (h *flakyKeyHandle) Sign(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, string, error) {
	return h.handle.Sign(ctx, digest, opts)
}
func (h *flakyKeyHandle) Metadata(ctx context.Context) (string, string, error) {
	return h.handle.Metadata(ctx)
}
func (h *flakyKeyHandle) Public(ctx context.Context) (crypto.PublicKey, error) {
	return h.handle.Public(ctx)
}
func (h *flakyKeyHandle) Rotate(ctx context.Context) error {
	if h.failRotate {
		return assert.AnError
	}
	return h.handle.Rotate(ctx)
}

// newTestSigner builds a DualSlotRotatingSigner over in-memory storage with a
// fixture clock and timings short enough to drive rotation inside a test.
func newTestSigner(t *testing.T, clk clock.Clock, slotStore KeySlotStore, keyProvider KeyProvider) (*DualSlotRotatingSigner, KeyProvider) {
	if keyProvider == nil {
		keyProvider = NewInMemoryKeyProvider(KeyTypeECP256, "ES256")
	}

	if slotStore == nil {
		slotStore = NewInMemoryKeySlotStore()
	}

	kpRegistry := map[string]KeyProvider{
		"mem-provider": keyProvider,
	}

	// KeyTTL=30m with an 8m threshold means rotation fires at the 22m mark.
	rs := NewDualSlotRotatingSigner(DualSlotRotatingSignerConfig{
		Namespace:           testSessionNamespace,
		KeyProviderID:       "mem-provider",
		KeyProviderRegistry: kpRegistry,
		SlotStore:           slotStore,
		Clock:               clk,
		KeyTTL:              30 * time.Minute,
		RotationThreshold:   8 * time.Minute,
		GracePeriod:         2 * time.Minute,
		CheckInterval:       10 * time.Second,
		PrepareTimeout:      1 * time.Minute,
	})

	return rs, keyProvider
}

func TestDualSlotRotatingSigner_RotationFailure_MaintainsOldKey(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	baseProvider := NewInMemoryKeyProvider(KeyTypeECP256, "ES256")
	provider := &flakyKeyProvider{InMemoryKeyProvider: baseProvider}

	rs, _ := newTestSigner(t, clk, nil, provider)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)
	_, keyID1, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)

	// Advance to just short of the 22m rotation point, then break the
	// provider before the threshold check fires.
	clk.Advance(21 * time.Minute)
	provider.failRotate = true
	clk.Advance(2 * time.Minute)

	// Rotation failed, so the old key stays active.
	_, keyID2, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.Equal(t, keyID1, keyID2, "should maintain old key on rotation failure")

	// Even past the 30m TTL the cached key keeps serving. The cache never
	// updated because every rotation attempt failed, and signing with a
	// stale key beats signing with nothing.
	clk.Advance(10 * time.Minute)

	_, keyID3, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err, "should still have active key from cache even if expired")
	assert.Equal(t, keyID1, keyID3, "should maintain old key even after expiration if rotation fails")
}

func TestDualSlotRotatingSigner_InitialKeyGeneration(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	// Start generates the first key when the slot store is empty
	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	signer, keyID, algorithm, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.NotNil(t, signer)
	assert.NotEmpty(t, string(keyID))
	assert.Equal(t, "ES256", string(algorithm))
}

func TestDualSlotRotatingSigner_InitialKeyRotationCompletedAtIsNow(t *testing.T) {
	startTime := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixtureClock(startTime)
	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	// The first key's RotationCompletedAt must be the real clock time.
	// Backdating it would skip the grace period for relying parties.
	slotStore := rs.slotStore
	slots, _, err := slotStore.ListSlots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 1, "should have 1 slot")

	var slotA *KeySlot
	for _, s := range slots {
		if s.Position == SlotPositionA {
			slotA = s
			break
		}
	}
	require.NotNil(t, slotA, "slot A should exist")
	require.NotNil(t, slotA.RotationCompletedAt, "initial key should have RotationCompletedAt set")

	assert.Equal(t, startTime, *slotA.RotationCompletedAt,
		"initial key RotationCompletedAt should equal clock time (not backdated)")
}

func TestDualSlotRotatingSigner_InitialKeyInGracePeriod(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	// The very first key serves immediately. There is nothing older to
	// fall back to, so the grace period does not apply.
	signer, _, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.NotNil(t, signer)
}

func TestDualSlotRotatingSigner_PublicKeysIncludesGracePeriodKeys(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	publicKeys, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, publicKeys, 1, "should have 1 key")
	assert.Equal(t, "ES256", publicKeys[0].Algorithm)
	assert.Equal(t, "sig", publicKeys[0].Use)
}

func TestDualSlotRotatingSigner_KeyRotation(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	_, keyID1, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)

	// Past the 22m rotation point a successor key should exist
	clk.Advance(23 * time.Minute)

	publicKeys, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, publicKeys, 2, "should have 2 keys after rotation")

	// The successor sits in its 2m grace period, so the old key still signs
	_, keyID2, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(keyID1), string(keyID2), "active key should not change during grace period")

	// Once the grace period lapses the successor takes over
	clk.Advance(3 * time.Minute)

	_, keyID3, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, string(keyID1), string(keyID3), "active key should change after grace period")
}

func TestDualSlotRotatingSigner_KeyExpiration(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	publicKeys1, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, publicKeys1, 1)

	clk.Advance(23 * time.Minute)

	publicKeys2, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, publicKeys2, 2, "should have 2 keys after rotation")

	// The first key was created at t=0 with a 30m TTL, so past 30m it
	// drops out of the published set
	clk.Advance(8 * time.Minute)

	publicKeys3, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, publicKeys3, 1, "expired key should be removed from public keys")

	// Only the successor remains. Key IDs are JWK thumbprints, so a
	// different ID means a different key.
	assert.NotEmpty(t, publicKeys3[0].KeyID, "should have a valid key ID")
	assert.NotEqual(t, publicKeys1[0].KeyID, publicKeys3[0].KeyID, "should have rotated to a new key")
}

func TestDualSlotRotatingSigner_AlternatingSlots(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	_, keyID1, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, string(keyID1), "first key should have an ID")

	// Second key lands in slot B, active after its grace period
	clk.Advance(23 * time.Minute)
	clk.Advance(3 * time.Minute)

	_, keyID2, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, string(keyID2), "second key should have an ID")
	assert.NotEqual(t, keyID1, keyID2, "second key should be different from first")

	// Third key reuses slot A, replacing the first key entirely
	clk.Advance(23 * time.Minute)
	clk.Advance(3 * time.Minute)

	_, keyID3, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, string(keyID3), "third key should have an ID")
	assert.NotEqual(t, keyID2, keyID3, "third key should be different from second")
	assert.NotEqual(t, keyID1, keyID3, "third key should be different from first (new key in same slot)")
}

func TestDualSlotRotatingSigner_SigningWorks(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	signer, keyID, algorithm, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)

	// ECDSA signs a digest, not the raw message
	data := []byte("session credential payload")
	hash := crypto.SHA256.New()
	hash.Write(data)
	hashed := hash.Sum(nil)

	signature, err := signer.Sign(nil, hashed, crypto.SHA256)
	require.NoError(t, err)
	assert.NotEmpty(t, signature)

	assert.NotEmpty(t, string(keyID))
	assert.Equal(t, "ES256", string(algorithm))

	// The matching public key must be published for verifiers
	publicKeys, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, publicKeys, 1)

	assert.Equal(t, string(keyID), publicKeys[0].KeyID)
	assert.Equal(t, signer.Public(), publicKeys[0].Key)
}

func TestDualSlotRotatingSigner_MultipleRotations(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	var keyIDs []string

	clk.Advance(10 * time.Second)

	_, keyID, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	keyIDs = append(keyIDs, string(keyID))

	for i := 0; i < 3; i++ {
		// Cross the rotation threshold, then wait out the grace period
		clk.Advance(23 * time.Minute)
		clk.Advance(3 * time.Minute)

		_, keyID, _, err := rs.GetCurrentSigner(ctx)
		require.NoError(t, err)
		keyIDs = append(keyIDs, string(keyID))
	}

	assert.Len(t, keyIDs, 4)

	// Thumbprint key IDs must never repeat across rotations
	uniqueKeys := make(map[string]bool)
	for _, kid := range keyIDs {
		assert.NotEmpty(t, kid, "key ID should not be empty")
		assert.False(t, uniqueKeys[kid], "key ID %s should be unique", kid)
		uniqueKeys[kid] = true
	}
	assert.Len(t, uniqueKeys, 4, "all key IDs should be unique")
}

func TestDualSlotRotatingSigner_SlotStoreOptimisticLocking(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	slotStore := rs.slotStore

	slots, version1, err := slotStore.ListSlots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 1, "should have 1 slot")
	require.NotEqual(t, "", version1, "version should not be empty")

	var slotA *KeySlot
	for _, s := range slots {
		if s.Position == SlotPositionA {
			slotA = s
			break
		}
	}
	require.NotNil(t, slotA, "should find slot-a")

	// Saving with the version we read should succeed
	slotA.KeyProviderID = "mem-provider-2"
	version2, err := slotStore.SaveSlot(ctx, slotA, version1)
	require.NoError(t, err, "should succeed with correct version")
	assert.NotEqual(t, version1, version2, "version should change after save")

	// Saving with a stale version must be rejected
	slotA.KeyProviderID = "mem-provider-3"
	_, err = slotStore.SaveSlot(ctx, slotA, version1)
	assert.ErrorIs(t, err, ErrVersionMismatch, "should fail with old version")

	version3, err := slotStore.SaveSlot(ctx, slotA, version2)
	require.NoError(t, err, "should succeed with current version")
	assert.NotEqual(t, version2, version3, "version should change after second save")
}

func TestDualSlotRotatingSigner_CachedPublicKeys(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})
	rs, keyProvider := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	publicKeys1, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, publicKeys1, 1)

	// The published key must match what the provider actually holds
	handle, err := keyProvider.GetKeyHandle(ctx, "", testSessionNamespace, "key-a")
	require.NoError(t, err)

	pubKey, err := handle.Public(ctx)
	require.NoError(t, err)

	assert.Equal(t, pubKey, publicKeys1[0].Key)

	// Repeat calls serve from cache; callers get a copy, not the cache slice
	publicKeys2, err := rs.PublicKeys(ctx)
	require.NoError(t, err)

	assert.Equal(t, publicKeys1, publicKeys2)
}

func TestDualSlotRotatingSigner_NoKeysBeforeStart(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	_, _, _, err := rs.GetCurrentSigner(ctx)
	assert.Error(t, err)

	publicKeys, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, publicKeys)
}

func TestDualSlotRotatingSigner_StopPreventsRotation(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)

	_, keyID1, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)

	rs.Stop()

	// With the loop stopped, crossing the threshold changes nothing and
	// the cached key keeps serving
	clk.Advance(25 * time.Minute)

	_, keyID2, _, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(keyID1), string(keyID2))
}

func TestDualSlotRotatingSigner_AlgorithmIsCorrect(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})

	rs, _ := newTestSigner(t, clk, nil, nil)

	ctx := context.Background()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	_, _, algorithm, err := rs.GetCurrentSigner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ES256", string(algorithm))

	publicKeys, err := rs.PublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, publicKeys, 1)
	assert.Equal(t, "ES256", publicKeys[0].Algorithm)
}

func TestDualSlotRotatingSigner_ExistingKeyInGracePeriod(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})
	slotStore := NewInMemoryKeySlotStore()
	rs, provider := newTestSigner(t, clk, slotStore, nil)

	ctx := context.Background()

	startTime := clk.Now()

	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	clk.Advance(10 * time.Second)

	// A second replica joining against the same slot store must adopt the
	// existing key rather than minting another
	rm2, _ := newTestSigner(t, clk, slotStore, provider)

	err = rm2.Start(ctx)
	require.NoError(t, err)
	defer rm2.Stop()

	slots, _, err := slotStore.ListSlots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, startTime, *slots[0].RotationCompletedAt)
}

func TestDualSlotRotatingSigner_Namespacing(t *testing.T) {
	clk := clock.NewFixtureClock(time.Time{})
	provider := NewInMemoryKeyProvider(KeyTypeECP256, "ES256")
	providerRegistry := map[string]KeyProvider{"mem-provider": provider}
	slotStore := NewInMemoryKeySlotStore()

	trustDomain := "crossfed.test"

	rs := NewDualSlotRotatingSigner(DualSlotRotatingSignerConfig{
		Namespace:           testSessionNamespace,
		TrustDomain:         trustDomain,
		KeyProviderID:       "mem-provider",
		KeyProviderRegistry: providerRegistry,
		SlotStore:           slotStore,
		Clock:               clk,
		PrepareTimeout:      1 * time.Minute,
	})

	ctx := context.Background()
	err := rs.Start(ctx)
	require.NoError(t, err)
	defer rs.Stop()

	// The key must live under the configured trust domain
	handle, err := provider.GetKeyHandle(ctx, trustDomain, testSessionNamespace, "key-a")
	require.NoError(t, err)

	_, _, err = handle.Metadata(ctx)
	require.NoError(t, err)

	// Omitting the trust domain resolves a different path. The lazy handle
	// is created fine but finds no key behind it.
	handleBad, err := provider.GetKeyHandle(ctx, "", testSessionNamespace, "key-a")
	require.NoError(t, err)

	_, _, err = handleBad.Metadata(ctx)
	assert.Error(t, err)
}
