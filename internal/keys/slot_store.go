package keys

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrVersionMismatch is returned by SaveSlot when the store has changed since
// the version the caller read. Callers treat this as "another process won".
var ErrVersionMismatch = errors.New("slot store version mismatch")

// SlotPosition identifies one of the two rotation slots.
type SlotPosition string

const (
	SlotPositionA SlotPosition = "a"
	SlotPositionB SlotPosition = "b"
)

// KeySlot records the rotation state of one slot within a signer namespace.
// PreparingAt marks an in-progress rotation so that concurrent processes
// don't generate the same key twice. RotationCompletedAt is the birth time of
// the key currently in the slot, from which TTL, rotation threshold, and
// grace period are all derived.
type KeySlot struct {
	Position            SlotPosition `json:"position"`
	Namespace           string       `json:"namespace"`
	KeyProviderID       string       `json:"key_provider_id"`
	PreparingAt         *time.Time   `json:"preparing_at,omitempty"`
	RotationCompletedAt *time.Time   `json:"rotation_completed_at,omitempty"`
}

func (s *KeySlot) copy() *KeySlot {
	out := *s
	if s.PreparingAt != nil {
		t := *s.PreparingAt
		out.PreparingAt = &t
	}
	if s.RotationCompletedAt != nil {
		t := *s.RotationCompletedAt
		out.RotationCompletedAt = &t
	}
	return &out
}

// KeySlotStore persists key slot state with optimistic concurrency.
// Multiple signer processes may share one store; the version token returned
// by ListSlots must be passed back to SaveSlot, which fails with
// ErrVersionMismatch if the store changed in between.
type KeySlotStore interface {
	// ListSlots returns all slots and the current store version.
	ListSlots(ctx context.Context) ([]*KeySlot, int64, error)

	// SaveSlot writes a slot if version still matches, returning the new
	// store version. Returns ErrVersionMismatch on concurrent modification.
	SaveSlot(ctx context.Context, slot *KeySlot, version int64) (int64, error)
}

// InMemoryKeySlotStore is a KeySlotStore for single-process deployments and
// tests. State does not survive restarts.
type InMemoryKeySlotStore struct {
	mu      sync.Mutex
	slots   map[string]*KeySlot
	version int64
}

// NewInMemoryKeySlotStore creates an empty in-memory slot store.
func NewInMemoryKeySlotStore() *InMemoryKeySlotStore {
	return &InMemoryKeySlotStore{
		slots: make(map[string]*KeySlot),
	}
}

func (s *InMemoryKeySlotStore) slotKey(slot *KeySlot) string {
	return slot.Namespace + "/" + slot.KeyProviderID + "/" + string(slot.Position)
}

func (s *InMemoryKeySlotStore) ListSlots(ctx context.Context) ([]*KeySlot, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := make([]*KeySlot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, slot.copy())
	}
	return slots, s.version, nil
}

func (s *InMemoryKeySlotStore) SaveSlot(ctx context.Context, slot *KeySlot, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version != s.version {
		return 0, ErrVersionMismatch
	}

	s.slots[s.slotKey(slot)] = slot.copy()
	s.version++
	return s.version, nil
}
