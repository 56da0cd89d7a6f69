package card

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInjected is returned by Memory when a fault was injected.
var ErrInjected = errors.New("injected card fault")

// Memory implements Store with virtual cards. It backs the "sim" reader
// type driven by the event pipe, and the tests.
//
// Memory is safe for concurrent use: the event pipe places cards on the
// field while the station loop probes.
type Memory struct {
	mu         sync.Mutex
	cards      map[string][]byte
	onField    string
	failReads  int
	failWrites int
}

// NewMemory creates an empty virtual reader.
func NewMemory() *Memory {
	return &Memory{cards: make(map[string][]byte)}
}

// Put stores a virtual card with the given slot content, replacing any
// previous content. A nil slot means blank.
func (m *Memory) Put(id string, slot []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[id] = normalize(slot)
}

// Present places card id on the field, creating it blank if unknown.
func (m *Memory) Present(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[id]; !ok {
		m.cards[id] = BlankSlot()
	}
	m.onField = id
}

// Lift removes whatever card is on the field.
func (m *Memory) Lift() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onField = ""
}

// Slot returns a copy of the stored slot for id.
func (m *Memory) Slot(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.cards[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), slot...), true
}

// FailReads makes the next n reads fail.
func (m *Memory) FailReads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = n
}

// FailWrites makes the next n writes fail.
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// Probe implements Store.Probe.
func (m *Memory) Probe(ctx context.Context) (*Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onField == "" {
		return nil, ErrNoCard
	}
	return &Card{ID: m.onField, UID: []byte(m.onField)}, nil
}

// ReadSlot implements Store.ReadSlot.
func (m *Memory) ReadSlot(ctx context.Context, c *Card) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(c); err != nil {
		return nil, err
	}
	if m.failReads > 0 {
		m.failReads--
		return nil, fmt.Errorf("read %s: %w", c.ID, ErrInjected)
	}
	return append([]byte(nil), m.cards[c.ID]...), nil
}

// WriteSlot implements Store.WriteSlot.
func (m *Memory) WriteSlot(ctx context.Context, c *Card, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) != SlotSize {
		return fmt.Errorf("slot must be %d bytes, got %d", SlotSize, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(c); err != nil {
		return err
	}
	if m.failWrites > 0 {
		m.failWrites--
		return fmt.Errorf("write %s: %w", c.ID, ErrInjected)
	}
	m.cards[c.ID] = append([]byte(nil), data...)
	return nil
}

// Close implements Store.Close.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) check(c *Card) error {
	if c == nil || m.onField == "" {
		return ErrNoCard
	}
	if c.ID != m.onField {
		return ErrCardChanged
	}
	return nil
}

func normalize(slot []byte) []byte {
	out := BlankSlot()
	copy(out, slot)
	return out
}
