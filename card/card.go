// Package card wraps the contactless reader as a small key-value store:
// every card carries exactly one 16-byte slot which is either blank (all
// zero) or holds a transaction id.
package card

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by Store implementations.
var (
	// ErrNoCard means no card is on the reader field.
	ErrNoCard = errors.New("no card present")

	// ErrAuth means the sector holding the slot refused the configured key.
	ErrAuth = errors.New("card authentication failed")

	// ErrCardChanged means a read or write targeted a card that is no
	// longer the one on the field.
	ErrCardChanged = errors.New("card changed since probe")
)

// Card identifies one physical card seen by the reader.
type Card struct {
	// ID is the lower-case hex encoding of the hardware UID. It is the
	// debounce key.
	ID string

	// UID is the raw hardware identifier (4 or 7 bytes).
	UID []byte
}

// Store is the interface for all card reader implementations.
// Implementations are not safe for concurrent use; the station run loop
// is the only caller.
type Store interface {
	// Probe reports the card currently on the field, or ErrNoCard.
	Probe(ctx context.Context) (*Card, error)

	// ReadSlot authenticates and returns the 16-byte slot of c.
	ReadSlot(ctx context.Context, c *Card) ([]byte, error)

	// WriteSlot authenticates and writes a 16-byte slot to c.
	WriteSlot(ctx context.Context, c *Card, data []byte) error

	// Close releases the reader.
	Close() error
}

// Config holds reader configuration.
type Config struct {
	Type          string        `yaml:"type"`           // "pn532" or "sim"
	Device        string        `yaml:"device"`         // e.g. "/dev/ttyUSB0", "/dev/i2c-1"
	Block         uint8         `yaml:"block"`          // data block holding the slot
	KeyA          string        `yaml:"key_a"`          // 12 hex digits
	DetectTimeout time.Duration `yaml:"detect_timeout"` // per-probe field scan
}

// Defaults fills unset fields with the reference hardware values.
func (c *Config) Defaults() {
	if c.Type == "" {
		c.Type = "pn532"
	}
	if c.Block == 0 {
		c.Block = 4
	}
	if c.KeyA == "" {
		c.KeyA = "FFFFFFFFFFFF"
	}
	if c.DetectTimeout == 0 {
		c.DetectTimeout = 150 * time.Millisecond
	}
}

// New creates a Store based on the provided configuration.
func New(cfg Config) (Store, error) {
	cfg.Defaults()
	switch cfg.Type {
	case "pn532":
		return NewPN532(cfg)
	case "sim":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown reader type %q", cfg.Type)
	}
}
