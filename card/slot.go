package card

import (
	"bytes"
	"errors"
	"fmt"
)

// SlotSize is the size of the card storage slot (one MIFARE Classic block).
const SlotSize = 16

// ErrInvalidID is returned for transaction ids that cannot be stored in a slot.
var ErrInvalidID = errors.New("invalid transaction id")

// BlankSlot returns an all-zero slot.
func BlankSlot() []byte {
	return make([]byte, SlotSize)
}

// IsBlank reports whether every byte of slot is zero. Any non-zero byte
// makes the card data-bearing, even if it is not a well-formed id.
func IsBlank(slot []byte) bool {
	for _, b := range slot {
		if b != 0 {
			return false
		}
	}
	return true
}

// ValidateID checks that id fits a slot and survives NUL padding.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > SlotSize {
		return fmt.Errorf("%w: %q is %d bytes, max %d", ErrInvalidID, id, len(id), SlotSize)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return fmt.Errorf("%w: byte 0x%02x at %d", ErrInvalidID, id[i], i)
		}
	}
	return nil
}

// EncodeSlot lays id out NUL-padded to SlotSize.
func EncodeSlot(id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	slot := BlankSlot()
	copy(slot, id)
	return slot, nil
}

// DecodeSlot returns the text stored in slot up to the first NUL.
// The result is empty for a blank slot; callers decide whether the
// text is a well-formed id.
func DecodeSlot(slot []byte) string {
	if i := bytes.IndexByte(slot, 0); i >= 0 {
		slot = slot[:i]
	}
	return string(slot)
}
