package card

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBlank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		slot []byte
		want bool
	}{
		{name: "SixteenZeros", slot: make([]byte, 16), want: true},
		{name: "TrailingByte", slot: append(make([]byte, 15), 0x01), want: false},
		{name: "GarbageNotAnID", slot: []byte{0xff, 0x00, 0x13}, want: false},
		{name: "TransactionID", slot: mustEncode(t, "TX-0007"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsBlank(tt.slot))
		})
	}
}

func TestEncodeSlot(t *testing.T) {
	t.Parallel()

	slot, err := EncodeSlot("TX-0007")
	require.NoError(t, err)
	assert.Len(t, slot, SlotSize)
	assert.Equal(t, "TX-0007", DecodeSlot(slot))
	assert.Equal(t, byte(0), slot[7])

	full, err := EncodeSlot(strings.Repeat("A", SlotSize))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("A", SlotSize), DecodeSlot(full))
}

func TestValidateID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "Reference", id: "CATS-AB12CD"},
		{name: "ExactlySixteen", id: "0123456789ABCDEF"},
		{name: "Empty", id: "", wantErr: true},
		{name: "TooLong", id: "0123456789ABCDEFG", wantErr: true},
		{name: "EmbeddedNUL", id: "TX\x000007", wantErr: true},
		{name: "NonASCII", id: "TX-ÄÖ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateID(tt.id)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDecodeSlot_Blank(t *testing.T) {
	t.Parallel()
	assert.Empty(t, DecodeSlot(BlankSlot()))
}

func mustEncode(t *testing.T, id string) []byte {
	t.Helper()
	slot, err := EncodeSlot(id)
	require.NoError(t, err)
	return slot
}
