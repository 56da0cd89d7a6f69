package station

import (
	"math/rand/v2"
)

// IDGenerator produces candidate transaction ids. Uniqueness against
// outstanding loans is checked by the station.
type IDGenerator interface {
	NewID() string
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomIDs yields Prefix followed by Length random upper-case letters
// and digits, e.g. "CATS-7QX2ME".
type RandomIDs struct {
	Prefix string
	Length int
}

// NewID implements IDGenerator.
func (g RandomIDs) NewID() string {
	b := make([]byte, g.Length)
	for i := range b {
		b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return g.Prefix + string(b)
}
