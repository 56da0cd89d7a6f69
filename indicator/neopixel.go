package indicator

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Neopixel command strings for the external neopixel tool.
const (
	neoConnectionLost = "@2 !150000 001010"
	neoNormalIdle     = "@3 !150000 000040"
	neoSuccess        = "@1 !50000 8000"
	neoError          = "@2 !10000 ff"
	neoProcessing     = "@2 !30000 000080"
	neoAccepted       = "@2 !20000 ff00"
	neoTerminated     = "@0 010101"
)

// Neopixel implements Indicator using an external neopixel tool via named pipe.
type Neopixel struct {
	mu         sync.Mutex
	pipe       io.WriteCloser
	idleString string
}

// NewNeopixel creates a new Neopixel indicator.
func NewNeopixel(pipePath string) (*Neopixel, error) {
	f, err := os.OpenFile(pipePath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open neopixel pipe %s: %w", pipePath, err)
	}
	return newNeopixel(f), nil
}

func newNeopixel(w io.WriteCloser) *Neopixel {
	return &Neopixel{
		pipe:       w,
		idleString: neoNormalIdle,
	}
}

// Idle implements Indicator.Idle.
func (n *Neopixel) Idle() {
	n.mu.Lock()
	s := n.idleString
	n.mu.Unlock()
	n.write(s)
}

// Success implements Indicator.Success.
func (n *Neopixel) Success() {
	n.write(neoSuccess)
}

// Error implements Indicator.Error.
func (n *Neopixel) Error() {
	n.write(neoError)
}

// Processing implements Indicator.Processing.
func (n *Neopixel) Processing() {
	n.write(neoProcessing)
}

// Accepted implements Indicator.Accepted.
func (n *Neopixel) Accepted() {
	n.write(neoAccepted)
}

// ConnectionLost implements Indicator.ConnectionLost. Idle shows the
// connection lost pattern until SetConnected is called.
func (n *Neopixel) ConnectionLost() {
	n.mu.Lock()
	n.idleString = neoConnectionLost
	n.mu.Unlock()
	n.write(neoConnectionLost)
}

// SetConnected restores the normal idle pattern.
func (n *Neopixel) SetConnected() {
	n.mu.Lock()
	n.idleString = neoNormalIdle
	n.mu.Unlock()
}

// Shutdown implements Indicator.Shutdown.
func (n *Neopixel) Shutdown() {
	n.write(neoTerminated)
}

// Release implements Indicator.Release.
func (n *Neopixel) Release() error {
	if n.pipe == nil {
		return nil
	}
	return n.pipe.Close()
}

func (n *Neopixel) write(s string) {
	if n.pipe != nil {
		n.pipe.Write([]byte(s))
	}
}
