package button

import (
	"sync"
	"time"
)

// Config holds configuration for the wipe button.
type Config struct {
	Chip     string        `yaml:"chip"`
	Pin      int           `yaml:"pin"`
	Debounce time.Duration `yaml:"debounce"` // hardware debounce on the line
	Holdoff  time.Duration `yaml:"holdoff"`  // minimum time between presses
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Chip == "" {
		c.Chip = "gpiochip0"
	}
	if c.Debounce == 0 {
		c.Debounce = 2 * time.Millisecond
	}
	if c.Holdoff == 0 {
		c.Holdoff = time.Second
	}
}

// pressFilter drops presses that follow the last accepted one by less
// than holdoff. Timestamps are line event times.
type pressFilter struct {
	mu      sync.Mutex
	holdoff time.Duration
	last    time.Duration
	seen    bool
}

func (f *pressFilter) accept(ts time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && ts-f.last < f.holdoff {
		return false
	}
	f.seen = true
	f.last = ts
	return true
}
