// Package indicator turns tap and return outcomes into operator cues.
package indicator

// Indicator is the interface for feedback implementations (LEDs and
// buzzer, neopixels, etc). Calls must not block the station loop for
// longer than it takes to start the cue.
type Indicator interface {
	// Idle sets the ready state.
	Idle()

	// Success signals a loan written to a card.
	Success()

	// Error signals a failed tap, an empty pending queue or a failed wipe.
	Error()

	// Processing signals a card surfaced for return inspection.
	Processing()

	// Accepted signals a card wiped at the end of a loan.
	Accepted()

	// ConnectionLost sets the indicator to connection lost state.
	ConnectionLost()

	// Shutdown sets the indicator to shutdown state.
	Shutdown()

	// Release releases any hardware resources.
	Release() error
}

// SetConnected tells ind the broker connection is back, if it keeps a
// separate idle cue for the disconnected state.
func SetConnected(ind Indicator) {
	if c, ok := ind.(interface{ SetConnected() }); ok {
		c.SetConnected()
	}
}

// Config holds configuration for indicator implementations.
type Config struct {
	// GPIO pins (nil = not configured)
	GreenPin  *uint8 `yaml:"green_pin"`
	RedPin    *uint8 `yaml:"red_pin"`
	BluePin   *uint8 `yaml:"blue_pin"`
	BuzzerPin *uint8 `yaml:"buzzer_pin"`

	// BlueActiveLow inverts the blue LED, as on the reference board.
	BlueActiveLow bool `yaml:"blue_active_low"`

	// SelfTest cycles LEDs and buzzer once at startup.
	SelfTest bool `yaml:"self_test"`

	// Neopixel pipe path (empty = not configured)
	NeopixelPipe string `yaml:"neopixel_pipe"`
}

// New creates an Indicator based on the provided configuration.
// Returns a Multi indicator if both GPIO and Neopixel are configured.
func New(cfg Config) (Indicator, error) {
	var indicators []Indicator

	if cfg.GreenPin != nil || cfg.RedPin != nil || cfg.BluePin != nil || cfg.BuzzerPin != nil {
		gpio, err := NewGPIO(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.SelfTest {
			gpio.SelfTest()
		}
		indicators = append(indicators, gpio)
	}

	if cfg.NeopixelPipe != "" {
		neo, err := NewNeopixel(cfg.NeopixelPipe)
		if err != nil {
			return nil, err
		}
		indicators = append(indicators, neo)
	}

	switch len(indicators) {
	case 0:
		return &Noop{}, nil
	case 1:
		return indicators[0], nil
	}
	return NewMulti(indicators...), nil
}
