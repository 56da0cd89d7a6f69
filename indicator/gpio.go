package indicator

import (
	"fmt"

	"github.com/hjkoskel/govattu"
)

// GPIO implements Indicator using discrete LED pins and a buzzer.
type GPIO struct {
	hw            govattu.Vattu
	pins          map[lamp]uint8
	blueActiveLow bool
	player        *player
}

// NewGPIO creates a new GPIO-based indicator from the configured pins.
func NewGPIO(cfg Config) (*GPIO, error) {
	hw, err := govattu.Open()
	if err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}

	g := &GPIO{
		hw:            hw,
		pins:          make(map[lamp]uint8),
		blueActiveLow: cfg.BlueActiveLow,
	}
	for l, pin := range map[lamp]*uint8{
		green: cfg.GreenPin,
		red:   cfg.RedPin,
		blue:  cfg.BluePin,
		buzz:  cfg.BuzzerPin,
	} {
		if pin == nil {
			continue
		}
		hw.PinMode(*pin, govattu.ALToutput)
		g.pins[l] = *pin
	}

	g.set(0)
	g.player = newPlayer(g.set)
	return g, nil
}

// set drives every configured output to match lit.
func (g *GPIO) set(lit lamp) {
	for l, pin := range g.pins {
		on := lit&l != 0
		if l == blue && g.blueActiveLow {
			on = !on
		}
		if on {
			g.hw.PinSet(pin)
		} else {
			g.hw.PinClear(pin)
		}
	}
}

// SelfTest cycles the LEDs and sounds the buzzer once.
func (g *GPIO) SelfTest() {
	g.player.play(patSelfTest)
}

// Idle implements Indicator.Idle.
func (g *GPIO) Idle() {
	g.player.play(patIdle)
}

// Success implements Indicator.Success.
func (g *GPIO) Success() {
	g.player.play(patSuccess)
}

// Error implements Indicator.Error.
func (g *GPIO) Error() {
	g.player.play(patError)
}

// Processing implements Indicator.Processing.
func (g *GPIO) Processing() {
	g.player.play(patProcessing)
}

// Accepted implements Indicator.Accepted.
func (g *GPIO) Accepted() {
	g.player.play(patAccepted)
}

// ConnectionLost implements Indicator.ConnectionLost.
func (g *GPIO) ConnectionLost() {
	g.player.play(patConnectionLost)
}

// Shutdown implements Indicator.Shutdown.
func (g *GPIO) Shutdown() {
	g.player.play(patShutdown)
}

// Release implements Indicator.Release.
func (g *GPIO) Release() error {
	g.player.stop()
	g.set(0)
	return g.hw.Close()
}
