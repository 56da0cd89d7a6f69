//go:build linux

// Package button watches the station's physical wipe button.
package button

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"
)

// Button handles one push button input line.
type Button struct {
	line    *gpiocdev.Line
	filter  *pressFilter
	onPress func()
}

// New requests the button line. Returns nil if no pin is configured.
func New(cfg Config, onPress func()) (*Button, error) {
	if cfg.Pin == 0 {
		return nil, nil
	}
	cfg.Defaults()

	b := &Button{
		filter:  &pressFilter{holdoff: cfg.Holdoff},
		onPress: onPress,
	}

	var err error
	b.line, err = gpiocdev.RequestLine(cfg.Chip, cfg.Pin,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithDebounce(cfg.Debounce),
		gpiocdev.WithEventHandler(b.handleEvent))
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", cfg.Chip, cfg.Pin, err)
	}
	return b, nil
}

func (b *Button) handleEvent(evt gpiocdev.LineEvent) {
	if evt.Type != gpiocdev.LineEventFallingEdge {
		return
	}
	if !b.filter.accept(evt.Timestamp) {
		return
	}
	log.WithField("line", evt.Offset).Info("Wipe button pressed")
	if b.onPress != nil {
		b.onPress()
	}
}

// Release releases GPIO resources.
func (b *Button) Release() error {
	if b.line != nil {
		return b.line.Close()
	}
	return nil
}

