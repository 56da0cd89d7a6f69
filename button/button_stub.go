//go:build !linux

package button

import "errors"

var ErrNotSupported = errors.New("button not supported on this platform")

// Button is a stub for non-linux platforms.
type Button struct{}

// New returns an error on non-linux platforms.
func New(cfg Config, onPress func()) (*Button, error) {
	if cfg.Pin == 0 {
		return nil, nil
	}
	return nil, ErrNotSupported
}

func (b *Button) Release() error { return nil }
