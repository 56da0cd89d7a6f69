package indicator

// Noop implements Indicator but does nothing.
// Used when no indicators are configured.
type Noop struct{}

// Idle implements Indicator.Idle.
func (n *Noop) Idle() {}

// Success implements Indicator.Success.
func (n *Noop) Success() {}

// Error implements Indicator.Error.
func (n *Noop) Error() {}

// Processing implements Indicator.Processing.
func (n *Noop) Processing() {}

// Accepted implements Indicator.Accepted.
func (n *Noop) Accepted() {}

// ConnectionLost implements Indicator.ConnectionLost.
func (n *Noop) ConnectionLost() {}

// Shutdown implements Indicator.Shutdown.
func (n *Noop) Shutdown() {}

// Release implements Indicator.Release.
func (n *Noop) Release() error {
	return nil
}
