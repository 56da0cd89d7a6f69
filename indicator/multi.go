package indicator

// Multi combines multiple Indicator implementations.
type Multi struct {
	indicators []Indicator
}

// NewMulti fans every call out to indicators in order.
func NewMulti(indicators ...Indicator) *Multi {
	return &Multi{indicators: indicators}
}

// Idle implements Indicator.Idle.
func (m *Multi) Idle() {
	for _, ind := range m.indicators {
		ind.Idle()
	}
}

// Success implements Indicator.Success.
func (m *Multi) Success() {
	for _, ind := range m.indicators {
		ind.Success()
	}
}

// Error implements Indicator.Error.
func (m *Multi) Error() {
	for _, ind := range m.indicators {
		ind.Error()
	}
}

// Processing implements Indicator.Processing.
func (m *Multi) Processing() {
	for _, ind := range m.indicators {
		ind.Processing()
	}
}

// Accepted implements Indicator.Accepted.
func (m *Multi) Accepted() {
	for _, ind := range m.indicators {
		ind.Accepted()
	}
}

// ConnectionLost implements Indicator.ConnectionLost.
func (m *Multi) ConnectionLost() {
	for _, ind := range m.indicators {
		ind.ConnectionLost()
	}
}

// Shutdown implements Indicator.Shutdown.
func (m *Multi) Shutdown() {
	for _, ind := range m.indicators {
		ind.Shutdown()
	}
}

// Release implements Indicator.Release.
func (m *Multi) Release() error {
	var lastErr error
	for _, ind := range m.indicators {
		if err := ind.Release(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SetConnected forwards to the indicators that track connection state.
func (m *Multi) SetConnected() {
	for _, ind := range m.indicators {
		SetConnected(ind)
	}
}
