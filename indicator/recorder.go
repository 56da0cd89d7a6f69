package indicator

import "sync"

// Recorder implements Indicator by remembering every cue. It stands in
// for hardware in tests.
type Recorder struct {
	mu   sync.Mutex
	cues []string
}

// Cues returns the recorded cue names in call order.
func (r *Recorder) Cues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cues...)
}

// Last returns the most recent cue, or "" when none was recorded.
func (r *Recorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cues) == 0 {
		return ""
	}
	return r.cues[len(r.cues)-1]
}

// Reset forgets recorded cues.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.cues = nil
	r.mu.Unlock()
}

func (r *Recorder) record(cue string) {
	r.mu.Lock()
	r.cues = append(r.cues, cue)
	r.mu.Unlock()
}

// Idle implements Indicator.Idle.
func (r *Recorder) Idle() { r.record("idle") }

// Success implements Indicator.Success.
func (r *Recorder) Success() { r.record("success") }

// Error implements Indicator.Error.
func (r *Recorder) Error() { r.record("error") }

// Processing implements Indicator.Processing.
func (r *Recorder) Processing() { r.record("processing") }

// Accepted implements Indicator.Accepted.
func (r *Recorder) Accepted() { r.record("accepted") }

// ConnectionLost implements Indicator.ConnectionLost.
func (r *Recorder) ConnectionLost() { r.record("connection_lost") }

// Shutdown implements Indicator.Shutdown.
func (r *Recorder) Shutdown() { r.record("shutdown") }

// Release implements Indicator.Release.
func (r *Recorder) Release() error { return nil }
