package tap

import (
	"fmt"
	"time"
)

// State is the dispatcher state.
type State int

// Dispatcher states. Every tap starts and ends in Idle.
const (
	Idle State = iota
	Probing
	Classifying
	WritingLoan
	ReadingReturn
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case Classifying:
		return "classifying"
	case WritingLoan:
		return "writing_loan"
	case ReadingReturn:
		return "reading_return"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session remembers the last accepted tap for debouncing. It is replaced
// wholesale on every accepted tap and never persisted.
type Session struct {
	PhysicalID string
	LastSeenAt time.Time
}

// repeats reports whether a tap of id at now falls inside the window of
// this session.
func (s Session) repeats(id string, now time.Time, window time.Duration) bool {
	return s.PhysicalID != "" && s.PhysicalID == id && now.Sub(s.LastSeenAt) < window
}

// Outcome classifies what a tap did.
type Outcome int

// Tap outcomes.
const (
	// OutcomeDebounced: same card inside the debounce window, no effects.
	OutcomeDebounced Outcome = iota
	// OutcomeBusy: tap arrived while another was in progress, no effects.
	OutcomeBusy
	// OutcomeLoanWritten: the front pending id was written and popped.
	OutcomeLoanWritten
	// OutcomeQueueEmpty: blank card but no pending loan.
	OutcomeQueueEmpty
	// OutcomeWriteFailed: the slot write failed, queue untouched.
	OutcomeWriteFailed
	// OutcomeReadFailed: the classifying read failed.
	OutcomeReadFailed
	// OutcomeReturnSurfaced: the card carries an id, now up for inspection.
	OutcomeReturnSurfaced
	// OutcomeInconsistent: non-blank card whose id could not be read.
	OutcomeInconsistent
	// OutcomeStorageFailed: the card was written but the queue could not
	// be persisted.
	OutcomeStorageFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDebounced:
		return "debounced"
	case OutcomeBusy:
		return "busy"
	case OutcomeLoanWritten:
		return "loan_written"
	case OutcomeQueueEmpty:
		return "queue_empty"
	case OutcomeWriteFailed:
		return "write_failed"
	case OutcomeReadFailed:
		return "read_failed"
	case OutcomeReturnSurfaced:
		return "return_surfaced"
	case OutcomeInconsistent:
		return "inconsistent"
	case OutcomeStorageFailed:
		return "storage_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result reports one tap.
type Result struct {
	Outcome       Outcome
	CardID        string
	TransactionID string // written or surfaced id, when known
	Err           error
}

// Effective reports whether the tap changed anything or emitted feedback.
func (r Result) Effective() bool {
	return r.Outcome != OutcomeDebounced && r.Outcome != OutcomeBusy
}
