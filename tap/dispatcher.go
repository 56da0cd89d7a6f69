// Package tap turns card presence events into loan writes and return
// surfacing, and performs the return wipe.
package tap

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"labtrack/card"
	"labtrack/clock"
	"labtrack/indicator"
	"labtrack/ledger"
)

// ErrWipeTimeout is returned when no wipe attempt succeeded inside the
// wipe window.
var ErrWipeTimeout = errors.New("wipe window elapsed")

// ErrWrongCard means the card on the field does not hold the transaction
// id a wipe was meant for.
var ErrWrongCard = errors.New("card holds a different transaction")

// Config holds tap timing.
type Config struct {
	Debounce          time.Duration `yaml:"debounce"`
	WipeWindow        time.Duration `yaml:"wipe_window"`
	WipeRetryInterval time.Duration `yaml:"wipe_retry_interval"`
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Debounce == 0 {
		c.Debounce = 2 * time.Second
	}
	if c.WipeWindow == 0 {
		c.WipeWindow = 10 * time.Second
	}
	if c.WipeRetryInterval == 0 {
		c.WipeRetryInterval = 250 * time.Millisecond
	}
}

// Pending is the part of the pending queue the dispatcher mutates.
type Pending interface {
	PeekFront() (string, bool)
	PopFront() (string, error)
}

// Outbox takes fire-and-forget ledger records.
type Outbox interface {
	Enqueue(rec ledger.AsyncRecord)
}

// Dispatcher is the tap state machine. It is driven by the station run
// loop and is not safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	cards   card.Store
	pending Pending
	outbox  Outbox
	ind     indicator.Indicator
	clock   clock.Clock

	state   State
	session Session
}

// NewDispatcher creates an idle Dispatcher.
func NewDispatcher(cfg Config, cards card.Store, pending Pending, outbox Outbox, ind indicator.Indicator, clk clock.Clock) *Dispatcher {
	cfg.Defaults()
	return &Dispatcher{
		cfg:     cfg,
		cards:   cards,
		pending: pending,
		outbox:  outbox,
		ind:     ind,
		clock:   clk,
	}
}

// State returns the current state.
func (d *Dispatcher) State() State {
	return d.state
}

// Session returns the last accepted tap.
func (d *Dispatcher) Session() Session {
	return d.session
}

// HandleTap runs one presence event of c to completion.
func (d *Dispatcher) HandleTap(ctx context.Context, c *card.Card) Result {
	if d.state != Idle {
		return Result{Outcome: OutcomeBusy, CardID: c.ID}
	}
	defer d.setState(Idle)
	d.setState(Probing)

	now := d.clock.Now()
	if d.session.repeats(c.ID, now, d.cfg.Debounce) {
		return Result{Outcome: OutcomeDebounced, CardID: c.ID}
	}
	d.session = Session{PhysicalID: c.ID, LastSeenAt: now}

	d.setState(Classifying)
	slot, err := d.cards.ReadSlot(ctx, c)
	if err != nil {
		d.ind.Error()
		return d.result(OutcomeReadFailed, c, "", fmt.Errorf("classify %s: %w", c.ID, err))
	}
	if card.IsBlank(slot) {
		return d.writeLoan(ctx, c)
	}
	return d.readReturn(ctx, c)
}

func (d *Dispatcher) writeLoan(ctx context.Context, c *card.Card) Result {
	d.setState(WritingLoan)

	id, ok := d.pending.PeekFront()
	if !ok {
		d.ind.Error()
		return d.result(OutcomeQueueEmpty, c, "", nil)
	}

	data, err := card.EncodeSlot(id)
	if err != nil {
		d.ind.Error()
		return d.result(OutcomeWriteFailed, c, id, err)
	}
	if err := d.cards.WriteSlot(ctx, c, data); err != nil {
		d.ind.Error()
		return d.result(OutcomeWriteFailed, c, id, fmt.Errorf("write %s: %w", id, err))
	}

	if _, err := d.pending.PopFront(); err != nil {
		// The queue still holds id; blank the card again so it is not
		// handed out twice.
		if werr := d.cards.WriteSlot(ctx, c, card.BlankSlot()); werr != nil {
			log.WithField("card", c.ID).Errorf("Could not blank card after storage failure: %v", werr)
		}
		d.ind.Error()
		return d.result(OutcomeStorageFailed, c, id, err)
	}

	d.outbox.Enqueue(ledger.Async(id, ledger.EventConfirmBorrow, nil))
	d.ind.Success()
	return d.result(OutcomeLoanWritten, c, id, nil)
}

func (d *Dispatcher) readReturn(ctx context.Context, c *card.Card) Result {
	d.setState(ReadingReturn)

	slot, err := d.cards.ReadSlot(ctx, c)
	if err != nil {
		d.ind.Error()
		return d.result(OutcomeInconsistent, c, "", fmt.Errorf("read id: %w", err))
	}
	id := card.DecodeSlot(slot)
	if err := card.ValidateID(id); err != nil {
		d.ind.Error()
		return d.result(OutcomeInconsistent, c, "", err)
	}

	d.ind.Processing()
	d.outbox.Enqueue(ledger.Async(id, ledger.EventConfirmReturn, nil))
	return d.result(OutcomeReturnSurfaced, c, id, nil)
}

// Wipe blanks the card on the field, retrying until it succeeds or the
// wipe window elapses. When expect is not empty only a card holding that
// transaction id is blanked. It is not triggered by taps; the return
// flow and the manual wipe call it.
func (d *Dispatcher) Wipe(ctx context.Context, expect string) error {
	deadline := d.clock.Now().Add(d.cfg.WipeWindow)
	attempts := 0
	var lastErr error

	for {
		attempts++
		c, err := d.wipeOnce(ctx, expect)
		if err == nil {
			log.WithFields(log.Fields{"card": c.ID, "attempts": attempts}).Info("Card wiped")
			d.ind.Accepted()
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !d.clock.Now().Add(d.cfg.WipeRetryInterval).Before(deadline) {
			break
		}
		d.clock.Sleep(d.cfg.WipeRetryInterval)
	}

	log.WithField("attempts", attempts).Warnf("Wipe gave up: %v", lastErr)
	d.ind.Error()
	return fmt.Errorf("%w after %d attempts: %v", ErrWipeTimeout, attempts, lastErr)
}

func (d *Dispatcher) wipeOnce(ctx context.Context, expect string) (*card.Card, error) {
	c, err := d.cards.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if expect != "" {
		slot, err := d.cards.ReadSlot(ctx, c)
		if err != nil {
			return nil, err
		}
		if got := card.DecodeSlot(slot); got != expect {
			return nil, fmt.Errorf("%w: %s has %q, want %q", ErrWrongCard, c.ID, got, expect)
		}
	}
	if err := d.cards.WriteSlot(ctx, c, card.BlankSlot()); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadCard returns the raw slot of the card on the field.
func (d *Dispatcher) ReadCard(ctx context.Context) ([]byte, error) {
	c, err := d.cards.Probe(ctx)
	if err != nil {
		return nil, err
	}
	return d.cards.ReadSlot(ctx, c)
}

func (d *Dispatcher) setState(s State) {
	d.state = s
}

func (d *Dispatcher) result(o Outcome, c *card.Card, id string, err error) Result {
	logger := log.WithFields(log.Fields{"card": c.ID, "outcome": o})
	if id != "" {
		logger = logger.WithField("uid", id)
	}
	if err != nil {
		logger.Warnf("Tap: %v", err)
	} else {
		logger.Info("Tap")
	}
	return Result{Outcome: o, CardID: c.ID, TransactionID: id, Err: err}
}
