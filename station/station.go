// Package station runs the single-threaded control loop: card polling,
// ledger draining and network commands all happen on one goroutine,
// which is the only owner of the pending queue, the ledger outbox and
// the tap dispatcher.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"labtrack/card"
	"labtrack/clock"
	"labtrack/indicator"
	"labtrack/ledger"
	"labtrack/pending"
	"labtrack/tap"
)

var (
	// ErrStopped is returned by network operations once Run has returned.
	ErrStopped = errors.New("station stopped")

	// ErrNoFreeID means the generator kept colliding with pending loans.
	ErrNoFreeID = errors.New("no free transaction id")
)

// maxIDAttempts bounds regeneration on collision.
const maxIDAttempts = 64

// Config holds station settings.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	QueueFile    string        `yaml:"queue_file"`
	IDPrefix     string        `yaml:"id_prefix"`
	IDLength     int           `yaml:"id_length"` // random suffix length

	Tap    tap.Config    `yaml:"-"`
	Ledger ledger.Config `yaml:"-"`
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.QueueFile == "" {
		c.QueueFile = "pending_queue.json"
	}
	if c.IDPrefix == "" {
		c.IDPrefix = "CATS-"
	}
	if c.IDLength == 0 {
		c.IDLength = 6
	}
	c.Tap.Defaults()
	c.Ledger.Defaults()
}

// Observer is told about effective taps, wipes and ledger deliveries.
// Calls happen on the loop goroutine and must not block.
type Observer interface {
	TapResult(res tap.Result)
	WipeResult(report WipeReport)
	LedgerResult(rec ledger.Record, outcome ledger.Outcome)
}

type noopObserver struct{}

func (noopObserver) TapResult(tap.Result)                       {}
func (noopObserver) WipeResult(WipeReport)                      {}
func (noopObserver) LedgerResult(ledger.Record, ledger.Outcome) {}

// WipeReport describes the last deferred wipe.
type WipeReport struct {
	At    time.Time `json:"at"`
	UID   string    `json:"uid,omitempty"` // set for the wipe of a finalized return
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

// ReturnOutcome is the answer to FinalizeReturn.
type ReturnOutcome struct {
	Accepted bool
	Ledger   ledger.Outcome
}

// Snapshot is a consistent view of loop-owned state.
type Snapshot struct {
	State       string      `json:"state"`
	Pending     []string    `json:"pending"`
	Outbox      int         `json:"outbox"`
	LastReturn  string      `json:"last_return,omitempty"`
	WipePending bool        `json:"wipe_pending"`
	LastWipe    *WipeReport `json:"last_wipe,omitempty"`
}

// Option configures a Station.
type Option func(*Station)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(s *Station) { s.clock = c }
}

// WithIDGenerator replaces the random id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Station) { s.ids = g }
}

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Station owns the loan state and the loop that mutates it.
type Station struct {
	cfg      Config
	cards    card.Store
	queue    *pending.Queue
	syncer   *ledger.Syncer
	disp     *tap.Dispatcher
	ind      indicator.Indicator
	clock    clock.Clock
	ids      IDGenerator
	observer Observer

	cmds    chan command
	stopped chan struct{}
	once    sync.Once

	// Loop-owned.
	wipeRequested bool
	wipeFor       string // transaction the wipe is restricted to, "" for any card
	lastWipe      *WipeReport

	mu         sync.Mutex
	lastReturn string
}

// New restores the pending queue from store and assembles a Station. The
// restore happens here so that it always precedes the first tap.
func New(cfg Config, cards card.Store, store pending.Store, client ledger.Client, ind indicator.Indicator, opts ...Option) (*Station, error) {
	cfg.Defaults()
	if len(cfg.IDPrefix)+cfg.IDLength > card.SlotSize {
		return nil, fmt.Errorf("id prefix %q with %d random chars exceeds %d bytes", cfg.IDPrefix, cfg.IDLength, card.SlotSize)
	}

	s := &Station{
		cfg:      cfg,
		cards:    cards,
		ind:      ind,
		clock:    clock.Real(),
		ids:      RandomIDs{Prefix: cfg.IDPrefix, Length: cfg.IDLength},
		observer: noopObserver{},
		cmds:     make(chan command),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.queue = pending.Restore(store)
	s.syncer = ledger.NewSyncer(client, cfg.Ledger)
	s.syncer.SetHook(func(rec ledger.Record, outcome ledger.Outcome) {
		s.observer.LedgerResult(rec, outcome)
	})
	s.disp = tap.NewDispatcher(cfg.Tap, cards, s.queue, s.syncer, ind, s.clock)
	return s, nil
}

// SetObserver installs o. Call before Run.
func (s *Station) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	s.observer = o
}

// Run calls Step every poll interval until ctx is cancelled. Run must be
// called at most once.
func (s *Station) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.stopped) })

	s.ind.Idle()
	log.WithField("pending", s.queue.Len()).Info("Station running")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.ind.Shutdown()
			return nil
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

// Step runs one loop iteration: at most one tap, then at most one
// ledger delivery, then at most one network command followed by any
// deferred wipe.
func (s *Station) Step(ctx context.Context) {
	c, err := s.cards.Probe(ctx)
	switch {
	case err == nil:
		res := s.disp.HandleTap(ctx, c)
		if res.Outcome == tap.OutcomeReturnSurfaced {
			s.setLastReturn(res.TransactionID)
		}
		if res.Effective() {
			s.observer.TapResult(res)
		}
	case !errors.Is(err, card.ErrNoCard):
		log.Debugf("Probe: %v", err)
	}

	s.syncer.DrainOne(ctx)

	select {
	case cmd := <-s.cmds:
		cmd.fn(ctx)
		close(cmd.done)
	default:
	}

	if s.wipeRequested {
		expect := s.wipeFor
		s.wipeRequested, s.wipeFor = false, ""
		s.wipe(ctx, expect)
	}
}

func (s *Station) wipe(ctx context.Context, expect string) {
	report := WipeReport{UID: expect, OK: true}
	if err := s.disp.Wipe(ctx, expect); err != nil {
		report.OK = false
		report.Error = err.Error()
	}
	report.At = s.clock.Now()
	s.lastWipe = &report
	s.observer.WipeResult(report)
}

// do runs fn on the loop goroutine and waits for it. If ctx ends after
// the loop picked fn up, fn still completes.
func (s *Station) do(ctx context.Context, fn func(ctx context.Context)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestLoan assigns a new transaction id, queues it for the next blank
// card and schedules a borrow record carrying payload.
func (s *Station) RequestLoan(ctx context.Context, payload json.RawMessage) (string, error) {
	var id string
	var opErr error
	err := s.do(ctx, func(context.Context) {
		id, opErr = s.newID()
		if opErr != nil {
			return
		}
		if opErr = s.queue.PushBack(id); opErr != nil {
			return
		}
		s.syncer.Enqueue(ledger.Async(id, ledger.EventBorrow, payload))
		log.WithField("uid", id).Info("Loan requested")
	})
	if err != nil {
		return "", err
	}
	if opErr != nil {
		return "", opErr
	}
	return id, nil
}

// newID draws ids until one is not in the pending queue. Ids already
// written to cards are not known to the station and are not checked; the
// random suffix makes a repeat unlikely, not impossible.
func (s *Station) newID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.ids.NewID()
		if err := card.ValidateID(id); err != nil {
			return "", err
		}
		if !s.queue.Contains(id) {
			return id, nil
		}
	}
	return "", ErrNoFreeID
}

// FinalizeReturn records the inspection of a returned card with the
// ledger and, only if the ledger accepted it, schedules the wipe of the
// card on the field. The loop is blocked for at most the ledger timeout.
func (s *Station) FinalizeReturn(ctx context.Context, id string, payload json.RawMessage) (ReturnOutcome, error) {
	if err := card.ValidateID(id); err != nil {
		return ReturnOutcome{}, err
	}

	var out ReturnOutcome
	err := s.do(ctx, func(ctx context.Context) {
		out.Ledger = s.syncer.SendAndWait(ctx, ledger.Sync(id, ledger.EventReturnInspection, payload))
		out.Accepted = out.Ledger == ledger.Accepted
		logger := log.WithFields(log.Fields{"uid": id, "ledger": out.Ledger})
		if !out.Accepted {
			logger.Warn("Return not recorded, card kept")
			return
		}
		logger.Info("Return recorded, wipe scheduled")
		s.wipeRequested, s.wipeFor = true, id
		s.clearLastReturn(id)
	})
	if err != nil {
		return ReturnOutcome{}, err
	}
	return out, nil
}

// ManualRead returns the raw slot of the card on the field.
func (s *Station) ManualRead(ctx context.Context) ([]byte, error) {
	var slot []byte
	var opErr error
	if err := s.do(ctx, func(ctx context.Context) {
		slot, opErr = s.disp.ReadCard(ctx)
	}); err != nil {
		return nil, err
	}
	return slot, opErr
}

// ManualWipe schedules a wipe of the card on the field. The outcome is
// reported through the observer and Snapshot.
func (s *Station) ManualWipe(ctx context.Context) error {
	return s.do(ctx, func(context.Context) {
		log.Info("Manual wipe scheduled")
		s.wipeRequested, s.wipeFor = true, ""
	})
}

// Snapshot returns loop-owned state for status reporting.
func (s *Station) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func(context.Context) {
		snap = Snapshot{
			State:       s.disp.State().String(),
			Pending:     s.queue.Items(),
			Outbox:      s.syncer.Len(),
			LastReturn:  s.LastReturn(),
			WipePending: s.wipeRequested,
		}
		if s.lastWipe != nil {
			w := *s.lastWipe
			snap.LastWipe = &w
		}
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// LastReturn returns the most recently surfaced transaction id that has
// not been finalized yet, or "".
func (s *Station) LastReturn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReturn
}

func (s *Station) setLastReturn(id string) {
	s.mu.Lock()
	s.lastReturn = id
	s.mu.Unlock()
}

func (s *Station) clearLastReturn(id string) {
	s.mu.Lock()
	if s.lastReturn == id {
		s.lastReturn = ""
	}
	s.mu.Unlock()
}
