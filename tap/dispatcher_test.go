package tap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labtrack/card"
	"labtrack/clock"
	"labtrack/indicator"
	"labtrack/ledger"
	"labtrack/pending"
)

var errDisk = errors.New("disk full")

// memStore is a pending.Store kept in memory.
type memStore struct {
	saved     []string
	fail      bool
	onPersist func()
}

func (s *memStore) Restore() []string { return append([]string(nil), s.saved...) }

func (s *memStore) Persist(items []string) error {
	if s.onPersist != nil {
		s.onPersist()
	}
	if s.fail {
		return errDisk
	}
	s.saved = append([]string(nil), items...)
	return nil
}

type outbox struct {
	records []ledger.Record
}

func (o *outbox) Enqueue(rec ledger.AsyncRecord) {
	o.records = append(o.records, rec.Record)
}

type fixture struct {
	cards  *card.Memory
	store  *memStore
	queue  *pending.Queue
	outbox *outbox
	ind    *indicator.Recorder
	clock  *clock.Fake
	d      *Dispatcher
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()

	f := &fixture{
		cards:  card.NewMemory(),
		store:  &memStore{},
		outbox: &outbox{},
		ind:    &indicator.Recorder{},
		clock:  clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.queue = pending.Restore(f.store)
	for _, id := range ids {
		require.NoError(t, f.queue.PushBack(id))
	}
	f.d = NewDispatcher(Config{}, f.cards, f.queue, f.outbox, f.ind, f.clock)
	return f
}

// tap presents id and runs the dispatcher on it.
func (f *fixture) tap(t *testing.T, id string) Result {
	t.Helper()
	f.cards.Present(id)
	c, err := f.cards.Probe(context.Background())
	require.NoError(t, err)
	res := f.d.HandleTap(context.Background(), c)
	assert.Equal(t, Idle, f.d.State(), "dispatcher must end every tap idle")
	return res
}

func (f *fixture) slotText(t *testing.T, id string) string {
	t.Helper()
	slot, ok := f.cards.Slot(id)
	require.True(t, ok)
	return card.DecodeSlot(slot)
}

func mustSlot(t *testing.T, id string) []byte {
	t.Helper()
	slot, err := card.EncodeSlot(id)
	require.NoError(t, err)
	return slot
}

func TestHandleTap_WritesPendingInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TX-1", "TX-2", "TX-3")

	r1 := f.tap(t, "c1")
	f.clock.Advance(time.Second)
	r2 := f.tap(t, "c2")

	assert.Equal(t, OutcomeLoanWritten, r1.Outcome)
	assert.Equal(t, "TX-1", r1.TransactionID)
	assert.Equal(t, OutcomeLoanWritten, r2.Outcome)
	assert.Equal(t, "TX-2", r2.TransactionID)

	assert.Equal(t, []string{"TX-3"}, f.queue.Items())
	assert.Equal(t, []string{"TX-3"}, f.store.saved)
	assert.Equal(t, "TX-1", f.slotText(t, "c1"))
	assert.Equal(t, "TX-2", f.slotText(t, "c2"))
	assert.Equal(t, []string{"success", "success"}, f.ind.Cues())
	assert.Equal(t, []ledger.Record{
		{UID: "TX-1", Type: ledger.EventConfirmBorrow},
		{UID: "TX-2", Type: ledger.EventConfirmBorrow},
	}, f.outbox.records)
}

func TestHandleTap_Debounce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TX-1", "TX-2")

	require.Equal(t, OutcomeLoanWritten, f.tap(t, "c1").Outcome)
	f.ind.Reset()

	f.clock.Advance(1999 * time.Millisecond)
	res := f.tap(t, "c1")
	assert.Equal(t, OutcomeDebounced, res.Outcome)
	assert.False(t, res.Effective())
	assert.Empty(t, f.ind.Cues(), "debounced tap emits no feedback")
	assert.Len(t, f.outbox.records, 1, "debounced tap makes no ledger call")
	assert.Equal(t, []string{"TX-2"}, f.queue.Items())

	f.clock.Advance(time.Millisecond)
	res = f.tap(t, "c1")
	assert.Equal(t, OutcomeReturnSurfaced, res.Outcome, "window elapsed, card now read as a return")
	assert.Equal(t, "TX-1", res.TransactionID)
}

func TestHandleTap_DebounceIsPerCard(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TX-1", "TX-2")

	require.Equal(t, OutcomeLoanWritten, f.tap(t, "c1").Outcome)
	res := f.tap(t, "c2")
	assert.Equal(t, OutcomeLoanWritten, res.Outcome)
	assert.Equal(t, "c2", f.d.Session().PhysicalID)
}

func TestHandleTap_Classification(t *testing.T) {
	t.Parallel()

	trailing := card.BlankSlot()
	trailing[15] = 0x01

	tests := []struct {
		name    string
		slot    []byte
		want    Outcome
		wantCue string
	}{
		{name: "Blank", slot: card.BlankSlot(), want: OutcomeLoanWritten, wantCue: "success"},
		{name: "WellFormed", slot: mustSlot(t, "TX-0009"), want: OutcomeReturnSurfaced, wantCue: "processing"},
		{name: "StrayByte", slot: trailing, want: OutcomeInconsistent, wantCue: "error"},
		{name: "Garbage", slot: []byte{0xff, 0x01, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, want: OutcomeInconsistent, wantCue: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, "TX-1")
			f.cards.Put("c1", tt.slot)

			res := f.tap(t, "c1")
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, []string{tt.wantCue}, f.ind.Cues())
			if tt.want != OutcomeLoanWritten {
				assert.Equal(t, []string{"TX-1"}, f.queue.Items(), "non-blank card never consumes a pending loan")
			}
		})
	}
}

func TestHandleTap_QueueEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	res := f.tap(t, "c1")
	assert.Equal(t, OutcomeQueueEmpty, res.Outcome)
	assert.Equal(t, []string{"error"}, f.ind.Cues())
	assert.Empty(t, f.outbox.records)

	slot, _ := f.cards.Slot("c1")
	assert.True(t, card.IsBlank(slot))
}

func TestHandleTap_WriteFailureKeepsQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TX-1", "TX-2")
	f.cards.FailWrites(1)

	res := f.tap(t, "c1")
	assert.Equal(t, OutcomeWriteFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, card.ErrInjected)
	assert.Equal(t, []string{"TX-1", "TX-2"}, f.queue.Items())
	assert.Equal(t, []string{"error"}, f.ind.Cues())
	assert.Empty(t, f.outbox.records)

	// A different blank card gets the same front id.
	res = f.tap(t, "c2")
	assert.Equal(t, OutcomeLoanWritten, res.Outcome)
	assert.Equal(t, "TX-1", res.TransactionID)
}

func TestHandleTap_ReadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TX-1")
	f.cards.FailReads(1)

	res := f.tap(t, "c1")
	assert.Equal(t, OutcomeReadFailed, res.Outcome)
	assert.Equal(t, []string{"error"}, f.ind.Cues())
	assert.Equal(t, []string{"TX-1"}, f.queue.Items())
	assert.Empty(t, f.outbox.records)
}

func TestHandleTap_StorageFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TX-1")
	f.store.fail = true

	res := f.tap(t, "c1")
	assert.Equal(t, OutcomeStorageFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, errDisk)
	assert.Equal(t, []string{"TX-1"}, f.queue.Items())
	assert.Equal(t, []string{"TX-1"}, f.store.saved)
	assert.Equal(t, []string{"error"}, f.ind.Cues())
	assert.Empty(t, f.outbox.records)

	slot, _ := f.cards.Slot("c1")
	assert.True(t, card.IsBlank(slot), "card is blanked again so the id is not issued twice")
}

func TestHandleTap_SuccessAfterPersist(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TX-1")
	var cuesAtPersist []string
	f.store.onPersist = func() { cuesAtPersist = f.ind.Cues() }

	require.Equal(t, OutcomeLoanWritten, f.tap(t, "c1").Outcome)
	assert.Empty(t, cuesAtPersist, "no feedback before the queue is durable")
	assert.Equal(t, []string{"success"}, f.ind.Cues())
}

func TestHandleTap_ReturnSurfaced(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cards.Put("c1", mustSlot(t, "TX-0007"))

	res := f.tap(t, "c1")
	assert.Equal(t, OutcomeReturnSurfaced, res.Outcome)
	assert.Equal(t, "TX-0007", res.TransactionID)
	assert.Equal(t, []string{"processing"}, f.ind.Cues())
	assert.Equal(t, []ledger.Record{{UID: "TX-0007", Type: ledger.EventConfirmReturn}}, f.outbox.records)
	assert.Equal(t, "TX-0007", f.slotText(t, "c1"), "surfacing never touches the card")
}

// flakyStore fails the nth ReadSlot call (1-based).
type flakyStore struct {
	*card.Memory
	failRead int
	reads    int
	onRead   func()
}

func (s *flakyStore) ReadSlot(ctx context.Context, c *card.Card) ([]byte, error) {
	s.reads++
	if s.onRead != nil {
		s.onRead()
	}
	if s.reads == s.failRead {
		return nil, card.ErrAuth
	}
	return s.Memory.ReadSlot(ctx, c)
}

func TestHandleTap_UnreadableReturnIsInconsistent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	flaky := &flakyStore{Memory: f.cards, failRead: 2}
	f.d = NewDispatcher(Config{}, flaky, f.queue, f.outbox, f.ind, f.clock)
	f.cards.Put("c1", mustSlot(t, "TX-0007"))

	res := f.tap(t, "c1")
	assert.Equal(t, OutcomeInconsistent, res.Outcome)
	assert.ErrorIs(t, res.Err, card.ErrAuth)
	assert.Equal(t, []string{"error"}, f.ind.Cues())
	assert.Empty(t, f.outbox.records)
	assert.Equal(t, "TX-0007", f.slotText(t, "c1"), "inconsistent card is left alone")
}

func TestHandleTap_NotReentrant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TX-1")
	flaky := &flakyStore{Memory: f.cards}
	f.d = NewDispatcher(Config{}, flaky, f.queue, f.outbox, f.ind, f.clock)

	var nested Result
	flaky.onRead = func() {
		flaky.onRead = nil
		nested = f.d.HandleTap(context.Background(), &card.Card{ID: "c2"})
	}

	res := f.tap(t, "c1")
	assert.Equal(t, OutcomeLoanWritten, res.Outcome)
	assert.Equal(t, OutcomeBusy, nested.Outcome)
	assert.Equal(t, "c1", f.d.Session().PhysicalID)
}

func TestWipe(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cards.Put("c1", mustSlot(t, "TX-0007"))
	f.cards.Present("c1")

	require.NoError(t, f.d.Wipe(context.Background(), ""))

	slot, _ := f.cards.Slot("c1")
	assert.Equal(t, card.BlankSlot(), slot)
	assert.Equal(t, []string{"accepted"}, f.ind.Cues())
}

func TestWipe_RetriesUntilWritten(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cards.Put("c1", mustSlot(t, "TX-0007"))
	f.cards.Present("c1")
	f.cards.FailWrites(3)
	start := f.clock.Now()

	require.NoError(t, f.d.Wipe(context.Background(), ""))
	assert.Equal(t, 750*time.Millisecond, f.clock.Now().Sub(start))
	assert.Equal(t, []string{"accepted"}, f.ind.Cues())
}

func TestWipe_GivesUpAfterWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	start := f.clock.Now()

	err := f.d.Wipe(context.Background(), "")
	require.ErrorIs(t, err, ErrWipeTimeout)
	assert.ErrorContains(t, err, card.ErrNoCard.Error())

	elapsed := f.clock.Now().Sub(start)
	assert.LessOrEqual(t, elapsed, 10*time.Second)
	assert.Greater(t, elapsed, 9*time.Second)
	assert.Equal(t, []string{"error"}, f.ind.Cues())
}

func TestWipe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.d.Wipe(ctx, "")
	require.ErrorIs(t, err, ErrWipeTimeout)
	assert.Equal(t, f.clock.Now(), time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
}

func TestWipe_OnlyExpectedTransaction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cards.Put("c1", mustSlot(t, "TX-0007"))
	f.cards.Put("c2", mustSlot(t, "TX-0099"))
	f.cards.Present("c2")

	err := f.d.Wipe(context.Background(), "TX-0007")
	require.ErrorIs(t, err, ErrWipeTimeout)
	assert.ErrorContains(t, err, ErrWrongCard.Error())

	slot, _ := f.cards.Slot("c2")
	assert.Equal(t, "TX-0099", card.DecodeSlot(slot), "unrelated record survives")
	assert.Equal(t, []string{"error"}, f.ind.Cues())

	f.ind.Reset()
	f.cards.Present("c1")
	require.NoError(t, f.d.Wipe(context.Background(), "TX-0007"))
	slot, _ = f.cards.Slot("c1")
	assert.Equal(t, card.BlankSlot(), slot)
	assert.Equal(t, []string{"accepted"}, f.ind.Cues())
}

func TestReadCard(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.d.ReadCard(context.Background())
	require.ErrorIs(t, err, card.ErrNoCard)

	f.cards.Put("c1", mustSlot(t, "TX-0007"))
	f.cards.Present("c1")
	slot, err := f.d.ReadCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "TX-0007", card.DecodeSlot(slot))
}
