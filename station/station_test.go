package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labtrack/card"
	"labtrack/clock"
	"labtrack/indicator"
	"labtrack/ledger"
	"labtrack/pending"
	"labtrack/tap"
)

// fakeLedger answers per event type, Accepted by default.
type fakeLedger struct {
	mu     sync.Mutex
	byType map[ledger.EventType]ledger.Outcome
	sent   []ledger.Record
}

func (l *fakeLedger) Send(_ context.Context, rec ledger.Record) ledger.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, rec)
	if o, ok := l.byType[rec.Type]; ok {
		return o
	}
	return ledger.Accepted
}

func (l *fakeLedger) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, r := range l.sent {
		out = append(out, r.UID+":"+string(r.Type))
	}
	return out
}

// listIDs hands out ids in order, then repeats the last one.
type listIDs struct {
	ids []string
}

func (g *listIDs) NewID() string {
	id := g.ids[0]
	if len(g.ids) > 1 {
		g.ids = g.ids[1:]
	}
	return id
}

// seqIDs yields TX-0007, TX-0008, ...
type seqIDs struct {
	next int
}

func (g *seqIDs) NewID() string {
	id := fmt.Sprintf("TX-%04d", g.next)
	g.next++
	return id
}

type failingStore struct {
	fail bool
}

func (s *failingStore) Restore() []string { return nil }

func (s *failingStore) Persist([]string) error {
	if s.fail {
		return errors.New("read-only filesystem")
	}
	return nil
}

type recordingObserver struct {
	taps   []tap.Outcome
	wipes  []WipeReport
	ledger []ledger.Outcome
}

func (o *recordingObserver) TapResult(res tap.Result)      { o.taps = append(o.taps, res.Outcome) }
func (o *recordingObserver) WipeResult(report WipeReport) { o.wipes = append(o.wipes, report) }
func (o *recordingObserver) LedgerResult(_ ledger.Record, outcome ledger.Outcome) {
	o.ledger = append(o.ledger, outcome)
}

type harness struct {
	st     *Station
	cards  *card.Memory
	ledger *fakeLedger
	ind    *indicator.Recorder
	clock  *clock.Fake
}

func newHarness(t *testing.T, store pending.Store, ids IDGenerator) *harness {
	t.Helper()

	h := &harness{
		cards:  card.NewMemory(),
		ledger: &fakeLedger{byType: map[ledger.EventType]ledger.Outcome{}},
		ind:    &indicator.Recorder{},
		clock:  clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	if store == nil {
		store = pending.NewFileStore(filepath.Join(t.TempDir(), "pending_queue.json"))
	}
	if ids == nil {
		ids = &seqIDs{next: 7}
	}
	st, err := New(Config{}, h.cards, store, h.ledger, h.ind, WithClock(h.clock), WithIDGenerator(ids))
	require.NoError(t, err)
	h.st = st
	return h
}

// await runs fn on another goroutine while stepping the loop until fn
// returns.
func await[T any](t *testing.T, h *harness, fn func(ctx context.Context) T) T {
	t.Helper()

	ch := make(chan T, 1)
	go func() { ch <- fn(context.Background()) }()
	for i := 0; i < 5000; i++ {
		h.st.Step(context.Background())
		select {
		case v := <-ch:
			return v
		case <-time.After(time.Millisecond):
		}
	}
	t.Fatal("loop never serviced the command")
	return *new(T)
}

type loanReply struct {
	id  string
	err error
}

func (h *harness) requestLoan(t *testing.T, payload string) loanReply {
	t.Helper()
	return await(t, h, func(ctx context.Context) loanReply {
		id, err := h.st.RequestLoan(ctx, json.RawMessage(payload))
		return loanReply{id, err}
	})
}

type returnReply struct {
	out ReturnOutcome
	err error
}

func (h *harness) finalize(t *testing.T, id string) returnReply {
	t.Helper()
	return await(t, h, func(ctx context.Context) returnReply {
		out, err := h.st.FinalizeReturn(ctx, id, json.RawMessage(`{"condition":"good"}`))
		return returnReply{out, err}
	})
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap := await(t, h, func(ctx context.Context) Snapshot {
		s, err := h.st.Snapshot(ctx)
		assert.NoError(t, err)
		return s
	})
	return snap
}

// records returns every ledger record so far, delivered or not, in order.
func (h *harness) records() []ledger.Record {
	h.ledger.mu.Lock()
	out := append([]ledger.Record(nil), h.ledger.sent...)
	h.ledger.mu.Unlock()
	return append(out, h.st.syncer.Items()...)
}

func (h *harness) slot(t *testing.T, id string) []byte {
	t.Helper()
	slot, ok := h.cards.Slot(id)
	require.True(t, ok)
	return slot
}

func TestStation_LoanEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	reply := h.requestLoan(t, `{"name":"Ada","item":"scope"}`)
	require.NoError(t, reply.err)
	assert.Equal(t, "TX-0007", reply.id)
	assert.Equal(t, []string{"TX-0007"}, h.st.queue.Items())
	borrow := ledger.Record{
		UID:     "TX-0007",
		Type:    ledger.EventBorrow,
		Payload: json.RawMessage(`{"name":"Ada","item":"scope"}`),
	}
	assert.Equal(t, []ledger.Record{borrow}, h.records())

	h.cards.Present("blank-1")
	h.st.Step(context.Background())

	assert.Equal(t, "TX-0007", card.DecodeSlot(h.slot(t, "blank-1")))
	assert.Equal(t, "success", h.ind.Last())
	assert.Empty(t, h.st.queue.Items())
	assert.Equal(t, []ledger.Record{borrow, {UID: "TX-0007", Type: ledger.EventConfirmBorrow}}, h.records())

	h.st.Step(context.Background())
	assert.Equal(t, []string{"TX-0007:borrow", "TX-0007:confirm_borrow"}, h.ledger.types())
	assert.Zero(t, h.st.syncer.Len())
}

func TestStation_ReturnAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	stored, err := card.EncodeSlot("TX-0007")
	require.NoError(t, err)
	h.cards.Put("c1", stored)
	h.cards.Present("c1")

	h.st.Step(context.Background())
	assert.Equal(t, "processing", h.ind.Last())
	assert.Equal(t, "TX-0007", h.st.LastReturn())

	reply := h.finalize(t, "TX-0007")
	require.NoError(t, reply.err)
	assert.True(t, reply.out.Accepted)
	assert.Equal(t, ledger.Accepted, reply.out.Ledger)

	assert.Equal(t, card.BlankSlot(), h.slot(t, "c1"))
	assert.Equal(t, "accepted", h.ind.Last())
	assert.Empty(t, h.st.LastReturn())
	assert.Contains(t, h.ledger.types(), "TX-0007:return_inspection")

	snap := h.snapshot(t)
	require.NotNil(t, snap.LastWipe)
	assert.True(t, snap.LastWipe.OK)
	assert.Equal(t, "TX-0007", snap.LastWipe.UID)
	assert.False(t, snap.WipePending)
}

func TestStation_ReturnWipeSparesSwappedCard(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.cards.Put("c1", mustEncode(t, "TX-0007"))
	h.cards.Put("c2", mustEncode(t, "TX-0099"))
	h.cards.Present("c2")

	reply := h.finalize(t, "TX-0007")
	require.NoError(t, reply.err)
	assert.True(t, reply.out.Accepted)

	assert.Equal(t, "TX-0099", card.DecodeSlot(h.slot(t, "c2")), "another borrower's record is kept")
	assert.Equal(t, "TX-0007", card.DecodeSlot(h.slot(t, "c1")))

	snap := h.snapshot(t)
	require.NotNil(t, snap.LastWipe)
	assert.False(t, snap.LastWipe.OK)
	assert.Equal(t, "TX-0007", snap.LastWipe.UID)
	assert.Contains(t, snap.LastWipe.Error, tap.ErrWrongCard.Error())
}

func mustEncode(t *testing.T, id string) []byte {
	t.Helper()
	slot, err := card.EncodeSlot(id)
	require.NoError(t, err)
	return slot
}

func TestStation_ReturnNotWipedWithoutLedger(t *testing.T) {
	t.Parallel()

	for _, outcome := range []ledger.Outcome{ledger.NetworkFailure, ledger.Rejected} {
		t.Run(outcome.String(), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil, nil)
			h.ledger.byType[ledger.EventReturnInspection] = outcome
			stored, err := card.EncodeSlot("TX-0007")
			require.NoError(t, err)
			h.cards.Put("c1", stored)
			h.cards.Present("c1")

			reply := h.finalize(t, "TX-0007")
			require.NoError(t, reply.err)
			assert.False(t, reply.out.Accepted)
			assert.Equal(t, outcome, reply.out.Ledger)

			h.st.Step(context.Background())
			assert.Equal(t, "TX-0007", card.DecodeSlot(h.slot(t, "c1")))
			assert.NotContains(t, h.ind.Cues(), "accepted")

			snap := h.snapshot(t)
			assert.Nil(t, snap.LastWipe)
			assert.False(t, snap.WipePending)
		})
	}
}

func TestStation_FinalizeReturnValidatesID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	_, err := h.st.FinalizeReturn(context.Background(), "", nil)
	require.ErrorIs(t, err, card.ErrInvalidID)

	_, err = h.st.FinalizeReturn(context.Background(), "TX-0000000000000000", nil)
	require.ErrorIs(t, err, card.ErrInvalidID)
	assert.Empty(t, h.ledger.types())
}

func TestStation_RequestLoanStorageFailure(t *testing.T) {
	t.Parallel()

	store := &failingStore{fail: true}
	h := newHarness(t, store, nil)

	reply := h.requestLoan(t, `{}`)
	require.Error(t, reply.err)
	assert.Empty(t, reply.id)
	assert.Zero(t, h.st.queue.Len())
	assert.Zero(t, h.st.syncer.Len(), "nothing reaches the ledger for an unpersisted loan")
}

func TestStation_RequestLoanRegeneratesOnCollision(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, &listIDs{ids: []string{"TX-1", "TX-1", "TX-1", "TX-2"}})

	first := h.requestLoan(t, `{}`)
	second := h.requestLoan(t, `{}`)
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, "TX-1", first.id)
	assert.Equal(t, "TX-2", second.id)
}

func TestStation_RequestLoanNoFreeID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, &listIDs{ids: []string{"TX-1"}})

	require.NoError(t, h.requestLoan(t, `{}`).err)
	assert.ErrorIs(t, h.requestLoan(t, `{}`).err, ErrNoFreeID)
}

func TestStation_RandomIDsFitSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, RandomIDs{Prefix: "CATS-", Length: 6})
	reply := h.requestLoan(t, `{}`)
	require.NoError(t, reply.err)
	assert.Regexp(t, `^CATS-[A-Z0-9]{6}$`, reply.id)
	assert.NoError(t, card.ValidateID(reply.id))
}

func TestNew_RejectsOversizedIDs(t *testing.T) {
	t.Parallel()

	_, err := New(Config{IDPrefix: "LABTRACK-LOAN-", IDLength: 6}, card.NewMemory(), &failingStore{}, &fakeLedger{}, &indicator.Noop{})
	require.Error(t, err)
}

func TestStation_RestoresPendingAcrossRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending_queue.json")

	h := newHarness(t, pending.NewFileStore(path), nil)
	require.NoError(t, h.requestLoan(t, `{}`).err)
	require.NoError(t, h.requestLoan(t, `{}`).err)

	restarted := newHarness(t, pending.NewFileStore(path), &seqIDs{next: 100})
	assert.Equal(t, []string{"TX-0007", "TX-0008"}, restarted.snapshot(t).Pending)

	// The restored front is the next one written.
	restarted.cards.Present("blank")
	restarted.st.Step(context.Background())
	assert.Equal(t, "TX-0007", card.DecodeSlot(restarted.slot(t, "blank")))
}

func TestStation_ManualWipe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	obs := &recordingObserver{}
	h.st.SetObserver(obs)

	stored, err := card.EncodeSlot("LEFTOVER")
	require.NoError(t, err)
	h.cards.Put("c1", stored)
	h.cards.Present("c1")
	h.st.Step(context.Background()) // surfaces the card
	h.ind.Reset()

	require.NoError(t, await(t, h, func(ctx context.Context) error { return h.st.ManualWipe(ctx) }))

	assert.Equal(t, card.BlankSlot(), h.slot(t, "c1"))
	assert.Equal(t, []string{"accepted"}, h.ind.Cues())
	require.Len(t, obs.wipes, 1)
	assert.True(t, obs.wipes[0].OK)
	assert.Equal(t, []tap.Outcome{tap.OutcomeReturnSurfaced}, obs.taps)
}

func TestStation_ManualWipeWithoutCardGivesUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	start := h.clock.Now()

	require.NoError(t, await(t, h, func(ctx context.Context) error { return h.st.ManualWipe(ctx) }))

	snap := h.snapshot(t)
	require.NotNil(t, snap.LastWipe)
	assert.False(t, snap.LastWipe.OK)
	assert.Contains(t, snap.LastWipe.Error, tap.ErrWipeTimeout.Error())
	assert.LessOrEqual(t, h.clock.Now().Sub(start), 10*time.Second)
	assert.Equal(t, "error", h.ind.Last())
}

func TestStation_ManualRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	type readReply struct {
		slot []byte
		err  error
	}
	read := func() readReply {
		return await(t, h, func(ctx context.Context) readReply {
			slot, err := h.st.ManualRead(ctx)
			return readReply{slot, err}
		})
	}

	assert.ErrorIs(t, read().err, card.ErrNoCard)

	stored, err := card.EncodeSlot("TX-0042")
	require.NoError(t, err)
	h.cards.Put("c1", stored)
	h.cards.Present("c1")
	got := read()
	require.NoError(t, got.err)
	assert.Equal(t, "TX-0042", card.DecodeSlot(got.slot))
}

func TestStation_ObserverSeesLedger(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.ledger.byType[ledger.EventBorrow] = ledger.NetworkFailure
	obs := &recordingObserver{}
	h.st.SetObserver(obs)

	require.NoError(t, h.requestLoan(t, `{}`).err)
	h.st.Step(context.Background())

	assert.Equal(t, []ledger.Outcome{ledger.NetworkFailure}, obs.ledger)
	assert.Zero(t, h.st.syncer.Len(), "failed async record is dropped")
	assert.Equal(t, []string{"TX-0007"}, h.st.queue.Items(), "ledger failure never touches the pending queue")
}

func TestStation_RunServicesCommandsUntilCancelled(t *testing.T) {
	t.Parallel()

	store := pending.NewFileStore(filepath.Join(t.TempDir(), "q.json"))
	st, err := New(Config{PollInterval: 2 * time.Millisecond}, card.NewMemory(), store, &fakeLedger{}, &indicator.Noop{}, WithIDGenerator(&seqIDs{next: 1}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	id, err := st.RequestLoan(callCtx, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "TX-0001", id)

	snap, err := st.Snapshot(callCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"TX-0001"}, snap.Pending)
	assert.Equal(t, "idle", snap.State)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	_, err = st.RequestLoan(context.Background(), nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStation_CallerContextBoundsWait(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Nobody steps the loop.
	_, err := h.st.RequestLoan(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.st.queue.Len())
}
