package ledger

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Hook observes every delivery attempt. Used to mirror ledger traffic
// onto MQTT.
type Hook func(rec Record, outcome Outcome)

type entry struct {
	rec      AsyncRecord
	attempts int
}

// Syncer is the outbound side of the station: SendAndWait for records
// that gate a physical change, and an in-memory FIFO for fire-and-forget
// records. Syncer is owned by the station run loop and is not safe for
// concurrent use.
type Syncer struct {
	client       Client
	timeout      time.Duration
	drainTimeout time.Duration
	capacity     int
	maxAttempts  int
	queue        []entry
	hook         Hook
}

// NewSyncer creates a Syncer delivering through client.
func NewSyncer(client Client, cfg Config) *Syncer {
	cfg.Defaults()
	return &Syncer{
		client:       client,
		timeout:      cfg.Timeout,
		drainTimeout: cfg.DrainTimeout,
		capacity:     cfg.OutboxCapacity,
		maxAttempts:  cfg.MaxAttempts,
	}
}

// SetHook installs a delivery observer.
func (s *Syncer) SetHook(h Hook) {
	s.hook = h
}

// SendAndWait delivers rec and blocks until the ledger answered or the
// configured timeout expired. A timeout yields NetworkFailure.
func (s *Syncer) SendAndWait(ctx context.Context, rec SyncRecord) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	outcome := s.client.Send(ctx, rec.Record)
	log.WithFields(log.Fields{"uid": rec.UID, "type": rec.Type}).Infof("Ledger sync send: %s", outcome)
	s.notify(rec.Record, outcome)
	return outcome
}

// Enqueue appends rec for later delivery. It never blocks and never
// fails; at capacity the oldest record is dropped.
func (s *Syncer) Enqueue(rec AsyncRecord) {
	if s.capacity > 0 && len(s.queue) >= s.capacity {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		log.WithFields(log.Fields{"uid": dropped.rec.UID, "type": dropped.rec.Type}).
			Warn("Outbox full, dropping oldest record")
	}
	s.queue = append(s.queue, entry{rec: rec})
}

// DrainOne attempts delivery of the queue head. The head is removed when
// accepted, or when it failed and has used all of its attempts; records
// are never reordered. Reports whether a record was attempted.
func (s *Syncer) DrainOne(ctx context.Context) bool {
	if len(s.queue) == 0 {
		return false
	}

	head := &s.queue[0]
	head.attempts++

	ctx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()
	outcome := s.client.Send(ctx, head.rec.Record)
	s.notify(head.rec.Record, outcome)

	logger := log.WithFields(log.Fields{
		"uid":      head.rec.UID,
		"type":     head.rec.Type,
		"attempts": head.attempts,
	})
	switch {
	case outcome == Accepted:
		logger.Info("Ledger record delivered")
		s.queue = s.queue[1:]
	case head.attempts >= s.maxAttempts:
		logger.Warnf("Ledger record dropped: %s", outcome)
		s.queue = s.queue[1:]
	default:
		logger.Infof("Ledger record kept for retry: %s", outcome)
	}
	return true
}

// Len returns the number of undelivered async records.
func (s *Syncer) Len() int {
	return len(s.queue)
}

// Items returns the undelivered async records in delivery order.
func (s *Syncer) Items() []Record {
	out := make([]Record, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, e.rec.Record)
	}
	return out
}

func (s *Syncer) notify(rec Record, outcome Outcome) {
	if s.hook != nil {
		s.hook(rec, outcome)
	}
}
