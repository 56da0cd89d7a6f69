// Package ledger informs the remote ledger of loan and return events.
//
// Two delivery disciplines exist and are chosen by type at the call site:
// a SyncRecord is sent with SendAndWait, which blocks until the ledger
// answered or the timeout expired; an AsyncRecord is enqueued and
// delivered later, one at a time, by DrainOne. Async delivery is best
// effort: a record that fails is dropped once it used its attempts.
package ledger

import "encoding/json"

// EventType names a ledger event.
type EventType string

// Ledger event types.
const (
	EventBorrow           EventType = "borrow"
	EventConfirmBorrow    EventType = "confirm_borrow"
	EventReturnInspection EventType = "return_inspection"
	EventConfirmReturn    EventType = "confirm_return"
)

// Record is the wire record posted to the ledger.
type Record struct {
	UID     string          `json:"uid"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SyncRecord is a record whose sender must observe the outcome before
// changing physical state.
type SyncRecord struct {
	Record
}

// AsyncRecord is a fire-and-forget record.
type AsyncRecord struct {
	Record
}

// Sync wraps a record for SendAndWait.
func Sync(uid string, typ EventType, payload json.RawMessage) SyncRecord {
	return SyncRecord{Record{UID: uid, Type: typ, Payload: payload}}
}

// Async wraps a record for Enqueue.
func Async(uid string, typ EventType, payload json.RawMessage) AsyncRecord {
	return AsyncRecord{Record{UID: uid, Type: typ, Payload: payload}}
}

// Outcome is the result of one delivery attempt.
type Outcome int

// Delivery outcomes. Transport and bad-status failures are both
// NetworkFailure; the distinction is only logged.
const (
	Accepted Outcome = iota
	Rejected
	NetworkFailure
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case NetworkFailure:
		return "network_failure"
	default:
		return "unknown"
	}
}
