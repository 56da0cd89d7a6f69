package pending

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ErrEmpty is returned by PopFront on an empty queue.
var ErrEmpty = errors.New("pending queue empty")

// Queue is the FIFO of transaction ids waiting for a blank card.
// It is owned by the station run loop and is not safe for concurrent use.
type Queue struct {
	store Store
	items []string
}

// Restore builds a Queue from the store. Call exactly once at startup,
// before the first tap is processed.
func Restore(store Store) *Queue {
	items := store.Restore()
	if len(items) > 0 {
		log.Infof("Restored %d pending loan(s)", len(items))
	}
	return &Queue{store: store, items: items}
}

// PushBack appends id and persists. On persist failure the queue is left
// as it was.
func (q *Queue) PushBack(id string) error {
	next := make([]string, len(q.items), len(q.items)+1)
	copy(next, q.items)
	next = append(next, id)
	if err := q.store.Persist(next); err != nil {
		return fmt.Errorf("persist after push %s: %w", id, err)
	}
	q.items = next
	return nil
}

// PopFront removes and returns the oldest id, persisting the result. On
// persist failure the id stays at the front.
func (q *Queue) PopFront() (string, error) {
	if len(q.items) == 0 {
		return "", ErrEmpty
	}
	front := q.items[0]
	next := append([]string(nil), q.items[1:]...)
	if err := q.store.Persist(next); err != nil {
		return "", fmt.Errorf("persist after pop %s: %w", front, err)
	}
	q.items = next
	return front, nil
}

// PeekFront returns the oldest id without removing it.
func (q *Queue) PeekFront() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0], true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	for _, item := range q.items {
		if item == id {
			return true
		}
	}
	return false
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	return len(q.items)
}

// Items returns a copy of the queue in FIFO order.
func (q *Queue) Items() []string {
	return append([]string{}, q.items...)
}
