package ingestion

import "sync"

// Sequencer reports the sequence the core will assign next.
type Sequencer interface {
	GetSequence() int64
}

type heldAck struct {
	sequence int64
	ack      func()
}

// AckTracker holds NATS acks until the persistence worker has committed
// the event they produced. Messages that nobody can resend (cluster
// callbacks) go through it; everything else is acked on queueing.
//
// Hold is called from the runner goroutine with non-decreasing sequences,
// Commit from the persistence worker.
type AckTracker struct {
	mu        sync.Mutex
	committed int64
	held      []heldAck
}

// NewAckTracker starts with everything up to committed already durable,
// normally the last recovered sequence.
func NewAckTracker(committed int64) *AckTracker {
	return &AckTracker{committed: committed}
}

// Hold acks once sequence is committed, or right away if it already is.
func (t *AckTracker) Hold(sequence int64, ack func()) {
	t.mu.Lock()
	if sequence <= t.committed {
		t.mu.Unlock()
		ack()
		return
	}
	t.held = append(t.held, heldAck{sequence: sequence, ack: ack})
	t.mu.Unlock()
}

// Commit advances the durable watermark and releases the acks it covers.
func (t *AckTracker) Commit(sequence int64) {
	t.mu.Lock()
	if sequence > t.committed {
		t.committed = sequence
	}
	n := 0
	for n < len(t.held) && t.held[n].sequence <= t.committed {
		n++
	}
	released := make([]heldAck, n)
	copy(released, t.held[:n])
	t.held = t.held[n:]
	t.mu.Unlock()

	for _, h := range released {
		h.ack()
	}
}

// Held is the number of acks waiting on a commit.
func (t *AckTracker) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
