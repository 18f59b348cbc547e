package ingestion

import (
	"context"
	"time"

	"DarkLedger/internal/event"
)

// Submission is an event handed to the runner by a synchronous caller.
// The runner answers on Result exactly once.
type Submission struct {
	Event    event.Event
	Received time.Time
	Result   chan error
}

// SubmitService is the synchronous entry into the core, used by the RPC
// surface and the liquidation keeper. NATS ingestion does not go through
// it: those messages are acked once queued and never answered.
type SubmitService struct {
	submitChan chan<- Submission
}

func NewSubmitService(submitChan chan<- Submission) *SubmitService {
	return &SubmitService{submitChan: submitChan}
}

// Submit queues evt and waits for the core's verdict. A cancelled ctx
// abandons the wait, not the event: once queued it is still applied.
func (s *SubmitService) Submit(ctx context.Context, evt event.Event) error {
	sub := Submission{Event: evt, Received: time.Now(), Result: make(chan error, 1)}

	select {
	case s.submitChan <- sub:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-sub.Result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
