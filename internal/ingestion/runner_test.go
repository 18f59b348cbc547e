package ingestion_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DarkLedger/internal/event"
	"DarkLedger/internal/ingestion"
	"DarkLedger/internal/ledgererr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// recordingCore stands in for the core. It is only ever called from the
// runner goroutine, so the mutex guards reads from the test goroutine.
type recordingCore struct {
	mu     sync.Mutex
	events  []event.Event
	reject  map[string]error
	applied int64
}

func (c *recordingCore) ProcessEvent(evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	err := c.reject[evt.IdempotencyKey()]
	if err == nil {
		c.applied++
	}
	return err
}

// GetSequence mirrors the core: sequences start at 1.
func (c *recordingCore) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied + 1
}

func (c *recordingCore) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.IdempotencyKey()
	}
	return out
}

type runnerHarness struct {
	raw    chan ingestion.RawEvent
	submit *ingestion.SubmitService
	runner *ingestion.Runner
}

func newRunnerHarness(proc ingestion.Processor) *runnerHarness {
	raw := make(chan ingestion.RawEvent, 16)
	subs := make(chan ingestion.Submission)
	return &runnerHarness{
		raw:    raw,
		submit: ingestion.NewSubmitService(subs),
		runner: ingestion.NewRunner(proc, raw, subs, nil, zerolog.Nop()),
	}
}

// start runs the runner and returns a func that stops it and waits.
func (h *runnerHarness) start() func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.runner.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestRunner_SubmitReturnsCoreVerdict(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &recordingCore{reject: map[string]error{"busy": ledgererr.ErrAccountBusy}}
	h := newRunnerHarness(proc)
	defer h.start()()
	submit := h.submit

	owner := common.HexToAddress("0xb1")
	ctx := context.Background()
	require.NoError(t, submit.Submit(ctx, &event.CreateAccount{Meta: event.Meta{Key: "ok", At: 1}, Owner: owner}))

	err := submit.Submit(ctx, &event.QueueHealthCheck{Meta: event.Meta{Key: "busy", At: 2}, Owner: owner})
	require.ErrorIs(t, err, ledgererr.ErrDuplicateRequest)

	assert.Equal(t, []string{"ok", "busy"}, proc.keys())
}

func TestRunner_AcksAfterQueueing(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &recordingCore{}
	h := newRunnerHarness(proc)
	defer h.start()()
	raw := h.raw

	var acked, nacked atomic.Int32
	good := rawFromJSON(t, "ledger.commands.CreateAccount", map[string]interface{}{
		"idempotency_key": "from-nats",
		"owner":           "0x00000000000000000000000000000000000000b1",
	})
	good.AckFunc = func() { acked.Add(1) }
	good.NakFunc = func() { nacked.Add(1) }
	raw <- good

	poison := ingestion.RawEvent{Subject: "ledger.commands.CreateAccount", Data: []byte("{"), Timestamp: time.Now()}
	poison.AckFunc = func() { acked.Add(1) }
	poison.NakFunc = func() { nacked.Add(1) }
	raw <- poison

	require.Eventually(t, func() bool { return acked.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(proc.keys()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"from-nats"}, proc.keys())
	assert.Zero(t, nacked.Load())
}

func TestRunner_DeferredAckWaitsForCommit(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &recordingCore{reject: map[string]error{"stale": ledgererr.ErrUnknownOrAlreadyTerminal}}
	h := newRunnerHarness(proc)
	tracker := ingestion.NewAckTracker(0)
	h.runner.DeferAcks(tracker, proc)
	defer h.start()()

	var acked atomic.Int32
	msg := func(key string) ingestion.RawEvent {
		raw := rawFromJSON(t, "ledger.commands.CreateAccount", map[string]interface{}{
			"idempotency_key": key,
			"owner":           "0x00000000000000000000000000000000000000b1",
		})
		raw.DeferAck = true
		raw.AckFunc = func() { acked.Add(1) }
		return raw
	}

	h.raw <- msg("cb-1")
	require.Eventually(t, func() bool { return tracker.Held() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, acked.Load(), "acked before the event was persisted")

	tracker.Commit(1)
	assert.Equal(t, int32(1), acked.Load())
	assert.Zero(t, tracker.Held())

	// a rejection adds nothing to the log; its ack only waits for what
	// was already applied, which is committed
	h.raw <- msg("stale")
	require.Eventually(t, func() bool { return acked.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRunner_AfterApplyRunsPerEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &recordingCore{reject: map[string]error{"bad": ledgererr.ErrInvalidAmount}}
	h := newRunnerHarness(proc)
	var calls atomic.Int32
	h.runner.AfterApply(func() { calls.Add(1) })
	defer h.start()()
	submit := h.submit

	ctx := context.Background()
	_ = submit.Submit(ctx, &event.CreateAccount{Meta: event.Meta{Key: "a", At: 1}})
	_ = submit.Submit(ctx, &event.CreateAccount{Meta: event.Meta{Key: "bad", At: 2}})
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubmitService_CancelledBeforeQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	// nobody reads the channel
	submit := ingestion.NewSubmitService(make(chan ingestion.Submission))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := submit.Submit(ctx, &event.CreateAccount{Meta: event.Meta{Key: "x", At: 1}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
