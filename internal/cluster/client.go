// Package cluster is the NATS transport to the confidential-computation
// cluster. Requests go out on JetStream; results never come back here,
// they arrive as signed callbacks on the mpc.callbacks subjects.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"DarkLedger/internal/computation"
	"DarkLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	RequestSubjectPrefix  = "mpc.requests."
	CallbackSubjectPrefix = "mpc.callbacks."
	RegisterSubject       = "mpc.definitions.register"

	RequestStream = "MPC_REQUESTS"
)

// Publisher is the slice of jetstream.JetStream the client needs.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Requester is the slice of *nats.Conn the client needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// RequestMessage is the wire form of a queued computation.
type RequestMessage struct {
	ID        uint64                 `json:"id"`
	Kind      computation.Kind       `json:"kind"`
	Offset    uint32                 `json:"offset"`
	Accounts  []common.Address       `json:"accounts"`
	Arguments []computation.Argument `json:"arguments"`
	IssuedAt  int64                  `json:"issued_at"`
}

type registerReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Client implements computation.Cluster over NATS.
type Client struct {
	js      Publisher
	nc      Requester
	metrics *observability.Metrics
	logger  zerolog.Logger
}

var _ computation.Cluster = (*Client)(nil)

func NewClient(js Publisher, nc Requester, metrics *observability.Metrics, logger zerolog.Logger) *Client {
	return &Client{js: js, nc: nc, metrics: metrics, logger: logger}
}

// RequestSubject is the subject requests of kind k are published on.
func RequestSubject(k computation.Kind) string { return RequestSubjectPrefix + k.String() }

// CallbackSubject is the subject the cluster answers kind k on.
func CallbackSubject(k computation.Kind) string { return CallbackSubjectPrefix + k.String() }

// MsgID is the broker dedup id for a computation. A request republished
// after a timeout is dropped by the stream instead of run twice.
func MsgID(id uint64) string { return fmt.Sprintf("computation-%d", id) }

// RegisterDefinition performs the handshake for one kind and waits for
// the cluster's acknowledgement.
func (c *Client) RegisterDefinition(ctx context.Context, def computation.Definition) (err error) {
	defer c.observe("register", time.Now(), &err)

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, RegisterSubject, data)
	if err != nil {
		return fmt.Errorf("register %s: %w", def.Kind, err)
	}

	var reply registerReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("register %s: bad reply: %w", def.Kind, err)
	}
	if !reply.OK {
		return fmt.Errorf("register %s: refused: %s", def.Kind, reply.Error)
	}
	c.logger.Info().Str("kind", def.Kind.String()).Uint32("offset", def.Offset).Msg("definition registered")
	return nil
}

// QueueComputation publishes req and returns once the stream has it.
func (c *Client) QueueComputation(ctx context.Context, req computation.Request) (err error) {
	defer c.observe("queue", time.Now(), &err)

	data, err := json.Marshal(NewRequestMessage(req))
	if err != nil {
		return fmt.Errorf("marshal request %d: %w", req.ID, err)
	}

	msg := nats.NewMsg(RequestSubject(req.Kind))
	msg.Header.Set(nats.MsgIdHdr, MsgID(req.ID))
	msg.Data = data

	ack, err := c.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish request %d: %w", req.ID, err)
	}
	if ack != nil && ack.Duplicate {
		c.logger.Debug().Uint64("computation_id", req.ID).Msg("request already on stream")
	}
	return nil
}

func NewRequestMessage(req computation.Request) RequestMessage {
	return RequestMessage{
		ID:        req.ID,
		Kind:      req.Kind,
		Offset:    computation.DefinitionOffset(req.Kind.Circuit()),
		Accounts:  req.Accounts,
		Arguments: req.Arguments,
		IssuedAt:  req.IssuedAt,
	}
}

func (c *Client) observe(op string, start time.Time, errp *error) {
	if c.metrics == nil {
		return
	}
	c.metrics.ClusterRequestDur.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *errp != nil {
		c.metrics.ClusterErrors.WithLabelValues(op).Inc()
	}
}

// EnsureRequestStream creates the stream requests are published to.
func EnsureRequestStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       RequestStream,
		Subjects:   []string{RequestSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", RequestStream, err)
	}
	return nil
}
