package ingestion

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"DarkLedger/internal/cluster"
	"DarkLedger/internal/computation"
	"DarkLedger/internal/event"
	fpmath "DarkLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrUnknownSubject = errors.New("unknown subject")

// ParseRawEvent converts an inbound message into a typed event. The
// subject decides the wire format.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	switch {
	case strings.HasPrefix(raw.Subject, CommandSubjectPrefix):
		return ParseCommand(strings.TrimPrefix(raw.Subject, CommandSubjectPrefix), raw.Data, raw.Timestamp)
	case strings.HasPrefix(raw.Subject, SettlementSubjectPrefix):
		return parseSettlement(raw.Data)
	case strings.HasPrefix(raw.Subject, cluster.CallbackSubjectPrefix):
		return parseCallback(strings.TrimPrefix(raw.Subject, cluster.CallbackSubjectPrefix), raw.Data, raw.Timestamp)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, raw.Subject)
	}
}

// ParseCommand decodes a command payload in its JSON form. Unknown fields
// are rejected. A missing timestamp is filled from received.
func ParseCommand(eventType string, data []byte, received time.Time) (event.Event, error) {
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, err
	}
	evt, ok := event.New(et)
	if !ok {
		return nil, fmt.Errorf("no command type for %s", et)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	if evt.IdempotencyKey() == "" {
		return nil, fmt.Errorf("parse %s: missing idempotency key", et)
	}
	if evt.Timestamp() == 0 {
		event.SetMeta(evt, event.Meta{Key: evt.IdempotencyKey(), At: received.UnixMicro()})
	}
	return evt, nil
}

// EncodeCommand is the inverse of ParseCommand: the subject and payload a
// client publishes evt with.
func EncodeCommand(evt event.Event) (string, []byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return CommandSubjectPrefix + evt.EventType().String(), data, nil
}

// --- Matching engine wire format ---

// settlementJSON is a matched trade as published by the matching engine.
// Price and size are decimal strings with at most six decimals.
type settlementJSON struct {
	TradeID       string `json:"trade_id"`
	ComputationID uint64 `json:"computation_id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseSettlement(data []byte) (*event.SettleTrade, error) {
	var j settlementJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse settlement: %w", err)
	}

	tradeID, err := uuid.Parse(j.TradeID)
	if err != nil {
		return nil, fmt.Errorf("parse trade_id: %w", err)
	}
	buyer, err := parseAddress("buyer", j.Buyer)
	if err != nil {
		return nil, err
	}
	seller, err := parseAddress("seller", j.Seller)
	if err != nil {
		return nil, err
	}
	price, err := fpmath.ParseFixedExact(j.Price, fpmath.TradeConfig)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	size, err := fpmath.ParseFixedExact(j.Size, fpmath.TradeConfig)
	if err != nil {
		return nil, fmt.Errorf("parse size: %w", err)
	}

	return &event.SettleTrade{
		Meta:          event.Meta{Key: "settle-" + tradeID.String(), At: j.TimestampUs},
		ComputationID: j.ComputationID,
		Buyer:         buyer,
		Seller:        seller,
		Price:         price,
		Size:          size,
	}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

// --- Cluster callbacks ---

// parseCallback keys a callback by its signed digest, so a redelivered
// callback is a duplicate while a different one for the same id still
// reaches the manager and is refused there.
func parseCallback(kindName string, data []byte, received time.Time) (*event.ComputationCallback, error) {
	kind, err := computation.ParseKind(kindName)
	if err != nil {
		return nil, err
	}
	var cb computation.Callback
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("parse callback: %w", err)
	}
	if cb.Kind != kind {
		return nil, fmt.Errorf("parse callback %d: kind %s published on %s", cb.ID, cb.Kind, kindName)
	}
	return &event.ComputationCallback{
		Meta:     event.Meta{Key: fmt.Sprintf("callback-%d-%s", cb.ID, hex.EncodeToString(cb.Digest())), At: received.UnixMicro()},
		Callback: cb,
	}, nil
}
