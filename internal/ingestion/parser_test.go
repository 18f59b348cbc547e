package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"DarkLedger/internal/computation"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ingestion"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var received = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: received,
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

// ============================================================================
// Test: commands
// ============================================================================

func TestParseCommand_DepositCollateral(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "dep-7",
		"timestamp":       int64(1700000000000000),
		"owner":           "0x00000000000000000000000000000000000000b1",
		"amount":          uint64(500),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "ledger.commands.DepositCollateral", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := evt.(*event.DepositCollateral)
	if !ok {
		t.Fatalf("expected *event.DepositCollateral, got %T", evt)
	}
	if dc.Owner != common.HexToAddress("0xb1") {
		t.Errorf("owner: got %s", dc.Owner.Hex())
	}
	if dc.Amount != 500 {
		t.Errorf("amount: got %d, want 500", dc.Amount)
	}
	if dc.IdempotencyKey() != "dep-7" {
		t.Errorf("key: got %s, want dep-7", dc.IdempotencyKey())
	}
	if dc.Timestamp() != 1700000000000000 {
		t.Errorf("timestamp: got %d", dc.Timestamp())
	}
}

func TestParseCommand_FillsMissingTimestamp(t *testing.T) {
	payload := map[string]interface{}{
		"idempotency_key": "acct-1",
		"owner":           "0x00000000000000000000000000000000000000b1",
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "ledger.commands.CreateAccount", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.Timestamp() != received.UnixMicro() {
		t.Errorf("timestamp: got %d, want %d", evt.Timestamp(), received.UnixMicro())
	}
	if evt.IdempotencyKey() != "acct-1" {
		t.Errorf("key lost when filling timestamp: %q", evt.IdempotencyKey())
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		payload map[string]interface{}
	}{
		{
			name:    "unknown event type",
			subject: "ledger.commands.FundingEpochSettle",
			payload: map[string]interface{}{"idempotency_key": "x"},
		},
		{
			name:    "unknown field",
			subject: "ledger.commands.CreateAccount",
			payload: map[string]interface{}{"idempotency_key": "x", "owner": "0x00000000000000000000000000000000000000b1", "market": "BTC"},
		},
		{
			name:    "missing key",
			subject: "ledger.commands.CreateAccount",
			payload: map[string]interface{}{"owner": "0x00000000000000000000000000000000000000b1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ingestion.ParseRawEvent(rawFromJSON(t, tt.subject, tt.payload)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEncodeCommand_RoundTrip(t *testing.T) {
	in := &event.MintDeposit{
		Meta:       event.Meta{Key: "mint-1", At: 42},
		TxID:       common.HexToHash("0xfeed"),
		Amount:     9,
		Recipient:  common.HexToAddress("0xb1"),
		Signatures: []hexutil.Bytes{{1, 2}, {3, 4}},
	}
	subject, data, err := ingestion.EncodeCommand(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if subject != "ledger.commands.MintDeposit" {
		t.Fatalf("subject: got %s", subject)
	}

	out, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: subject, Data: data, Timestamp: received})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	md := out.(*event.MintDeposit)
	if md.TxID != in.TxID || md.Amount != 9 || md.Recipient != in.Recipient || len(md.Signatures) != 2 {
		t.Errorf("round trip mismatch: %+v", md)
	}
}

// ============================================================================
// Test: matching engine settlements
// ============================================================================

func TestParseSettlement(t *testing.T) {
	payload := map[string]interface{}{
		"trade_id":       "550e8400-e29b-41d4-a716-446655440000",
		"computation_id": uint64(77),
		"buyer":          "0x00000000000000000000000000000000000000b1",
		"seller":         "0x00000000000000000000000000000000000000c2",
		"price":          "50",
		"size":           "1.5",
		"timestamp_us":   int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "matching.settlements.BTC", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	st, ok := evt.(*event.SettleTrade)
	if !ok {
		t.Fatalf("expected *event.SettleTrade, got %T", evt)
	}
	if st.Price != 50_000_000 {
		t.Errorf("price: got %d, want 50_000_000", st.Price)
	}
	if st.Size != 1_500_000 {
		t.Errorf("size: got %d, want 1_500_000", st.Size)
	}
	if st.ComputationID != 77 {
		t.Errorf("computation_id: got %d", st.ComputationID)
	}
	if st.IdempotencyKey() != "settle-550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("key: got %s", st.IdempotencyKey())
	}
	if st.EventType() != event.EventTypeSettleTrade {
		t.Errorf("event type: got %v", st.EventType())
	}
}

func TestParseSettlement_Rejects(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"trade_id":       "550e8400-e29b-41d4-a716-446655440000",
			"computation_id": uint64(1),
			"buyer":          "0x00000000000000000000000000000000000000b1",
			"seller":         "0x00000000000000000000000000000000000000c2",
			"price":          "50",
			"size":           "1",
		}
	}

	tests := []struct {
		name  string
		field string
		value interface{}
	}{
		{"bad trade id", "trade_id", "not-a-uuid"},
		{"bad buyer", "buyer", "alice"},
		{"too many decimals", "size", "1.0000001"},
		{"negative price", "price", "-3"},
		{"not a number", "price", "fifty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			p[tt.field] = tt.value
			if _, err := ingestion.ParseRawEvent(rawFromJSON(t, "matching.settlements.x", p)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// ============================================================================
// Test: cluster callbacks
// ============================================================================

func TestParseCallback(t *testing.T) {
	cb := computation.Callback{
		ID:        12,
		Kind:      computation.KindHealthCheck,
		Offset:    computation.NewDefinition(computation.KindHealthCheck, "").Offset,
		Signature: hexutil.Bytes{0xaa},
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "mpc.callbacks.health_check", cb))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cc := evt.(*event.ComputationCallback)
	if cc.Callback.ID != 12 {
		t.Errorf("id: got %d", cc.Callback.ID)
	}
	if cc.Timestamp() != received.UnixMicro() {
		t.Errorf("timestamp: got %d", cc.Timestamp())
	}

	// same callback again: same key, so the core drops it as a duplicate
	again, _ := ingestion.ParseRawEvent(rawFromJSON(t, "mpc.callbacks.health_check", cb))
	if again.IdempotencyKey() != cc.IdempotencyKey() {
		t.Errorf("redelivery changed key: %s vs %s", again.IdempotencyKey(), cc.IdempotencyKey())
	}

	// different payload, same id: different key, so the manager decides
	cb.Aborted = true
	other, _ := ingestion.ParseRawEvent(rawFromJSON(t, "mpc.callbacks.health_check", cb))
	if other.IdempotencyKey() == cc.IdempotencyKey() {
		t.Error("distinct callbacks share a key")
	}
}

func TestParseCallback_KindMismatch(t *testing.T) {
	cb := computation.Callback{ID: 1, Kind: computation.KindDeposit}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, "mpc.callbacks.withdraw", cb)); err == nil {
		t.Fatal("expected error for kind published on the wrong subject")
	}
}

func TestParseRawEvent_UnknownSubject(t *testing.T) {
	_, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: "perp.trades.x", Data: []byte("{}")})
	if !errors.Is(err, ingestion.ErrUnknownSubject) {
		t.Fatalf("got %v, want ErrUnknownSubject", err)
	}
}
