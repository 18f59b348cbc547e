package event_test

import (
	"DarkLedger/internal/event"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestEventTypes_ParseAndConstruct(t *testing.T) {
	for _, et := range event.AllEventTypes {
		parsed, err := event.ParseEventType(et.String())
		if err != nil {
			t.Fatalf("%s: %v", et, err)
		}
		if parsed != et {
			t.Errorf("got %s, want %s", parsed, et)
		}
		evt, ok := event.New(et)
		if !ok {
			t.Fatalf("%s: no constructor", et)
		}
		if evt.EventType() != et {
			t.Errorf("%s: constructor built %s", et, evt.EventType())
		}
	}
	if _, err := event.ParseEventType("FundingEpochSettle"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestSetMeta(t *testing.T) {
	evt, _ := event.New(event.EventTypeLiquidate)
	event.SetMeta(evt, event.Meta{Key: "k1", At: 42})
	if evt.IdempotencyKey() != "k1" || evt.Timestamp() != 42 {
		t.Errorf("got %q/%d, want k1/42", evt.IdempotencyKey(), evt.Timestamp())
	}
}

func TestDecodeFact(t *testing.T) {
	in := &event.Liquidated{
		Liquidator:       common.HexToAddress("0x01"),
		Owner:            common.HexToAddress("0x02"),
		CollateralSeized: 500,
		Timestamp:        7,
	}
	ft, payload, err := event.EncodeFact(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := event.DecodeFact(ft, payload)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := out.(*event.Liquidated)
	if !ok {
		t.Fatalf("got %T, want *event.Liquidated", out)
	}
	if *got != *in {
		t.Errorf("got %+v, want %+v", got, in)
	}

	if _, err := event.DecodeFact("FundingPaid", payload); err == nil {
		t.Error("expected error for unknown fact type")
	}
}
