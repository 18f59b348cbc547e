package ledgererr_test

import (
	"DarkLedger/internal/ledgererr"
	"errors"
	"fmt"
	"testing"
)

func TestCode_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("%w: price is zero", ledgererr.ErrInvalidAmount)
	if got := ledgererr.Code(err); got != "invalid_amount" {
		t.Errorf("got %q, want invalid_amount", got)
	}
}

func TestAccountBusy_IsDuplicateRequest(t *testing.T) {
	err := fmt.Errorf("queue 7: %w", ledgererr.ErrAccountBusy)
	if !errors.Is(err, ledgererr.ErrDuplicateRequest) {
		t.Fatal("AccountBusy should match DuplicateRequest")
	}
	if got := ledgererr.Code(err); got != "account_busy" {
		t.Errorf("got %q, want account_busy", got)
	}
}

func TestCode_Unknown(t *testing.T) {
	if got := ledgererr.Code(errors.New("disk on fire")); got != "internal" {
		t.Errorf("got %q, want internal", got)
	}
	if ledgererr.IsRejection(errors.New("disk on fire")) {
		t.Error("infrastructure error should not be a rejection")
	}
	if ledgererr.IsRejection(nil) {
		t.Error("nil should not be a rejection")
	}
}
