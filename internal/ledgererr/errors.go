// Package ledgererr holds the error kinds every ledger operation reports.
// Components wrap these with context; callers branch with errors.Is.
package ledgererr

import "errors"

var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrMathOverflow             = errors.New("math overflow")
	ErrInsufficientCollateral   = errors.New("insufficient collateral")
	ErrInsufficientEscrow       = errors.New("insufficient escrow")
	ErrAbortedComputation       = errors.New("computation aborted")
	ErrDuplicateRequest         = errors.New("duplicate request")
	ErrUnknownOrAlreadyTerminal = errors.New("unknown or already terminal computation")
	ErrInvalidArguments         = errors.New("invalid arguments")
	ErrHealthyPosition          = errors.New("position is healthy")
	ErrInsufficientSignatures   = errors.New("insufficient validator signatures")
	ErrDepositAlreadyProcessed  = errors.New("deposit already processed")
	ErrAlreadyExists            = errors.New("already exists")
	ErrInvalidAddress           = errors.New("invalid address")

	ErrAccountNotFound         = errors.New("account not found")
	ErrUnauthenticatedCallback = errors.New("unauthenticated callback")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrAccountLiquidatable     = errors.New("account is liquidatable")
)

// ErrAccountBusy is a DuplicateRequest: an account already has a
// balance-locking computation in flight.
var ErrAccountBusy error = &busyError{}

type busyError struct{}

func (*busyError) Error() string { return "account has a pending computation" }

func (*busyError) Unwrap() error { return ErrDuplicateRequest }

var codes = []struct {
	err  error
	code string
}{
	// AccountBusy must be matched before DuplicateRequest.
	{ErrAccountBusy, "account_busy"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrMathOverflow, "math_overflow"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrInsufficientEscrow, "insufficient_escrow"},
	{ErrAbortedComputation, "aborted_computation"},
	{ErrDuplicateRequest, "duplicate_request"},
	{ErrUnknownOrAlreadyTerminal, "unknown_or_already_terminal"},
	{ErrInvalidArguments, "invalid_arguments"},
	{ErrHealthyPosition, "healthy_position"},
	{ErrInsufficientSignatures, "insufficient_signatures"},
	{ErrDepositAlreadyProcessed, "deposit_already_processed"},
	{ErrAlreadyExists, "already_exists"},
	{ErrInvalidAddress, "invalid_address"},
	{ErrAccountNotFound, "account_not_found"},
	{ErrUnauthenticatedCallback, "unauthenticated_callback"},
	{ErrUnauthorized, "unauthorized"},
	{ErrAccountLiquidatable, "account_liquidatable"},
}

// Code returns a stable snake_case code for err, or "internal" when err
// is not one of the ledger error kinds. Used for metric labels and
// transport status mapping.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// IsRejection reports whether err is a domain rejection (as opposed to an
// infrastructure failure).
func IsRejection(err error) bool {
	return Code(err) != "internal" && err != nil
}
