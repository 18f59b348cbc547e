package server

import (
	"context"
	"errors"

	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errInvalidRequest marks a malformed request: a missing field, a bad
// address, an unparseable command.
var errInvalidRequest = errors.New("invalid request")

var codeTable = []struct {
	err  error
	code codes.Code
}{
	// AccountBusy unwraps to DuplicateRequest, so it goes first.
	{ledgererr.ErrAccountBusy, codes.FailedPrecondition},

	{ledgererr.ErrInvalidAmount, codes.InvalidArgument},
	{ledgererr.ErrInvalidArguments, codes.InvalidArgument},
	{ledgererr.ErrInvalidAddress, codes.InvalidArgument},
	{ledgererr.ErrMathOverflow, codes.InvalidArgument},

	{ledgererr.ErrDuplicateRequest, codes.AlreadyExists},
	{ledgererr.ErrAlreadyExists, codes.AlreadyExists},
	{ledgererr.ErrDepositAlreadyProcessed, codes.AlreadyExists},

	{ledgererr.ErrUnknownOrAlreadyTerminal, codes.NotFound},
	{ledgererr.ErrAccountNotFound, codes.NotFound},

	{ledgererr.ErrHealthyPosition, codes.FailedPrecondition},
	{ledgererr.ErrAccountLiquidatable, codes.FailedPrecondition},
	{ledgererr.ErrInsufficientCollateral, codes.FailedPrecondition},
	{ledgererr.ErrInsufficientEscrow, codes.FailedPrecondition},

	{ledgererr.ErrInsufficientSignatures, codes.PermissionDenied},
	{ledgererr.ErrUnauthenticatedCallback, codes.PermissionDenied},
	{ledgererr.ErrUnauthorized, codes.PermissionDenied},

	{ledgererr.ErrAbortedComputation, codes.Aborted},

	{query.ErrNotFound, codes.NotFound},
	{query.ErrInvalidQuery, codes.InvalidArgument},
	{errInvalidRequest, codes.InvalidArgument},

	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// Code maps a ledger or query error to its gRPC status code. Anything
// unrecognised is Internal.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return codes.Internal
}

// toStatus converts err into a gRPC status error. Status errors pass
// through untouched.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}
