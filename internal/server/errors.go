package server

import (
	"errors"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// statusCode maps a ledger error onto a gRPC code. The gateway turns the
// code into an HTTP status.
func statusCode(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	switch {
	case errors.Is(err, ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, ingestion.ErrDuplicate):
		return codes.AlreadyExists
	case errors.Is(err, ingestion.ErrInvalidCommand):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNoEventLog):
		return codes.Unimplemented
	}

	switch core.Reason(err) {
	case "not_found":
		return codes.NotFound
	case "invalid_argument":
		return codes.InvalidArgument
	case "out_of_range":
		return codes.OutOfRange
	case "unauthorized":
		return codes.PermissionDenied
	case "invalid_state", "no_winnings", "no_bets":
		return codes.FailedPrecondition
	case "timeout":
		return codes.Unavailable
	case "canceled":
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	code := statusCode(err)
	if code == codes.Internal {
		return status.New(code, "internal error")
	}
	return status.New(code, err.Error())
}
