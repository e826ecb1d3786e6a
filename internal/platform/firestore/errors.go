package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a Firestore RPC failure tagged with the store operation that hit it.
type Error struct {
	Op   string
	Code codes.Code
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("firestore %s: %s: %v", e.Op, e.Code, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Contended means another writer committed first; the caller may retry the whole operation.
func (e *Error) Contended() bool {
	return e.Code == codes.Aborted || e.Code == codes.AlreadyExists || e.Code == codes.FailedPrecondition
}

// Temporary means the backend is degraded rather than the request being wrong.
func (e *Error) Temporary() bool {
	switch e.Code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return true
	default:
		return false
	}
}

// WrapError tags gRPC failures with op. Errors raised by callers inside a transaction, already
// wrapped errors and cancellations are returned as they are.
func WrapError(op string, err error) error {
	var tagged *Error
	if err == nil || errors.As(err, &tagged) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.OK:
		return err
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return &Error{Op: op, Code: st.Code(), Err: err}
}

// RunTransaction runs fn in a read-write transaction with at most attempts tries and tags
// the failure with op.
func RunTransaction(ctx context.Context, client *firestore.Client, op string, attempts int, fn func(*firestore.Transaction) error) error {
	if client == nil {
		return fmt.Errorf("firestore %s: no client", op)
	}
	if attempts <= 0 {
		attempts = firestore.DefaultTransactionMaxAttempts
	}
	err := client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return fn(tx)
	}, firestore.MaxAttempts(attempts))
	return WrapError(op, err)
}
