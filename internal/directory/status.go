package directory

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// Server-side sentinels a Handler may return; they map onto gRPC status codes.
var (
	ErrNotFound           = errors.New("not found")
	ErrFailedPrecondition = errors.New("failed precondition")
)

func invalidArgument(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

// toStatus converts a handler error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, twin.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrFailedPrecondition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, directory.ErrAuthExpired):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// classify converts a client-side gRPC error into a directory.Error.
// io.EOF is returned unchanged so stream consumers can detect completion.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return directory.NewError(op, directory.ErrInterrupted, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return directory.NewError(op, directory.ErrTimeout, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return directory.NewError(op, directory.ErrTransport, err)
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return directory.NewError(op, directory.ErrAuthExpired, err)
	case codes.Unavailable, codes.Aborted:
		return directory.NewError(op, directory.ErrTransport, err)
	case codes.DeadlineExceeded:
		return directory.NewError(op, directory.ErrTimeout, err)
	case codes.Canceled:
		return directory.NewError(op, directory.ErrInterrupted, err)
	default:
		return directory.NewError(op, directory.ErrRemote, err)
	}
}
