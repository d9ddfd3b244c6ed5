package helper

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrInvalidArgumentf wraps a formatted error with codes.InvalidArgument.
func ErrInvalidArgumentf(format string, a ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, a...)
}

// ErrNotFoundf wraps a formatted error with codes.NotFound.
func ErrNotFoundf(format string, a ...interface{}) error {
	return status.Errorf(codes.NotFound, format, a...)
}

// ErrAlreadyExistsf wraps a formatted error with codes.AlreadyExists.
func ErrAlreadyExistsf(format string, a ...interface{}) error {
	return status.Errorf(codes.AlreadyExists, format, a...)
}

// ErrUnavailablef wraps a formatted error with codes.Unavailable.
func ErrUnavailablef(format string, a ...interface{}) error {
	return status.Errorf(codes.Unavailable, format, a...)
}

// ErrInternalf wraps a formatted error with codes.Internal.
func ErrInternalf(format string, a ...interface{}) error {
	return status.Errorf(codes.Internal, format, a...)
}

// GrpcCode emulates the old grpc.Code function: it translates errors into codes.Code values.
// Wrapped status errors keep their code. Context errors which were never
// turned into a status map onto their gRPC counterparts.
func GrpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus().Code()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Unknown
	}
}
