package fileops

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dCache/dcache-sub032/pkg/tasks"
)

// Classifier maps the error of a failed pass to a failure type. hasSource
// tells whether the pass had a copy source selected.
type Classifier interface {
	Classify(err error, hasSource bool) FailureType
}

type ClassifierFunc func(err error, hasSource bool) FailureType

func (f ClassifierFunc) Classify(err error, hasSource bool) FailureType {
	return f(err, hasSource)
}

// DefaultClassifier understands task error codes and, for errors coming
// from remote movers, gRPC status codes.
type DefaultClassifier struct{}

func (DefaultClassifier) Classify(err error, hasSource bool) FailureType {
	if err == nil {
		return FailureRetriable
	}

	var te *tasks.Error
	if errors.As(err, &te) {
		switch te.Code {
		case tasks.CodeFileCorrupted:
			if hasSource {
				return FailureBroken
			}
			return FailureNewTarget
		case tasks.CodeSourceUnavailable:
			if hasSource {
				return FailureNewSource
			}
			return FailureNewTarget
		case tasks.CodeTargetUnavailable, tasks.CodeNoSpace:
			return FailureNewTarget
		case tasks.CodeFileNotFound, tasks.CodeNoCandidates, tasks.CodePermanent:
			return FailureFatal
		case tasks.CodeTransient, tasks.CodeCanceled:
			return FailureRetriable
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureRetriable
	}

	st, ok := status.FromError(err)
	if !ok {
		return FailureRetriable
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.Internal,
		codes.Unknown:
		return FailureRetriable
	case codes.NotFound,
		codes.PermissionDenied,
		codes.InvalidArgument,
		codes.FailedPrecondition,
		codes.Unimplemented:
		return FailureFatal
	case codes.DataLoss:
		if hasSource {
			return FailureBroken
		}
		return FailureFatal
	default:
		return FailureRetriable
	}
}
