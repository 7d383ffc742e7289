package cluster

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
)

// classify maps a Kubernetes API error to an engine error class.
// Anything that is not a status error from the API server (dial failures,
// resets, attempt timeouts) is transient.
func classify(op, name string, err error) *engine.EngineError {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}

	switch {
	case apierrors.IsTimeout(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err),
		errors.Is(err, context.DeadlineExceeded):
		return engine.NewTransientError(fmt.Sprintf("%s %s", op, name), err).
			WithCode(codeFor(err)).
			WithResource(name).
			WithOperation(op)

	case apierrors.IsInvalid(err),
		apierrors.IsForbidden(err),
		apierrors.IsBadRequest(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsConflict(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsRequestEntityTooLargeError(err):
		code := engine.ErrCodeCreateFailed
		if op == opDeletePod {
			code = engine.ErrCodeDeleteFailed
		}
		return engine.NewApplyError(fmt.Sprintf("cluster rejected %s %s", op, name), err).
			WithCode(code).
			WithResource(name).
			WithOperation(op)

	case apierrors.IsNotFound(err):
		return (&engine.EngineError{
			Class:   engine.ErrorClassApply,
			Code:    engine.ErrCodeNotFound,
			Message: fmt.Sprintf("%s %s: not found", op, name),
			Err:     err,
		}).WithResource(name).WithOperation(op)
	}

	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return engine.NewApplyError(fmt.Sprintf("%s %s failed", op, name), err).
			WithResource(name).
			WithOperation(op)
	}
	return engine.NewTransientError(fmt.Sprintf("%s %s", op, name), err).
		WithResource(name).
		WithOperation(op)
}

func codeFor(err error) string {
	switch {
	case apierrors.IsTooManyRequests(err):
		return engine.ErrCodeRateLimited
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return engine.ErrCodeTimeout
	default:
		return ""
	}
}
