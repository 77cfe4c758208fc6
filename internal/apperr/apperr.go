// Package apperr defines the error kinds shared by the model registry, the
// job engine and the HTTP layer. Callers construct errors with the helpers
// below and classify them with the Is* predicates, which see through wrapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindLoad                Kind = "load"
	KindConflict            Kind = "conflict"
	KindInsufficientVRAM    Kind = "insufficient_vram"
	KindCapacityUnavailable Kind = "capacity_unavailable"
	KindProcessing          Kind = "processing"
	KindNotLoaded           Kind = "not_loaded"
	KindNotReady            Kind = "not_ready"
	KindTimeout             Kind = "timeout"
	KindTooBusy             Kind = "too_busy"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error is the concrete error type. Corrupt is only meaningful for
// KindProcessing and marks failures that leave the model unusable.
type Error struct {
	Kind    Kind
	Msg     string
	Err     error
	Corrupt bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to an HTTP status. It satisfies the HTTPError
// interface used by the HTTP layer.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindNotReady, KindNotLoaded:
		return http.StatusConflict
	case KindTooBusy:
		return http.StatusTooManyRequests
	case KindCapacityUnavailable, KindInsufficientVRAM:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func newf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) error   { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error   { return newf(KindConflict, format, args...) }
func NotLoaded(id string) error                   { return newf(KindNotLoaded, "model %s is not loaded", id) }
func NotReady(format string, args ...any) error   { return newf(KindNotReady, format, args...) }
func Timeout(format string, args ...any) error    { return newf(KindTimeout, format, args...) }
func TooBusy(format string, args ...any) error    { return newf(KindTooBusy, format, args...) }

// Load wraps a failure to materialize a model artifact.
func Load(modelID string, err error) error {
	return &Error{Kind: KindLoad, Msg: "load " + modelID, Err: err}
}

// InsufficientVRAM reports that a reservation would overflow a device.
func InsufficientVRAM(gpu int, need, free int64) error {
	return newf(KindInsufficientVRAM, "gpu %d: need %d bytes, %d free", gpu, need, free)
}

// CapacityUnavailable reports that no device can currently host a model.
func CapacityUnavailable(modelID string) error {
	return newf(KindCapacityUnavailable, "no gpu capacity for model %s", modelID)
}

// Processing wraps a failure reported by a model while running a job.
func Processing(err error, corrupt bool) error {
	return &Error{Kind: KindProcessing, Err: err, Corrupt: corrupt}
}

// Internal wraps an unexpected failure caught at a worker boundary.
func Internal(format string, args ...any) error { return newf(KindInternal, format, args...) }

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func is(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func IsValidation(err error) bool          { return is(err, KindValidation) }
func IsNotFound(err error) bool            { return is(err, KindNotFound) }
func IsLoad(err error) bool                { return is(err, KindLoad) }
func IsConflict(err error) bool            { return is(err, KindConflict) }
func IsInsufficientVRAM(err error) bool    { return is(err, KindInsufficientVRAM) }
func IsCapacityUnavailable(err error) bool { return is(err, KindCapacityUnavailable) }
func IsProcessing(err error) bool          { return is(err, KindProcessing) }
func IsNotLoaded(err error) bool           { return is(err, KindNotLoaded) }
func IsNotReady(err error) bool            { return is(err, KindNotReady) }
func IsTimeout(err error) bool             { return is(err, KindTimeout) }
func IsTooBusy(err error) bool             { return is(err, KindTooBusy) }

// IsTransient reports whether err signals a capacity shortfall that should
// be retried later rather than surfaced as a failure.
func IsTransient(err error) bool {
	return IsCapacityUnavailable(err) || IsInsufficientVRAM(err)
}

// IsCorrupt reports whether err is a processing failure that left the
// model unusable.
func IsCorrupt(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindProcessing && e.Corrupt
}
