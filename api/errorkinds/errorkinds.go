// Package errorkinds holds the error taxonomy shared by every layer of the
// command engine. Sentinel errors are matched with errors.Is, and the kind of a
// wrapped error is recovered with KindOf.
package errorkinds

import (
	"context"
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// Error kinds, attached to wrapped errors as fault tags.
const (
	KindUnavailable      ftag.Kind = "UNAVAILABLE"
	KindPermissionDenied ftag.Kind = ftag.PermissionDenied
	KindBusy             ftag.Kind = "BUSY"
	KindTimeout          ftag.Kind = "TIMEOUT"
	KindCancelled        ftag.Kind = ftag.Cancelled
	KindDisconnected     ftag.Kind = "RESOURCE_DISCONNECTED"
	KindRejected         ftag.Kind = "OPERATION_REJECTED"
	KindNotSupported     ftag.Kind = "NOT_SUPPORTED"
	KindInternal         ftag.Kind = ftag.Internal
)

var (
	ErrUnavailable       = errors.New("bluetooth radio is off or unsupported")
	ErrPermissionDenied  = errors.New("bluetooth permission denied")
	ErrBusy              = errors.New("bluetooth is busy, try again later")
	ErrMethodTimeout     = errors.New("operation timed out")
	ErrCancelledTeardown = errors.New("operation cancelled by explicit teardown")
	ErrDisconnected      = errors.New("device disconnected")
	ErrNotConnected      = errors.New("device is not connected")
	ErrRejected          = errors.New("adapter rejected the operation")
	ErrNotSupported      = errors.New("operation is not supported")
	ErrMethodCall        = errors.New("invalid method call")
	ErrSessionNotExist   = errors.New("session does not exist")
	ErrSessionStop       = errors.New("session was stopped")
	ErrInvalidArgument   = errors.New("invalid argument")
)

var kinds = map[error]ftag.Kind{
	ErrUnavailable:       KindUnavailable,
	ErrPermissionDenied:  KindPermissionDenied,
	ErrBusy:              KindBusy,
	ErrMethodTimeout:     KindTimeout,
	ErrCancelledTeardown: KindCancelled,
	ErrDisconnected:      KindDisconnected,
	ErrNotConnected:      KindDisconnected,
	ErrRejected:          KindRejected,
	ErrNotSupported:      KindNotSupported,
	ErrMethodCall:        KindRejected,
	ErrInvalidArgument:   KindRejected,
	ErrSessionNotExist:   KindInternal,
	ErrSessionStop:       KindCancelled,
}

// Wrap wraps a sentinel error with the location it was raised at, the
// addressed resource and a human-readable message.
func Wrap(sentinel error, at, address, message string) error {
	kind, ok := kinds[sentinel]
	if !ok {
		kind = KindInternal
	}

	kv := []string{"error_at", at}
	if address != "" {
		kv = append(kv, "address", address)
	}

	wrappers := []fault.Wrapper{
		fctx.With(context.Background(), kv...),
		ftag.With(kind),
	}
	if message != "" {
		wrappers = append(wrappers, fmsg.With(message))
	}

	return fault.Wrap(sentinel, wrappers...)
}

// KindOf returns the kind of the error. Errors that were not wrapped by this
// package are classified by their sentinel when possible.
func KindOf(err error) ftag.Kind {
	if err == nil {
		return ""
	}

	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	if kind := ftag.Get(err); kind != "" {
		return kind
	}

	return KindInternal
}

// IsCancelled reports whether the error was caused by a deliberate teardown
// rather than by a genuine failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelledTeardown) || errors.Is(err, ErrSessionStop)
}

// IsTimeout reports whether the error was caused by an elapsed deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrMethodTimeout)
}
