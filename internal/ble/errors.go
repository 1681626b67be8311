package ble

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported to the host.
type ErrorKind int

const (
	KindAdapterUnavailable ErrorKind = iota + 1
	KindAdapterDisabled
	KindMissingPermission
	KindInvalidEncoding
	KindServiceNotFound
	KindCharacteristicNotFound
	KindWriteNotSupported
	KindNotConnected
	KindTimeout
	KindTransferBusy
	KindGattFailure
	KindFatal
)

var kindNames = map[ErrorKind]string{
	KindAdapterUnavailable:     "adapter unavailable",
	KindAdapterDisabled:        "adapter disabled",
	KindMissingPermission:      "missing permission",
	KindInvalidEncoding:        "invalid encoding",
	KindServiceNotFound:        "service not found",
	KindCharacteristicNotFound: "characteristic not found",
	KindWriteNotSupported:      "write not supported",
	KindNotConnected:           "not connected",
	KindTimeout:                "timeout",
	KindTransferBusy:           "transfer busy",
	KindGattFailure:            "gatt failure",
	KindFatal:                  "fatal",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrAdapterUnavailable     = &Error{Kind: KindAdapterUnavailable}
	ErrAdapterDisabled        = &Error{Kind: KindAdapterDisabled}
	ErrMissingPermission      = &Error{Kind: KindMissingPermission}
	ErrInvalidEncoding        = &Error{Kind: KindInvalidEncoding}
	ErrServiceNotFound        = &Error{Kind: KindServiceNotFound}
	ErrCharacteristicNotFound = &Error{Kind: KindCharacteristicNotFound}
	ErrWriteNotSupported      = &Error{Kind: KindWriteNotSupported}
	ErrNotConnected           = &Error{Kind: KindNotConnected}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrTransferBusy           = &Error{Kind: KindTransferBusy}
	ErrGattFailure            = &Error{Kind: KindGattFailure}
	ErrFatal                  = &Error{Kind: KindFatal}
)

// Error is a classified bridge failure. Msg is what the host sees.
type Error struct {
	Kind   ErrorKind
	Msg    string
	Status Status // set for KindGattFailure when the stack reported one
	Err    error
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v", msg, e.Err)
	}
	return "ble: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or zero if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
