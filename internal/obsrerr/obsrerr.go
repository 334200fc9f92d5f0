// Package obsrerr defines the error taxonomy shared by every layer of the
// replication engine: storage, wire codec, sessions, and the reactor.
package obsrerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error without tying callers to a specific message.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindInvalidPath
	KindInvalidName
	KindNoSuchHandle
	KindNoSpace
	KindTypeMismatch
	KindDataTooLarge
	KindCannotDeleteRoot
	KindEntryDeleted
	KindNoParent
	KindIO
	KindProtocol
	KindStale
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindInvalidPath:
		return "invalid_path"
	case KindInvalidName:
		return "invalid_name"
	case KindNoSuchHandle:
		return "no_such_handle"
	case KindNoSpace:
		return "no_space"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindDataTooLarge:
		return "data_too_large"
	case KindCannotDeleteRoot:
		return "cannot_delete_root"
	case KindEntryDeleted:
		return "entry_deleted"
	case KindNoParent:
		return "no_parent"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

// IOSub distinguishes IoError subkinds, mirroring the source's nested
// error_code() taxonomy for OS-level failures.
type IOSub int

const (
	IOSubNone IOSub = iota
	IOSubClosedFd
	IOSubEOF
)

// ProtocolSub distinguishes ProtocolError subkinds raised by the message
// parser state machine.
type ProtocolSub int

const (
	ProtocolSubNone ProtocolSub = iota
	ProtocolSubUnknownType
	ProtocolSubReadData
	ProtocolSubUnknownState
	ProtocolSubUnsupportedSize
)

func (p ProtocolSub) String() string {
	switch p {
	case ProtocolSubUnknownType:
		return "unknown_type"
	case ProtocolSubReadData:
		return "read_data"
	case ProtocolSubUnknownState:
		return "unknown_state"
	case ProtocolSubUnsupportedSize:
		return "unsupported_size"
	default:
		return "none"
	}
}

// Error is the concrete error type returned by every exported operation in
// this module. Op names the failing operation (e.g. "storage.SetValue").
type Error struct {
	Kind  Kind
	Op    string
	IO    IOSub
	Proto ProtocolSub
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, obsrerr.KindX) style comparisons by wrapping a
// Kind as a sentinel via New(kind, "", nil) and comparing Kind fields.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error for the given kind/op, optionally wrapping cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// NewIO builds an IoError with a subkind.
func NewIO(op string, sub IOSub, cause error) *Error {
	return &Error{Kind: KindIO, Op: op, IO: sub, Err: cause}
}

// NewProtocol builds a ProtocolError with a subkind.
func NewProtocol(op string, sub ProtocolSub, cause error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Proto: sub, Err: cause}
}

// Sentinel returns a comparable sentinel for a given kind, for use with
// errors.Is(err, obsrerr.Sentinel(obsrerr.KindNoSuchHandle)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
