package collector

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind int

// Error kinds. StoreIO, DocumentStore and MessageBus are fatal to a run.
const (
	KindTransport ErrorKind = iota + 1
	KindStoreIO
	KindPostProcess
	KindDocumentStore
	KindMessageBus
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrTransport     = errors.New("transport error")
	ErrStoreIO       = errors.New("metadata store i/o error")
	ErrPostProcess   = errors.New("post-process error")
	ErrDocumentStore = errors.New("document store error")
	ErrMessageBus    = errors.New("message bus error")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindStoreIO:
		return ErrStoreIO
	case KindPostProcess:
		return ErrPostProcess
	case KindDocumentStore:
		return ErrDocumentStore
	case KindMessageBus:
		return ErrMessageBus
	default:
		return nil
	}
}

func (k ErrorKind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Fatal reports whether errors of this kind must end the whole run.
func (k ErrorKind) Fatal() bool {
	return k == KindStoreIO || k == KindDocumentStore || k == KindMessageBus
}

// Error carries the context an operator needs: which URL, in which state, and why.
type Error struct {
	Kind  ErrorKind
	URL   string
	State State
	Err   error
}

// NewError wraps err with a kind. A nil err yields nil.
func NewError(kind ErrorKind, url string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, URL: url, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.URL != "" {
		msg += " for " + e.URL
	}
	if e.State != "" {
		msg += " in " + string(e.State)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransport) and friends match by kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// WithState returns err annotated with the pipeline state it happened in. Errors that are not
// *Error are returned unchanged.
func WithState(err error, state State) error {
	var ce *Error
	if !errors.As(err, &ce) {
		return err
	}
	if ce.State != "" {
		return err
	}
	clone := *ce
	clone.State = state
	return &clone
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// IsFatal reports whether err must terminate the run.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}
