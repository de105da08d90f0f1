// Package errs defines the conversion error taxonomy shared by every stage.
package errs

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies a conversion failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindResolution
	KindPlanning
	KindResource
	KindDownload
	KindQuantization
	KindWrite
	KindPersistence
	KindJobInProgress
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindPlanning:
		return "planning"
	case KindResource:
		return "resource"
	case KindDownload:
		return "download"
	case KindQuantization:
		return "quantization"
	case KindWrite:
		return "write"
	case KindPersistence:
		return "persistence"
	case KindJobInProgress:
		return "job in progress"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DefaultHint returns the remediation shown to the user when none was set.
func (k Kind) DefaultHint() string {
	switch k {
	case KindResolution:
		return "check the model id or path; the repository must contain a config.json"
	case KindPlanning:
		return "reduce context length or choose NF4"
	case KindResource:
		return "switch to Auto or CPU mode"
	case KindDownload:
		return "check network connection and HF_TOKEN for gated repositories"
	case KindQuantization:
		return "the source weights may be corrupt; re-download the model"
	case KindWrite:
		return "free disk space or choose another output directory"
	case KindPersistence:
		return "check permissions on the settings directory"
	case KindJobInProgress:
		return "wait for the running conversion to finish or cancel it"
	default:
		return ""
	}
}

// Error is a classified failure. Err is the underlying cause, if any.
type Error struct {
	Kind   Kind
	Op     string
	Tensor string // set for quantization failures
	Hint   string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Tensor != "" {
		b.WriteString(" (tensor ")
		b.WriteString(e.Tensor)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Remediation returns Hint, or the kind's default hint.
func (e *Error) Remediation() string {
	if e.Hint != "" {
		return e.Hint
	}
	return e.Kind.DefaultHint()
}

// E builds an *Error of kind k for operation op wrapping err.
func E(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// New builds an *Error of kind k with a plain message.
func New(k Kind, op, msg string) *Error {
	return &Error{Kind: k, Op: op, Err: errors.New(msg)}
}

// WithHint sets the remediation hint and returns e.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Quantization builds a quantization failure for the named tensor.
func Quantization(tensor string, err error) *Error {
	return &Error{Kind: KindQuantization, Op: "quantize", Tensor: tensor, Err: err}
}

// ErrJobInProgress is returned when a job is submitted while another is running.
var ErrJobInProgress = &Error{Kind: KindJobInProgress, Op: "submit", Err: errors.New("another conversion is already running")}

// KindOf returns the kind of the first *Error in err's chain.
// Context cancellation maps to KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Hint returns the remediation hint carried by err, or "".
func Hint(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Remediation()
	}
	return ""
}

// ErrCancelled marks a cooperative cancellation observed by a stage.
var ErrCancelled = errors.New("conversion cancelled")
