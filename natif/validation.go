package natif

import (
	"errors"
	"fmt"
)

// Validator accumulates structural errors found while validating a frame's
// size/version/checksum fields, in the style of the teacher's lneto2.Validator.
// A validated frame is never partially processed: callers check HasError
// before touching frame payload/options.
type Validator struct {
	allowMultiErrs bool
	accum          []error
}

// AllowMultiErrors makes the validator accumulate every error it sees instead
// of only the first one (used by tests that want a full report).
func (v *Validator) AllowMultiErrors(allow bool) { v.allowMultiErrs = allow }

// Reset clears all accumulated errors so the validator can be reused.
func (v *Validator) Reset() { v.accum = v.accum[:0] }

// HasError reports whether any error has been recorded.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns the accumulated error, or nil if none were recorded.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// AddError records a validation failure. Panics on a nil error argument,
// matching the teacher's lneto2.Validator.AddError.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("natif: AddError called with nil error")
	}
	if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}

// OutcomeKind classifies how a parse/forward attempt concluded. See spec §7
// "Error handling design" and Design Note 2 (§9): every parser returns one of
// these explicitly instead of throwing.
type OutcomeKind uint8

const (
	// Accept means the packet was handled to completion (forwarded, replied
	// to, or otherwise fully consumed).
	Accept OutcomeKind = iota
	// DropInform is an expected, benign drop: no matching rule, a NAT miss.
	// Logged at info level; the packet is still acked.
	DropInform
	// DropWarn is an abnormal drop: malformed frame, bad checksum, pool
	// exhaustion. Logged at warn level; the packet is still acked.
	DropWarn
	// Postpone means resolution is pending (ARP cache miss). The packet is
	// NOT acked now; it is held in a waiter and acked on resume or timeout.
	Postpone
	// AllocFailed is a transient TX allocation failure; the triggering
	// operation is abandoned and logged.
	AllocFailed
	// Fatal is an invariant violation that must tear down the interface.
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Accept:
		return "accept"
	case DropInform:
		return "drop-inform"
	case DropWarn:
		return "drop-warn"
	case Postpone:
		return "postpone"
	case AllocFailed:
		return "alloc-failed"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Outcome is the result sum type every parse/forward/dispatch path returns.
// Message carries a human-readable reason for DropInform/DropWarn/Fatal.
// Err carries the underlying error, when there is one.
type Outcome struct {
	Kind    OutcomeKind
	Message string
	Err     error
}

func (o Outcome) String() string {
	if o.Message == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Message
}

// AcceptOutcome is the zero-value success outcome.
func AcceptOutcome() Outcome { return Outcome{Kind: Accept} }

// DropInformf builds a DropInform outcome with a formatted message.
func DropInformf(format string, args ...any) Outcome {
	return Outcome{Kind: DropInform, Message: fmt.Sprintf(format, args...)}
}

// DropWarnf builds a DropWarn outcome with a formatted message.
func DropWarnf(format string, args ...any) Outcome {
	return Outcome{Kind: DropWarn, Message: fmt.Sprintf(format, args...)}
}

// DropWarnErr builds a DropWarn outcome wrapping err.
func DropWarnErr(err error) Outcome {
	return Outcome{Kind: DropWarn, Message: err.Error(), Err: err}
}

// PostponeOutcome builds a Postpone outcome.
func PostponeOutcome() Outcome { return Outcome{Kind: Postpone} }

// FatalErr builds a Fatal outcome wrapping err.
func FatalErr(err error) Outcome {
	return Outcome{Kind: Fatal, Message: err.Error(), Err: err}
}
