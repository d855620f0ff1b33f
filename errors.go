package softbridge

import (
	"errors"
	"fmt"
)

// Errors surfaced by the feature core. Within a bridge everything except
// ErrFatal is translated into an operator-visible behaviour before it
// reaches the caller.
var (
	ErrUnknownFeature      = errors.New("unknown feature")
	ErrDuplicateFeature    = errors.New("duplicate feature")
	ErrSlotTaken           = errors.New("parking slot taken")
	ErrOutOfRange          = errors.New("parking slot out of range")
	ErrNoFreeSlots         = errors.New("no free parking slots")
	ErrUnknownExtension    = errors.New("unknown extension")
	ErrReservedCode        = errors.New("reserved service code")
	ErrIncompatibleFormats = errors.New("incompatible media formats")
	ErrInvokerHangup       = errors.New("invoker hung up")
	ErrLegGone             = errors.New("leg is hung up")
	ErrUnknownLeg          = errors.New("no such leg")
	ErrUnknownLot          = errors.New("no such parking lot")
	ErrShutdown            = errors.New("core is shutting down")
	ErrFatal               = errors.New("fatal invariant violation")
)

// Cause classifies why an outbound leg could not be created or failed to
// complete. Causes are sourced from the leg's terminal control frame, never
// from driver errnos.
type Cause int

const (
	CauseNone Cause = iota
	CauseBusy
	CauseCongestion
	CauseUnavailable
	CauseForbidden
	CauseOffhook
	CauseTakeoffhook
	CauseTimeout
	CauseRouteFail
	CauseRejected
	CauseHangup
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseBusy:
		return "busy"
	case CauseCongestion:
		return "congestion"
	case CauseUnavailable:
		return "unavailable"
	case CauseForbidden:
		return "forbidden"
	case CauseOffhook:
		return "offhook"
	case CauseTakeoffhook:
		return "takeoffhook"
	case CauseTimeout:
		return "timeout"
	case CauseRouteFail:
		return "routefail"
	case CauseRejected:
		return "rejected"
	case CauseHangup:
		return "hangup"
	}
	return "unknown"
}

// ChannelRequestError reports a failed outbound leg creation together with
// its cause.
type ChannelRequestError struct {
	Cause Cause
}

func (e *ChannelRequestError) Error() string {
	return fmt.Sprintf("channel request failed: %s", e.Cause)
}

// causeFromControl maps a terminal control frame to a Cause.
func causeFromControl(c ControlType) Cause {
	switch c {
	case ControlBusy:
		return CauseBusy
	case ControlCongestion:
		return CauseCongestion
	case ControlUnavailable:
		return CauseUnavailable
	case ControlForbidden:
		return CauseForbidden
	case ControlOffhook:
		return CauseOffhook
	case ControlTakeoffhook:
		return CauseTakeoffhook
	case ControlTimeout:
		return CauseTimeout
	case ControlRouteFail:
		return CauseRouteFail
	case ControlRejected:
		return CauseRejected
	case ControlHangup:
		return CauseHangup
	}
	return CauseNone
}
