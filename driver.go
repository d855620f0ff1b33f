package softbridge

import "time"

// ChannelDriver is the narrow interface the core consumes from the telephony
// endpoint layer. The driver owns the legs it creates; the core borrows them
// for the duration of a bridge session.
type ChannelDriver interface {
	// Request creates a new down leg towards dst using the given technology
	// and media format. Failures carry a *ChannelRequestError.
	Request(tech, format, dst string) (*Leg, error)

	// Call starts alerting a requested leg. Progress arrives as control
	// frames on the leg's input queue.
	Call(leg *Leg, dst string, timeout time.Duration) error

	// Answer brings a leg up.
	Answer(leg *Leg) error

	// Hangup releases a leg at the driver layer.
	Hangup(leg *Leg) error

	// MakeCompatible reconciles the read/write formats of two legs.
	MakeCompatible(a, b *Leg) error

	// SetCallerID stamps caller identity onto a leg.
	SetCallerID(leg *Leg, num, name, ani string)
}

// Dialplan is the interface to the extension executor.
type Dialplan interface {
	ExistsExtension(context, exten string, priority int, callerNum string) bool

	// AsyncGoto asks the leg's owning dialplan task to unwind and resume at
	// the new coordinate. The caller must treat the leg as released.
	AsyncGoto(leg *Leg, context, exten string, priority int) error

	// SpawnExtension starts a fresh dialplan task for a leg that has none.
	SpawnExtension(leg *Leg, context, exten string, priority int) error

	AddExtension(context, exten string, priority int, app, data string) error
	RemoveExtension(context, exten string, priority int) error

	FindApp(name string) bool
	ExecApp(leg *Leg, app, args string) error

	GetVariable(leg *Leg, name string) string
	SetVariable(leg *Leg, name, value string)
}

// Media is the tone, prompt and capture interface.
type Media interface {
	StreamFile(leg *Leg, name, language string) error
	WaitStream(leg *Leg) error
	StopStream(leg *Leg)
	SayDigits(leg *Leg, digits, language string) error
	StartMOH(leg *Leg, class string) error
	StopMOH(leg *Leg)
	StartCapture(leg *Leg, path, format string) error
	StopCapture(leg *Leg) error
}

// Publisher receives observability events (parked-call, transfer, monitor).
type Publisher interface {
	Publish(event string, fields map[string]string)
}

// ServiceClass classifies what a dialled short-code resolves to.
type ServiceClass int

const (
	ServiceNone ServiceClass = iota
	ServiceBargeIn
	ServiceOperator
	ServiceQueue
)

// ServiceLookup resolves a dialled number to its feature class and the
// notifycaller policy configured for it.
type ServiceLookup interface {
	LookupService(number string) (ServiceClass, int)
}
