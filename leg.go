package softbridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"
)

// LegState is the lifecycle state of a leg.
type LegState int

const (
	LegDown LegState = iota
	LegRinging
	LegUp
	LegHeld
	LegHungup
)

func (s LegState) String() string {
	switch s {
	case LegDown:
		return "Down"
	case LegRinging:
		return "Ringing"
	case LegUp:
		return "Up"
	case LegHeld:
		return "Held"
	case LegHungup:
		return "Hungup"
	}
	return "Unknown"
}

// IsLive reports whether the leg can still exchange frames.
func (s LegState) IsLive() bool { return s != LegHungup }

// TransferRole marks which part a leg currently plays in a transfer.
type TransferRole int

const (
	TransferNone TransferRole = iota
	TransferTransferee
	TransferTransferor
)

const legQueueDepth = 128

// legQueues is the frame inbox/outbox pair of one leg. A masquerade swaps
// the whole pair between victim and replacement.
type legQueues struct {
	in  chan *Frame // endpoint to core
	out chan *Frame // core to endpoint
}

var legSeq int64

// Leg is one endpoint of a call as seen by the core. It abstracts away the
// underlying signalling technology; the channel driver owns it, the core
// borrows it while bridging.
type Leg struct {
	seq int64 // creation order, used for canonical lock ordering

	mu   sync.Mutex
	name string
	q    *legQueues

	state       LegState
	readFormat  string
	writeFormat string
	language    string

	callerNum  string
	callerName string
	callerANI  string

	vars       map[string]string
	datastores map[string]interface{}

	// Current dialplan position and whether an owning dialplan task exists
	// (decides async goto vs spawn on transfer).
	context      string
	exten        string
	priority     int
	dialplanTask bool

	cdr *CallRecord

	peer   *Leg           // current bridged peer, nil outside a bridge
	bridge *BridgeSession // weak backref, consulted under l.mu

	zombie *abool.AtomicBool
	refs   int32

	// hangupDont returns the leg to its dialplan instead of hanging it up
	// when the far side ends the bridge.
	hangupDont bool

	role     TransferRole
	referSeq int64

	autosvc    int
	asStop     chan struct{}
	asDone     chan struct{}
	asDeferred []*Frame

	mohClass string
}

// NewLeg creates a leg with default formats. Channel drivers call this when
// handing an endpoint to the core.
func NewLeg(name string) *Leg {
	return &Leg{
		seq:         atomic.AddInt64(&legSeq, 1),
		name:        name,
		q:           newLegQueues(),
		readFormat:  "ulaw",
		writeFormat: "ulaw",
		language:    "en",
		vars:        make(map[string]string),
		datastores:  make(map[string]interface{}),
		zombie:      abool.New(),
		refs:        1,
	}
}

func newLegQueues() *legQueues {
	return &legQueues{
		in:  make(chan *Frame, legQueueDepth),
		out: make(chan *Frame, legQueueDepth),
	}
}

// Name returns the leg's stable name.
func (l *Leg) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

func (l *Leg) rename(name string) {
	l.mu.Lock()
	l.name = name
	l.mu.Unlock()
}

// State returns the current lifecycle state.
func (l *Leg) State() LegState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Leg) setState(s LegState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// SetFormats sets the read and write media formats.
func (l *Leg) SetFormats(read, write string) {
	l.mu.Lock()
	l.readFormat = read
	l.writeFormat = write
	l.mu.Unlock()
}

// Formats returns the read and write media formats.
func (l *Leg) Formats() (read, write string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readFormat, l.writeFormat
}

// Language returns the prompt language of the leg.
func (l *Leg) Language() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.language
}

// SetLanguage sets the prompt language.
func (l *Leg) SetLanguage(lang string) {
	l.mu.Lock()
	l.language = lang
	l.mu.Unlock()
}

// SetCallerID stamps caller identity on the leg.
func (l *Leg) SetCallerID(num, name, ani string) {
	l.mu.Lock()
	l.callerNum = num
	l.callerName = name
	l.callerANI = ani
	l.mu.Unlock()
}

// CallerID returns the caller identity of the leg.
func (l *Leg) CallerID() (num, name, ani string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callerNum, l.callerName, l.callerANI
}

// Variable returns the value of a channel variable, or "".
func (l *Leg) Variable(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vars[name]
}

// SetVariable sets a channel variable.
func (l *Leg) SetVariable(name, value string) {
	l.mu.Lock()
	l.vars[name] = value
	l.mu.Unlock()
}

// Datastore returns the named datastore, or nil.
func (l *Leg) Datastore(name string) interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.datastores[name]
}

// SetDatastore attaches a named datastore; a nil value removes it.
func (l *Leg) SetDatastore(name string, v interface{}) {
	l.mu.Lock()
	if v == nil {
		delete(l.datastores, name)
	} else {
		l.datastores[name] = v
	}
	l.mu.Unlock()
}

// DialplanPosition returns the leg's current dialplan coordinate.
func (l *Leg) DialplanPosition() (context, exten string, priority int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.context, l.exten, l.priority
}

// SetDialplanPosition moves the leg's dialplan coordinate.
func (l *Leg) SetDialplanPosition(context, exten string, priority int) {
	l.mu.Lock()
	l.context = context
	l.exten = exten
	l.priority = priority
	l.mu.Unlock()
}

// SetDialplanTask records whether an owning dialplan task exists.
func (l *Leg) SetDialplanTask(has bool) {
	l.mu.Lock()
	l.dialplanTask = has
	l.mu.Unlock()
}

func (l *Leg) hasDialplanTask() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dialplanTask
}

// SetHangupDont controls whether the leg survives the far side ending the
// bridge (returned to its dialplan instead of hung up).
func (l *Leg) SetHangupDont(v bool) {
	l.mu.Lock()
	l.hangupDont = v
	l.mu.Unlock()
}

// HangupDont reports the flag set by SetHangupDont.
func (l *Leg) HangupDont() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hangupDont
}

// TransferRole returns the leg's current part in a transfer.
func (l *Leg) TransferRole() TransferRole {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

// SetTransferRole marks the leg's part in a transfer.
func (l *Leg) SetTransferRole(r TransferRole) {
	l.mu.Lock()
	l.role = r
	l.mu.Unlock()
}

// NextReferID returns the next refer correlation id for this leg. Ids are
// monotonic per leg and are the only reliable join key for sub-actions.
func (l *Leg) NextReferID() int64 {
	return atomic.AddInt64(&l.referSeq, 1)
}

// Peer returns the leg currently bridged with this one, or nil.
func (l *Leg) Peer() *Leg {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (l *Leg) setPeer(p *Leg) {
	l.mu.Lock()
	l.peer = p
	l.mu.Unlock()
}

// Bridge returns the session currently supervising this leg, or nil.
func (l *Leg) Bridge() *BridgeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bridge
}

func (l *Leg) setBridge(b *BridgeSession) {
	l.mu.Lock()
	l.bridge = b
	l.mu.Unlock()
}

// Ref takes an additional reference on the leg for a thread handoff.
func (l *Leg) Ref() *Leg {
	atomic.AddInt32(&l.refs, 1)
	return l
}

// Unref releases one reference.
func (l *Leg) Unref() {
	atomic.AddInt32(&l.refs, -1)
}

// Refs returns the current reference count.
func (l *Leg) Refs() int32 {
	return atomic.LoadInt32(&l.refs)
}

// IsZombie reports whether the leg was discarded by a masquerade.
func (l *Leg) IsZombie() bool { return l.zombie.IsSet() }

// Hungup reports whether the leg is past use.
func (l *Leg) Hungup() bool { return l.State() == LegHungup }

// Deliver queues a frame from the endpoint towards the core. Frames
// delivered to a zombie are dropped.
func (l *Leg) Deliver(f *Frame) {
	if l.IsZombie() {
		return
	}
	l.mu.Lock()
	q := l.q
	l.mu.Unlock()
	select {
	case q.in <- f:
	default:
		coreLog.Warnf("input queue overflow on %s, dropping %v frame", l.Name(), f.Type)
	}
}

// WriteFrame queues a frame from the core towards the endpoint.
func (l *Leg) WriteFrame(f *Frame) {
	if l.IsZombie() || l.Hungup() {
		return
	}
	l.mu.Lock()
	q := l.q
	l.mu.Unlock()
	select {
	case q.out <- f:
	default:
		coreLog.Warnf("output queue overflow on %s, dropping %v frame", l.Name(), f.Type)
	}
}

// Indicate writes a control frame towards the endpoint.
func (l *Leg) Indicate(c ControlType) {
	l.WriteFrame(NewControlFrame(c))
}

// Output exposes the endpoint-facing queue; channel drivers and tests read
// from it.
func (l *Leg) Output() <-chan *Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.out
}

func (l *Leg) readChan() <-chan *Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.in
}

// ReadFrame blocks for the next inbound frame up to timeout. It returns nil
// on timeout, and a Hangup control immediately if the leg is already dead.
func (l *Leg) ReadFrame(timeout time.Duration) *Frame {
	if l.Hungup() || l.IsZombie() {
		return NewControlFrame(ControlHangup)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-l.readChan():
		return f
	case <-t.C:
		return nil
	}
}

// markHungup transitions the leg to Hungup and wakes any blocked reader.
func (l *Leg) markHungup() {
	l.mu.Lock()
	already := l.state == LegHungup
	l.state = LegHungup
	q := l.q
	l.mu.Unlock()
	if already {
		return
	}
	select {
	case q.in <- NewControlFrame(ControlHangup):
	default:
	}
}

// mohActive returns the hold-music class currently playing, or "".
func (l *Leg) mohActive() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mohClass
}

func (l *Leg) setMOH(class string) {
	l.mu.Lock()
	l.mohClass = class
	l.mu.Unlock()
}

// lockTwo acquires both leg locks in canonical (creation) order to prevent
// deadlock when two legs must be held together.
func lockTwo(a, b *Leg) {
	if a.seq < b.seq {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockTwo(a, b *Leg) {
	a.mu.Unlock()
	b.mu.Unlock()
}
