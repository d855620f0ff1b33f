package softbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// maxOutboundLegs bounds how many consultation legs one supervisor fans out.
const maxOutboundLegs = 10

// Outbound leg call states.
const (
	dialRequested  = "requested"
	dialProceeding = "proceeding"
	dialProgress   = "progress"
	dialRinging    = "ringing"
	dialAnswered   = "answered"
	dialFailed     = "failed"
)

func newOutboundFSM() *fsm.FSM {
	alive := []string{dialRequested, dialProceeding, dialProgress, dialRinging}
	return fsm.NewFSM(dialRequested, fsm.Events{
		{Name: "proceeding", Src: []string{dialRequested}, Dst: dialProceeding},
		{Name: "progress", Src: alive, Dst: dialProgress},
		{Name: "ringing", Src: alive, Dst: dialRinging},
		{Name: "answer", Src: alive, Dst: dialAnswered},
		{Name: "fail", Src: append(alive, dialAnswered), Dst: dialFailed},
	}, nil)
}

// outboundLeg is one consultation target tracked by the supervisor.
type outboundLeg struct {
	id       int64
	leg      *Leg
	machine  *fsm.FSM
	cause    Cause
	released bool // supervisor reference already dropped
}

// ID returns the refer correlation id of the target.
func (o *outboundLeg) ID() int64 { return o.id }

// Leg returns the underlying leg.
func (o *outboundLeg) Leg() *Leg { return o.leg }

func (o *outboundLeg) state() string { return o.machine.Current() }

func (o *outboundLeg) alive() bool { return o.state() != dialFailed }

func (o *outboundLeg) answered() bool { return o.state() == dialAnswered }

func (o *outboundLeg) spin(event string) {
	_ = o.machine.Event(context.Background(), event)
}

// DialResult is how a supervision run ended.
type DialResult int

const (
	// DialAnswered means the focused target answered and is handed back.
	DialAnswered DialResult = iota
	// DialNoAnswer means the supervisor deadline expired.
	DialNoAnswer
	// DialCallerHangup means the originator hung up; the first surviving
	// target is handed back so a blind-style splice can finish.
	DialCallerHangup
	// DialBridgedElsewhere means a Connect sub-action spliced a target.
	DialBridgedElsewhere
	// DialFailed means every target reached a terminal failure.
	DialFailed
)

type dialEvent struct {
	ol *outboundLeg
	f  *Frame
}

// DialSupervisor originates outbound legs from inside a bridge, shuttles
// progress back to the originator, arbitrates focus across targets, and
// hands a successful leg back for splicing.
type DialSupervisor struct {
	core *Core
	orig *Leg // the transferor driving the supervisor
	held *Leg // the originator's bridge peer, parked on hold; may be nil

	notify   int // notifycaller policy 0..4
	deadline time.Time

	// returnOnAnswer hands the focused target back as soon as it answers
	// (plain attended transfer). REFER-driven supervision keeps running
	// until the originator issues Connect.
	returnOnAnswer bool

	targets []*outboundLeg
	focus   int

	events    chan dialEvent
	pumpStop  chan struct{}
	ringback  bool
	heldState bool // held peer currently autoserviced by us
}

// newDialSupervisor builds a supervisor. timeout zero uses the configured
// consultation no-answer timeout.
func (c *Core) newDialSupervisor(orig, held *Leg, notify int, timeout time.Duration) *DialSupervisor {
	if timeout <= 0 {
		timeout = c.settings.AtxferNoAnswerTime()
	}
	if notify < 0 {
		notify = c.settings.NotifyCaller()
	}
	return &DialSupervisor{
		core:     c,
		orig:     orig,
		held:     held,
		notify:   notify,
		deadline: time.Now().Add(timeout),
		focus:    -1,
		events:   make(chan dialEvent, legQueueDepth),
		pumpStop: make(chan struct{}),
	}
}

// AddTarget originates one consultation leg towards exten@context. A zero id
// draws the next correlation id from the originator.
func (d *DialSupervisor) AddTarget(tech, exten, context string, id int64) (*outboundLeg, error) {
	if len(d.targets) >= maxOutboundLegs {
		return nil, fmt.Errorf("dial supervisor: target limit reached")
	}
	if id == 0 {
		id = d.orig.NextReferID()
	}

	read, _ := d.orig.Formats()
	dst := exten
	if context != "" {
		dst = exten + "@" + context
	}
	leg, err := d.core.driver.Request(tech, read, dst)
	if err != nil {
		var reqErr *ChannelRequestError
		if !errors.As(err, &reqErr) {
			reqErr = &ChannelRequestError{Cause: CauseCongestion}
			err = fmt.Errorf("request %s: %w", dst, reqErr)
		}
		d.notifyOriginator(notifyForCause(reqErr.Cause), id)
		return nil, err
	}
	num, name, ani := d.orig.CallerID()
	d.core.driver.SetCallerID(leg, num, name, ani)

	if err := d.core.driver.Call(leg, dst, time.Until(d.deadline)); err != nil {
		_ = d.core.driver.Hangup(leg)
		d.notifyOriginator(ControlNotifyCircuits, id)
		return nil, fmt.Errorf("call %s: %w", dst, &ChannelRequestError{Cause: CauseCongestion})
	}

	ol := &outboundLeg{id: id, leg: leg.Ref(), machine: newOutboundFSM()}
	d.targets = append(d.targets, ol)
	if d.focus < 0 {
		d.focus = len(d.targets) - 1
	}
	dialLog.Infof("originated %s (id %d) for %s", leg.Name(), id, d.orig.Name())

	go d.pump(ol)
	return ol, nil
}

// pump forwards one outbound leg's frames into the supervisor's event
// channel.
func (d *DialSupervisor) pump(ol *outboundLeg) {
	for {
		select {
		case <-d.pumpStop:
			return
		case f := <-ol.leg.readChan():
			if f == nil {
				continue
			}
			select {
			case d.events <- dialEvent{ol: ol, f: f}:
			case <-d.pumpStop:
				return
			}
			if f.Type == FrameControl && f.Control.IsHangupClass() {
				return
			}
		}
	}
}

func (d *DialSupervisor) focused() *outboundLeg {
	if d.focus < 0 || d.focus >= len(d.targets) {
		return nil
	}
	ol := d.targets[d.focus]
	if !ol.alive() {
		return nil
	}
	return ol
}

func (d *DialSupervisor) findTarget(id int64) *outboundLeg {
	for _, ol := range d.targets {
		if ol.id == id {
			return ol
		}
	}
	return nil
}

// Run multiplexes the originator and every outbound leg until a terminal
// outcome. The returned leg (when non-nil) is answered or alerting and is
// the caller's to splice or hang up; every other target has been released.
func (d *DialSupervisor) Run() (DialResult, *outboundLeg, Cause) {
	defer close(d.pumpStop)
	defer d.stopHeldService()

	var lastCause Cause
	for {
		timer := time.NewTimer(time.Until(d.deadline))

		select {
		case <-d.core.shutdown:
			timer.Stop()
			d.teardown(nil)
			return DialFailed, nil, CauseNone

		case <-timer.C:
			dialLog.Infof("consultation timeout for %s", d.orig.Name())
			d.notifyOriginator(ControlNotifyTimeout, 0)
			d.speakStatus(CauseTimeout)
			d.teardown(nil)
			return DialNoAnswer, nil, CauseTimeout

		case f := <-d.orig.readChan():
			timer.Stop()
			if f == nil {
				continue
			}
			if res, ol, cause, done := d.handleOriginator(f); done {
				return res, ol, cause
			}

		case ev := <-d.events:
			timer.Stop()
			if res, ol, cause, done := d.handleOutbound(ev, &lastCause); done {
				return res, ol, cause
			}
		}
	}
}

// handleOriginator processes one frame from the transferor.
func (d *DialSupervisor) handleOriginator(f *Frame) (DialResult, *outboundLeg, Cause, bool) {
	switch f.Type {
	case FrameMedia:
		if ol := d.focused(); ol != nil {
			ol.leg.WriteFrame(f)
		}
	case FrameDTMF:
		if ol := d.focused(); ol != nil {
			ol.leg.WriteFrame(f)
		}
	case FrameControl:
		switch {
		case f.Control == ControlHangup:
			d.orig.markHungup()
			survivor := d.promoteSurvivor()
			if survivor == nil {
				d.teardown(nil)
				return DialCallerHangup, nil, CauseHangup, true
			}
			d.teardown(survivor)
			dialLog.Infof("originator %s gone, handing back %s", d.orig.Name(), survivor.leg.Name())
			return DialCallerHangup, survivor, CauseNone, true

		case f.Control == ControlRefer && f.Refer != nil:
			return d.handleReferDirective(f.Refer)
		}
	}
	return 0, nil, CauseNone, false
}

// handleReferDirective interprets mid-flight refer sub-actions from the
// originator.
func (d *DialSupervisor) handleReferDirective(req *ReferRequest) (DialResult, *outboundLeg, Cause, bool) {
	switch req.Action {
	case ReferAttended, ReferBlind, ReferAnnounce:
		ctx := d.core.transferContext(d.orig)
		if _, err := d.AddTarget("Local", req.Exten, ctx, req.ID); err != nil {
			dialLog.Warnf("additional refer target %s failed: %v", req.Exten, err)
			d.notifyOriginator(ControlNotifyCircuits, req.ID)
		}

	case ReferAccept:
		ol := d.findTarget(req.ID)
		if ol == nil || !ol.alive() {
			dialLog.Warnf("accept for unknown id %d", req.ID)
			return 0, nil, CauseNone, false
		}
		d.switchFocus(ol)

	case ReferConnect:
		ol := d.findTarget(req.ID)
		if ol == nil || !ol.answered() {
			dialLog.Warnf("connect for unanswered id %d", req.ID)
			return 0, nil, CauseNone, false
		}
		d.notifyOriginator(ControlNotifyConnect, req.ID)
		d.teardown(ol)
		return DialBridgedElsewhere, ol, CauseNone, true

	case ReferCancel, ReferBye:
		ol := d.findTarget(req.ID)
		if ol == nil {
			return 0, nil, CauseNone, false
		}
		wasFocused := d.focused() == ol
		d.dropTarget(ol)
		d.notifyOriginator(ControlNotifyBye, req.ID)
		if wasFocused {
			if next := d.promoteSurvivor(); next == nil {
				d.teardown(nil)
				return DialFailed, nil, ol.cause, true
			}
		}
	}
	return 0, nil, CauseNone, false
}

// handleOutbound processes one frame from an outbound leg.
func (d *DialSupervisor) handleOutbound(ev dialEvent, lastCause *Cause) (DialResult, *outboundLeg, Cause, bool) {
	ol, f := ev.ol, ev.f
	switch f.Type {
	case FrameMedia:
		if d.focused() == ol {
			d.orig.WriteFrame(f)
		}

	case FrameControl:
		switch f.Control {
		case ControlProceeding:
			ol.spin("proceeding")
			d.notifyOriginator(ControlNotifyProceeding, ol.id)
		case ControlProgress:
			ol.spin("progress")
			d.notifyOriginator(ControlNotifyProgress, ol.id)
		case ControlRinging:
			ol.spin("ringing")
			d.notifyOriginator(ControlNotifyRinging, ol.id)
			if d.focused() == ol {
				d.startRingback()
			}
		case ControlAnswer:
			ol.spin("answer")
			ol.leg.setState(LegUp)
			d.notifyOriginator(ControlNotifyAnswer, ol.id)
			if d.focused() == ol {
				d.stopRingback()
				if d.returnOnAnswer {
					d.teardown(ol)
					return DialAnswered, ol, CauseNone, true
				}
			}
		default:
			if f.Control.IsHangupClass() {
				cause := causeFromControl(f.Control)
				ol.cause = cause
				*lastCause = cause
				// Capture focus before the state flips; focused() treats a
				// failed target as gone.
				wasFocused := d.focused() == ol
				ol.spin("fail")
				ol.leg.markHungup()
				d.notifyOriginator(notifyForCause(cause), ol.id)
				if wasFocused {
					d.stopRingback()
					d.speakStatus(cause)
					if next := d.promoteSurvivor(); next == nil {
						d.teardown(nil)
						return DialFailed, nil, cause, true
					}
				}
			}
		}
	}
	return 0, nil, CauseNone, false
}

// switchFocus moves the originator's attention to target ol. A previously
// focused answered target goes on hold with background servicing.
func (d *DialSupervisor) switchFocus(ol *outboundLeg) {
	cur := d.focused()
	if cur == ol {
		return
	}
	if cur != nil && cur.answered() {
		cur.leg.setState(LegHeld)
		cur.leg.Indicate(ControlHold)
		d.core.autoserviceStart(cur.leg)
	}
	for i, t := range d.targets {
		if t == ol {
			d.focus = i
			break
		}
	}
	if ol.answered() {
		d.core.autoserviceStop(ol.leg)
		ol.leg.setState(LegUp)
		ol.leg.Indicate(ControlUnhold)
	}
	dialLog.Infof("focus switched to %s (id %d)", ol.leg.Name(), ol.id)
}

// promoteSurvivor focuses the first still-alive target, or returns nil.
func (d *DialSupervisor) promoteSurvivor() *outboundLeg {
	for i, ol := range d.targets {
		if ol.alive() {
			d.focus = i
			return ol
		}
	}
	d.focus = -1
	return nil
}

// dropTarget terminates one target and releases the supervisor's reference.
func (d *DialSupervisor) dropTarget(ol *outboundLeg) {
	if ol.released {
		return
	}
	if ol.alive() {
		ol.spin("fail")
	}
	if d.core.autoserviceCount(ol.leg) > 0 {
		d.core.autoserviceStop(ol.leg)
	}
	_ = d.core.driver.Hangup(ol.leg)
	ol.leg.markHungup()
	ol.leg.Unref()
	ol.released = true
}

// teardown releases every target except the one being handed back.
func (d *DialSupervisor) teardown(keep *outboundLeg) {
	d.stopRingback()
	for _, ol := range d.targets {
		if ol == keep {
			if d.core.autoserviceCount(ol.leg) > 0 {
				d.core.autoserviceStop(ol.leg)
			}
			continue
		}
		if ol.released {
			continue
		}
		if !ol.leg.Hungup() {
			d.dropTarget(ol)
		} else {
			ol.leg.Unref()
			ol.released = true
		}
	}
}

// notifyOriginator emits a progress notification control on the originator.
func (d *DialSupervisor) notifyOriginator(n ControlType, id int64) {
	if n == ControlNone || d.notify == 0 {
		return
	}
	d.orig.WriteFrame(&Frame{Type: FrameControl, Control: n, ReferID: id})
}

// startRingback streams looping ring-back to the held peer when the policy
// asks for it.
func (d *DialSupervisor) startRingback() {
	if d.held == nil || d.ringback || d.core.media == nil {
		return
	}
	if d.notify == 2 || d.notify == 4 {
		d.ringback = true
		_ = d.core.media.StreamFile(d.held, "ringback", d.held.Language())
	}
}

func (d *DialSupervisor) stopRingback() {
	if !d.ringback {
		return
	}
	d.ringback = false
	if d.core.media != nil {
		d.core.media.StopStream(d.held)
	}
}

// speakStatus plays the spoken status to the originator when the policy
// asks for it.
func (d *DialSupervisor) speakStatus(cause Cause) {
	if d.notify != 1 && d.notify != 4 {
		return
	}
	if d.core.media == nil || d.orig.Hungup() {
		return
	}
	if sound := d.core.soundForCause(cause); sound != "" {
		_ = d.core.media.StreamFile(d.orig, sound, d.orig.Language())
	}
}

func (d *DialSupervisor) stopHeldService() {
	if d.heldState && d.held != nil {
		d.core.autoserviceStop(d.held)
		d.heldState = false
	}
}

// serviceHeld puts the held peer under background servicing for the run.
func (d *DialSupervisor) serviceHeld() {
	if d.held != nil && !d.heldState {
		d.core.autoserviceStart(d.held)
		d.heldState = true
	}
}

// notifyForCause maps a terminal cause to its notification control.
func notifyForCause(c Cause) ControlType {
	switch c {
	case CauseBusy:
		return ControlNotifyBusy
	case CauseCongestion, CauseRouteFail, CauseRejected, CauseUnavailable:
		return ControlNotifyCircuits
	case CauseForbidden:
		return ControlNotifyForbidden
	case CauseOffhook:
		return ControlNotifyOffhook
	case CauseTakeoffhook:
		return ControlNotifyTakeoffhook
	case CauseTimeout:
		return ControlNotifyTimeout
	case CauseHangup:
		return ControlNotifyBye
	}
	return ControlNone
}
