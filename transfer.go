package softbridge

import (
	"errors"
	"strconv"
	"time"
)

// maxTransferDigits bounds the collected target extension length.
const maxTransferDigits = 24

// transferContext resolves the context a transfer target is validated in:
// the TRANSFER_CONTEXT variable, the macro context, or the leg's current
// context, in that order.
func (c *Core) transferContext(l *Leg) string {
	if ctx := l.Variable("TRANSFER_CONTEXT"); ctx != "" {
		return ctx
	}
	if ctx := l.Variable("MACRO_CONTEXT"); ctx != "" {
		return ctx
	}
	ctx, _, _ := l.DialplanPosition()
	return ctx
}

// collectTransferExten prompts the invoker and gathers a target extension,
// one digit at a time, until '#', a digit timeout, or a hangup.
func (c *Core) collectTransferExten(sender *Leg) (string, error) {
	if c.media != nil {
		_ = c.media.StreamFile(sender, c.settings.XferSound(), sender.Language())
	}
	var digits []byte
	for len(digits) < maxTransferDigits {
		f := sender.ReadFrame(c.settings.TransferDigitTimeout())
		if f == nil {
			break
		}
		switch f.Type {
		case FrameDTMF:
			if f.Digit == '#' {
				return string(digits), nil
			}
			digits = append(digits, f.Digit)
		case FrameControl:
			if f.Control.IsHangupClass() {
				sender.markHungup()
				return "", ErrInvokerHangup
			}
		}
	}
	return string(digits), nil
}

// validateTransferTarget rejects empty targets, reserved service codes, and
// extensions missing from the active context.
func (c *Core) validateTransferTarget(invoker *Leg, exten, ctx string) error {
	if exten == "" {
		return ErrUnknownExtension
	}
	if c.lookup != nil {
		if class, _ := c.lookup.LookupService(exten); class != ServiceNone {
			return ErrReservedCode
		}
	}
	num, _, _ := invoker.CallerID()
	if !c.dialplan.ExistsExtension(ctx, exten, 1, num) {
		return ErrUnknownExtension
	}
	return nil
}

// playTransferError maps a transfer failure to its deterministic sound.
func (c *Core) playTransferError(l *Leg, err error) {
	var sound string
	switch {
	case errors.Is(err, ErrReservedCode):
		sound = c.settings.SoundForbidden()
	case errors.Is(err, ErrUnknownExtension):
		sound = c.settings.SoundInvalid()
	case errors.Is(err, ErrSlotTaken), errors.Is(err, ErrOutOfRange), errors.Is(err, ErrNoFreeSlots):
		sound = c.settings.SoundInvalidPark()
	default:
		sound = c.settings.XferFailSound()
	}
	if sound != "" && c.media != nil && !l.Hungup() {
		_ = c.media.StreamFile(l, sound, l.Language())
	}
}

// gotoExtension hands a leg to the dialplan at the given coordinate: an
// asynchronous goto when an owning dialplan task exists, a fresh task when
// not.
func (c *Core) gotoExtension(l *Leg, ctx, exten string, pri int) {
	l.SetDialplanPosition(ctx, exten, pri)
	var err error
	if l.hasDialplanTask() {
		err = c.dialplan.AsyncGoto(l, ctx, exten, pri)
	} else {
		err = c.dialplan.SpawnExtension(l, ctx, exten, pri)
	}
	if err != nil {
		coreLog.Warnf("failed to deliver %s to %s,%s,%d: %v", l.Name(), ctx, exten, pri, err)
		_ = c.driver.Hangup(l)
		l.markHungup()
	}
}

// builtinBlindTransfer collects a target from the invoker while the peer is
// autoserviced on hold music, then runs the blind transfer.
func builtinBlindTransfer(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
	c.autoserviceStart(peer)
	c.startMOH(peer, "")
	exten, err := c.collectTransferExten(sender)
	c.stopMOH(peer)
	c.autoserviceStop(peer)
	if err != nil {
		return FeatureHangup
	}
	if exten == "" {
		return FeatureConsumed
	}
	return c.blindTransfer(s, sender, peer, exten)
}

// blindTransfer detaches the transferee towards the target extension. The
// transferor's side of the bridge exits Transferred; the transferee's record
// is swapped with the transferor's first so billing attribution follows the
// call.
func (c *Core) blindTransfer(s *BridgeSession, transferor, transferee *Leg, exten string) FeatureResult {
	ctx := c.transferContext(transferor)

	if lot := c.parking.lotByParkExt(exten); lot != nil {
		return c.parkPeerFromBridge(s, transferor, transferee, lot)
	}

	if err := c.validateTransferTarget(transferor, exten, ctx); err != nil {
		bridgeLog.Infof("blind transfer by %s to %s@%s refused: %v", transferor.Name(), exten, ctx, err)
		c.playTransferError(transferor, err)
		return FeatureConsumed
	}

	swapCallRecords(transferor, transferee)
	transferor.SetTransferRole(TransferTransferor)
	transferee.SetTransferRole(TransferTransferee)

	c.stopMOH(transferee)
	transferee.setState(LegUp)
	transferee.Indicate(ControlUnhold)
	c.gotoExtension(transferee, ctx, exten, 1)

	c.publish(EventTransferred, map[string]string{
		"Channel":    transferor.Name(),
		"Transferee": transferee.Name(),
		"Exten":      exten,
		"Context":    ctx,
		"Type":       "Blind",
	})
	bridgeLog.Infof("blind transfer: %s sent %s to %s@%s", transferor.Name(), transferee.Name(), exten, ctx)

	// The transferor optionally continues at a configured destination
	// instead of falling back to its dialplan.
	if dest := transferor.Variable("POST_BLINDXFER_CONTEXT"); dest != "" {
		transferor.SetHangupDont(true)
		transferor.SetDialplanPosition(dest, "s", 1)
	}
	return FeatureTransferred
}

// holdForConsultation parks the transferee while the transferor consults: hold
// music by default, ringing when the ringmode variable says so.
func (c *Core) holdForConsultation(sender, peer *Leg) {
	peer.setState(LegHeld)
	peer.Indicate(ControlHold)
	mode := peer.Variable("ringmode")
	if mode == "" {
		mode = sender.Variable("ringmode")
	}
	if mode == "ring" {
		peer.Indicate(ControlRinging)
	} else {
		c.startMOH(peer, "")
	}
}

// resumeFromConsultation takes the transferee off hold.
func (c *Core) resumeFromConsultation(peer *Leg) {
	c.stopMOH(peer)
	if !peer.Hungup() {
		peer.setState(LegUp)
		peer.Indicate(ControlUnhold)
	}
}

// builtinAttendedTransfer collects a target, originates the consultation
// through the dial supervisor, and completes with a splice.
func builtinAttendedTransfer(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
	c.holdForConsultation(sender, peer)
	exten, err := c.collectTransferExten(sender)
	if err != nil {
		c.resumeFromConsultation(peer)
		return FeatureHangup
	}
	ctx := c.transferContext(sender)
	if verr := c.validateTransferTarget(sender, exten, ctx); verr != nil {
		bridgeLog.Infof("attended transfer by %s to %s@%s refused: %v", sender.Name(), exten, ctx, verr)
		c.playTransferError(sender, verr)
		c.resumeFromConsultation(peer)
		return FeatureConsumed
	}
	return c.attendedTransfer(s, sender, peer, exten, 0, true)
}

// attendedTransfer runs the consultation. returnOnAnswer selects the plain
// DTMF flow (bridge transferor and target once the target answers); the
// refer-driven flow keeps the supervisor running until a Connect directive.
func (c *Core) attendedTransfer(s *BridgeSession, transferor, transferee *Leg, exten string, id int64, returnOnAnswer bool) FeatureResult {
	d := c.newDialSupervisor(transferor, transferee, -1, 0)
	d.returnOnAnswer = returnOnAnswer
	d.serviceHeld()

	ctx := c.transferContext(transferor)
	if _, err := d.AddTarget("Local", exten, ctx, id); err != nil {
		d.stopHeldService()
		close(d.pumpStop)
		dialLog.Warnf("consultation origination to %s@%s failed: %v", exten, ctx, err)
		c.playTransferError(transferor, err)
		c.resumeFromConsultation(transferee)
		return FeatureConsumed
	}

	res, ol, cause := d.Run()
	switch res {
	case DialAnswered:
		return c.consultThenComplete(s, transferor, transferee, ol)

	case DialBridgedElsewhere:
		return c.completeAttended(s, transferor, transferee, ol.leg)

	case DialCallerHangup:
		if ol != nil {
			// Blind-style completion: the consultation keeps alerting and is
			// spliced to the transferee once it answers.
			c.finishWhenAnswered(transferee, ol.leg)
			return FeatureTransferred
		}
		return FeatureConsumed

	default: // DialNoAnswer, DialFailed
		bridgeLog.Infof("consultation to %s failed (%v), resuming %s and %s",
			exten, cause, transferor.Name(), transferee.Name())
		if c.media != nil && !transferor.Hungup() {
			_ = c.media.StreamFile(transferor, c.settings.XferFailSound(), transferor.Language())
		}
		c.resumeFromConsultation(transferee)
		return FeatureConsumed
	}
}

// consultThenComplete bridges transferor and target under the limited feature
// map, then settles the three-way outcome.
func (c *Core) consultThenComplete(s *BridgeSession, transferor, transferee *Leg, ol *outboundLeg) FeatureResult {
	target := ol.leg
	transferor.SetTransferRole(TransferTransferor)
	transferee.SetTransferRole(TransferTransferee)

	// Only atxfer is granted during the consultation; disconnect would tear
	// the consultation down by accident.
	cfg := &BridgeConfig{CallerFeatures: []string{"atxfer"}}

	c.autoserviceStart(transferee)
	transferor.SetHangupDont(true)
	target.SetHangupDont(true)
	r := c.Bridge(transferor, target, cfg)
	transferor.SetHangupDont(false)
	target.SetHangupDont(false)
	c.autoserviceStop(transferee)

	if r == BridgeLocalHangup && !target.Hungup() {
		return c.completeAttended(s, transferor, transferee, target)
	}

	// Consultation abandoned: resume the original pairing.
	transferor.SetTransferRole(TransferNone)
	transferee.SetTransferRole(TransferNone)
	if !target.Hungup() {
		_ = c.driver.Hangup(target)
		target.markHungup()
	}
	target.Unref()
	if transferor.Hungup() {
		c.resumeFromConsultation(transferee)
		return FeatureConsumed
	}
	if c.media != nil {
		_ = c.media.StreamFile(transferor, c.settings.XferFailSound(), transferor.Language())
	}
	transferor.setBridge(s)
	transferor.setPeer(transferee)
	transferee.setPeer(transferor)
	c.resumeFromConsultation(transferee)
	return FeatureConsumed
}

// completeAttended splices the target into the transferor's bridge slot and
// releases the transferor. The session keeps running with the new pairing.
func (c *Core) completeAttended(s *BridgeSession, transferor, transferee, target *Leg) FeatureResult {
	origName := transferor.Name()

	// The transferor may have just come out of the consultation bridge;
	// reattach it to the original session so the splice lands there.
	transferor.setBridge(s)
	transferor.setPeer(transferee)
	transferee.setPeer(transferor)

	if err := c.masquerade(transferor, target); err != nil {
		bridgeLog.Warnf("attended transfer splice failed: %v", err)
		c.playTransferError(transferor, err)
		if !target.Hungup() {
			_ = c.driver.Hangup(target)
			target.markHungup()
		}
		target.Unref()
		c.resumeFromConsultation(transferee)
		return FeatureConsumed
	}

	_ = c.driver.Hangup(transferor)
	target.Unref()
	target.SetTransferRole(TransferNone)
	transferee.SetTransferRole(TransferNone)
	c.resumeFromConsultation(transferee)

	if snd := target.Variable("ATTENDED_TRANSFER_COMPLETE_SOUND"); snd != "" && c.media != nil {
		_ = c.media.StreamFile(target, snd, target.Language())
	}
	c.publish(EventAttendedTransfer, map[string]string{
		"Transferor": origName,
		"Transferee": transferee.Name(),
		"Target":     target.Name(),
	})
	bridgeLog.Infof("attended transfer complete: %s now bridged with %s", target.Name(), transferee.Name())
	return FeatureConsumed
}

// finishWhenAnswered completes an attended transfer whose transferor hung up
// while the consultation was still alerting: wait for the answer, then bridge
// the consultation with the transferee.
func (c *Core) finishWhenAnswered(transferee, target *Leg) {
	transferee.setPeer(nil)
	transferee.setBridge(nil)
	deadline := time.Now().Add(c.settings.AtxferNoAnswerTime())

	giveUp := func() {
		if !target.Hungup() {
			_ = c.driver.Hangup(target)
			target.markHungup()
		}
		target.Unref()
		c.stopMOH(transferee)
		if !transferee.Hungup() {
			_ = c.driver.Hangup(transferee)
			transferee.markHungup()
		}
	}

	go func() {
		for {
			remain := time.Until(deadline)
			if remain <= 0 {
				giveUp()
				return
			}
			f := target.ReadFrame(remain)
			if f == nil {
				giveUp()
				return
			}
			if f.Type != FrameControl {
				continue
			}
			switch {
			case f.Control == ControlAnswer:
				target.setState(LegUp)
				target.Unref()
				c.resumeFromConsultation(transferee)
				c.publish(EventAttendedTransfer, map[string]string{
					"Transferee": transferee.Name(),
					"Target":     target.Name(),
				})
				c.Bridge(target, transferee, &BridgeConfig{})
				return
			case f.Control.IsHangupClass():
				giveUp()
				return
			}
		}
	}()
}

// builtinDisconnect ends the call from within the bridge.
func builtinDisconnect(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
	bridgeLog.Infof("disconnect feature invoked by %s", sender.Name())
	return FeatureHangup
}

// builtinParkCall parks the invoker's peer and speaks the slot number back to
// the invoker.
func builtinParkCall(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
	lotName := sender.Variable("PARKINGLOT")
	if lotName == "" {
		lotName = peer.Variable("PARKINGLOT")
	}
	lot, err := c.parking.Lot(lotName)
	if err != nil {
		parkLog.Warnf("park by %s refused: %v", sender.Name(), err)
		c.playTransferError(sender, ErrNoFreeSlots)
		return FeatureConsumed
	}
	return c.parkPeerFromBridge(s, sender, peer, lot)
}

// parkPeerFromBridge parks the peer in the given lot and breaks the bridge;
// the invoker hears the slot number and returns to its dialplan.
func (c *Core) parkPeerFromBridge(s *BridgeSession, parker, parkee *Leg, lot *ParkingLot) FeatureResult {
	snapshot := parker.Name()

	hint := 0
	if v := parker.Variable("PARKINGEXTEN"); v != "" {
		hint, _ = strconv.Atoi(v)
	} else if v := parkee.Variable("PARKINGEXTEN"); v != "" {
		hint, _ = strconv.Atoi(v)
	}

	res, err := c.parking.Reserve(lot.Config().Name, hint)
	if err != nil {
		parkLog.Warnf("no slot for %s in lot %s: %v", parkee.Name(), lot.Config().Name, err)
		c.playTransferError(parker, err)
		return FeatureConsumed
	}

	var opts ParkOptions
	if parker.Name() != snapshot {
		// A splice replaced the announcing party mid-operation; stay quiet.
		opts |= ParkSilence
	}

	parkee.SetTransferRole(TransferNone)
	if _, err := c.parking.Park(res, parkee, c.returnTargetFor(lot, parker), 0, opts, parker); err != nil {
		res.Cancel()
		c.playTransferError(parker, err)
		return FeatureConsumed
	}
	parker.SetHangupDont(true)
	return FeatureConsumedBreak
}

// returnTargetFor computes where a timed-out parked call reconnects: a redial
// of the parker by name, or the lot's fallback location.
func (c *Core) returnTargetFor(lot *ParkingLot, parker *Leg) ReturnTarget {
	if parker != nil && lot.Config().ComebackToOrigin {
		return ReturnTarget{PeerName: parker.Name()}
	}
	return ReturnTarget{Context: lot.Config().Context, Exten: "s", Priority: 1}
}

// ParkAndAnnounce parks a leg and speaks the slot number to another. When the
// parkee sits in a bridge, a placeholder leg takes its slot so the session
// can wind down on its own. The announcement is suppressed if a masquerade
// changed the listener's identity between entry and announcement.
func (c *Core) ParkAndAnnounce(parkee, announcer *Leg, lotName string, timeout time.Duration, opts ParkOptions) (*ParkedCall, error) {
	lot, err := c.parking.Lot(lotName)
	if err != nil {
		return nil, err
	}
	snapshot := ""
	if announcer != nil {
		snapshot = announcer.Name()
	}

	res, err := c.parking.ReserveWithOptions(lot.Config().Name, 0, opts)
	if err != nil {
		return nil, err
	}

	if parkee.Bridge() != nil {
		stand := c.extractFromBridge(parkee, "park-"+strconv.Itoa(res.Slot()))
		if stand != nil {
			stand.markHungup()
		}
	}

	announceTo := announcer
	if announcer == nil || announcer.Hungup() || announcer.Name() != snapshot {
		opts |= ParkSilence
	}
	pc, err := c.parking.Park(res, parkee, c.returnTargetFor(lot, announcer), timeout, opts, announceTo)
	if err != nil {
		res.Cancel()
		return nil, err
	}
	return pc, nil
}

// extractFromBridge pulls a leg out of its bridge, leaving a placeholder in
// its slot so the supervision loop keeps a well-defined party. Returns the
// placeholder, or nil if the leg was not bridged.
func (c *Core) extractFromBridge(l *Leg, tag string) *Leg {
	s := l.Bridge()
	if s == nil {
		return nil
	}
	stand := newBogusLeg(tag)
	peer := l.Peer()
	s.swapLeg(l, stand)
	if peer != nil {
		stand.setPeer(peer)
		peer.setPeer(stand)
	}
	l.setPeer(nil)
	l.setBridge(nil)
	// The supervision loop may be blocked on the extracted leg's queue; a
	// no-op control through the peer makes it re-evaluate its membership.
	if peer != nil {
		peer.Deliver(NewControlFrame(ControlNone))
	}
	return stand
}

// handleRefer dispatches a refer control received inside a bridge. Accept,
// Connect, Cancel and Bye only make sense while a dial supervisor is running;
// outside one they are ignored.
func (c *Core) handleRefer(s *BridgeSession, src, dst *Leg, req *ReferRequest) FeatureResult {
	switch req.Action {
	case ReferBlind:
		return c.blindTransfer(s, src, dst, req.Exten)

	case ReferAttended:
		c.holdForConsultation(src, dst)
		ctx := c.transferContext(src)
		if err := c.validateTransferTarget(src, req.Exten, ctx); err != nil {
			bridgeLog.Infof("refer by %s to %s@%s refused: %v", src.Name(), req.Exten, ctx, err)
			c.playTransferError(src, err)
			c.resumeFromConsultation(dst)
			return FeatureConsumed
		}
		return c.attendedTransfer(s, src, dst, req.Exten, req.ID, false)

	case ReferAnnounce:
		lotName := src.Variable("PARKINGLOT")
		if _, err := c.ParkAndAnnounce(dst, src, lotName, 0, 0); err != nil {
			parkLog.Warnf("park-and-announce by %s failed: %v", src.Name(), err)
			c.playTransferError(src, err)
			return FeatureConsumed
		}
		src.SetHangupDont(true)
		return FeatureConsumedBreak

	default:
		bridgeLog.Warnf("refer sub-action %v from %s outside a consultation", req.Action, src.Name())
		return FeatureConsumed
	}
}
