package softbridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tevino/abool"
)

// BridgeResult is how a bridge session ended.
type BridgeResult int

const (
	// BridgeLocalHangup means the caller side hung up.
	BridgeLocalHangup BridgeResult = iota
	// BridgePeerHangup means the callee side hung up.
	BridgePeerHangup
	// BridgeTransferred means a splice occurred; both legs live elsewhere.
	BridgeTransferred
	// BridgeFeatureBreak means a feature demanded exit.
	BridgeFeatureBreak
)

func (r BridgeResult) String() string {
	switch r {
	case BridgeLocalHangup:
		return "LocalHangup"
	case BridgePeerHangup:
		return "PeerHangup"
	case BridgeTransferred:
		return "Transferred"
	case BridgeFeatureBreak:
		return "FeatureBreak"
	}
	return "Unknown"
}

// BridgeConfig carries the per-session feature grants and timers.
type BridgeConfig struct {
	// Built-in feature names enabled for each side.
	CallerFeatures []string
	CalleeFeatures []string

	// FeatureTimer overrides the configured digit timeout; zero keeps it.
	FeatureTimer time.Duration

	// Warning-tone schedule. TimeLimit zero disables it.
	TimeLimit    time.Duration
	PlayWarning  time.Duration
	WarningFreq  time.Duration
	WarningSound string

	StartSound string
	EndSound   string

	EndCallback func(*BridgeSession)
}

// clone returns a shallow copy.
func (c *BridgeConfig) clone() *BridgeConfig {
	cp := *c
	return &cp
}

// BridgeSession couples two legs under the supervision loop.
type BridgeSession struct {
	ID   string
	core *Core

	mu       sync.Mutex
	a, b     *Leg // a is the caller side
	cfg      *BridgeConfig
	savedCfg *BridgeConfig // original config while a feature is in progress
	colls    map[*Leg]*digitCollector
	enabled  map[*Leg]map[string]string // feature name -> sequence remap ("" = default)
	started  time.Time
	nextWarn time.Time

	monitor    *abool.AtomicBool
	monitorLeg *Leg

	result BridgeResult
}

func (s *BridgeSession) caller() *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a
}

func (s *BridgeSession) legs() (*Leg, *Leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a, s.b
}

func (s *BridgeSession) peerOf(l *Leg) *Leg {
	a, b := s.legs()
	if l == a {
		return b
	}
	return a
}

func (s *BridgeSession) collector(l *Leg) *digitCollector {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.colls[l]
	if !ok {
		coll = &digitCollector{}
		s.colls[l] = coll
	}
	return coll
}

func (s *BridgeSession) enabledFor(l *Leg) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[l]
}

// featureTimer is the digit-collection deadline duration for the session.
func (s *BridgeSession) featureTimer() time.Duration {
	s.mu.Lock()
	inProgress := s.savedCfg != nil
	override := s.cfg.FeatureTimer
	s.mu.Unlock()
	if inProgress {
		return s.core.settings.TransferDigitTimeout()
	}
	if override > 0 {
		return override
	}
	return s.core.settings.FeatureDigitTimeout()
}

// swapLeg replaces x with y in the session after a masquerade, carrying the
// digit buffer and feature grants across.
func (s *BridgeSession) swapLeg(x, y *Leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.a == x {
		s.a = y
	} else if s.b == x {
		s.b = y
	} else {
		return
	}
	if coll, ok := s.colls[x]; ok {
		s.colls[y] = coll
		delete(s.colls, x)
	}
	if en, ok := s.enabled[x]; ok {
		s.enabled[y] = en
		delete(s.enabled, x)
	}
	y.setBridge(s)
}

// enterFeatureConfig swaps in a temporary config while digits are being
// collected: warning tones off, feature timer set to the digit-collection
// timeout.
func (s *BridgeSession) enterFeatureConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.savedCfg != nil {
		return
	}
	s.savedCfg = s.cfg
	cp := s.cfg.clone()
	cp.TimeLimit = 0
	cp.PlayWarning = 0
	s.cfg = cp
}

// restoreConfig reinstates the original config after digit collection ends.
func (s *BridgeSession) restoreConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.savedCfg != nil {
		s.cfg = s.savedCfg
		s.savedCfg = nil
	}
}

// buildEnabledSet resolves a side's feature grants: the configured list plus
// anything named in the leg's DYNAMIC_FEATURES variable. A name matching a
// configured feature group expands to the group's members, with the group's
// DTMF remaps applied for this session only.
func (c *Core) buildEnabledSet(names []string, l *Leg) map[string]string {
	set := make(map[string]string, len(names))
	add := func(n string) {
		if group, ok := c.Settings().FeatureGroup(n); ok {
			for member, seq := range group {
				set[member] = seq
			}
			return
		}
		set[n] = ""
	}
	for _, n := range names {
		add(n)
	}
	if dyn := l.Variable("DYNAMIC_FEATURES"); dyn != "" {
		for _, n := range splitDynamicFeatures(dyn) {
			add(n)
		}
	}
	return set
}

func splitDynamicFeatures(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '#' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Bridge couples legs a (caller side) and b (callee side) and runs the
// in-call control plane until one side hangs up, a feature breaks out, or a
// transfer splices the parties elsewhere. It blocks for the lifetime of the
// bridge; the caller's goroutine is the bridge thread.
func (c *Core) Bridge(a, b *Leg, cfg *BridgeConfig) BridgeResult {
	if cfg == nil {
		cfg = &BridgeConfig{}
	}
	s := &BridgeSession{
		ID:      uuid.NewString(),
		core:    c,
		a:       a,
		b:       b,
		cfg:     cfg,
		colls:   make(map[*Leg]*digitCollector),
		enabled: make(map[*Leg]map[string]string),
		started: time.Now(),
		monitor: abool.New(),
	}
	s.enabled[a] = c.buildEnabledSet(cfg.CallerFeatures, a)
	s.enabled[b] = c.buildEnabledSet(cfg.CalleeFeatures, b)
	if cfg.TimeLimit > 0 && cfg.PlayWarning > 0 {
		s.nextWarn = s.started.Add(cfg.TimeLimit - cfg.PlayWarning)
	}

	c.registerLeg(a)
	c.registerLeg(b)
	a.setBridge(s)
	b.setBridge(s)
	a.setPeer(b)
	b.setPeer(a)
	defer func() {
		c.unregisterLeg(a)
		c.unregisterLeg(b)
	}()

	// Connected-line information crosses the bridge at entry.
	num, name, ani := a.CallerID()
	c.driver.SetCallerID(b, num, name, ani)
	for _, l := range []*Leg{a, b} {
		if l.State() != LegUp {
			if err := c.driver.Answer(l); err != nil {
				bridgeLog.Warnf("failed to answer %s: %v", l.Name(), err)
				return BridgeLocalHangup
			}
			l.setState(LegUp)
		}
	}

	adoptCallRecord(a).markAnswered()
	adoptCallRecord(b).markAnswered()
	c.setBridgePeerVars(a, b)

	if cfg.StartSound != "" && c.media != nil {
		_ = c.media.StreamFile(a, cfg.StartSound, a.Language())
	}
	c.publish(EventBridgeExec, map[string]string{
		"Channel1": a.Name(),
		"Channel2": b.Name(),
		"Status":   "Link",
	})
	bridgeLog.Infof("bridging %s and %s", a.Name(), b.Name())

	s.result = c.bridgeLoop(s)

	c.finishBridge(s)
	return s.result
}

// bridgeLoop is the supervision loop proper.
func (c *Core) bridgeLoop(s *BridgeSession) BridgeResult {
	for {
		a, b := s.legs()
		if a.Hungup() {
			return BridgeLocalHangup
		}
		if b.Hungup() {
			return BridgePeerHangup
		}

		timeout, kind := s.nextDeadline()
		timer := time.NewTimer(timeout)

		var f *Frame
		var src, dst *Leg
		select {
		case <-c.shutdown:
			timer.Stop()
			return BridgeFeatureBreak
		case f = <-a.readChan():
			src, dst = a, b
		case f = <-b.readChan():
			src, dst = b, a
		case <-timer.C:
			switch kind {
			case deadlineDigits:
				// Late digit: flush the buffer as pass-through.
				for _, l := range []*Leg{a, b} {
					coll := s.collector(l)
					if !coll.empty() && !time.Now().Before(coll.deadline) {
						passDigits(s.peerOf(l), coll.flush())
					}
				}
				s.restoreConfig()
			case deadlineWarning:
				c.playWarning(s)
			case deadlineLimit:
				bridgeLog.Infof("time limit reached on bridge %s", s.ID)
				return BridgeFeatureBreak
			}
			continue
		}
		timer.Stop()
		if f == nil {
			continue
		}

		res, done := c.dispatchFrame(s, src, dst, f)
		if done {
			return res
		}
	}
}

type deadlineKind int

const (
	deadlineNone deadlineKind = iota
	deadlineDigits
	deadlineWarning
	deadlineLimit
)

// nextDeadline picks the earliest pending deadline: buffered digits, the
// warning schedule, or the hard time limit.
func (s *BridgeSession) nextDeadline() (time.Duration, deadlineKind) {
	now := time.Now()
	best := now.Add(time.Hour)
	kind := deadlineNone

	s.mu.Lock()
	for _, coll := range s.colls {
		if len(coll.buf) > 0 && !coll.deadline.IsZero() && coll.deadline.Before(best) {
			best = coll.deadline
			kind = deadlineDigits
		}
	}
	if s.cfg.TimeLimit > 0 {
		limit := s.started.Add(s.cfg.TimeLimit)
		if !s.nextWarn.IsZero() && s.nextWarn.Before(best) && s.nextWarn.Before(limit) {
			best = s.nextWarn
			kind = deadlineWarning
		}
		if limit.Before(best) {
			best = limit
			kind = deadlineLimit
		}
	}
	s.mu.Unlock()

	d := time.Until(best)
	if d < 0 {
		d = 0
	}
	return d, kind
}

func (c *Core) playWarning(s *BridgeSession) {
	s.mu.Lock()
	sound := s.cfg.WarningSound
	if s.cfg.WarningFreq > 0 {
		s.nextWarn = s.nextWarn.Add(s.cfg.WarningFreq)
	} else {
		s.nextWarn = time.Time{}
	}
	a := s.a
	s.mu.Unlock()
	if sound != "" && c.media != nil {
		_ = c.media.StreamFile(a, sound, a.Language())
	}
}

// dispatchFrame handles one frame from src. done=true ends the bridge with
// the given result.
func (c *Core) dispatchFrame(s *BridgeSession, src, dst *Leg, f *Frame) (BridgeResult, bool) {
	hangupResult := func(l *Leg) BridgeResult {
		if l == s.caller() {
			return BridgeLocalHangup
		}
		return BridgePeerHangup
	}

	switch f.Type {
	case FrameMedia, FrameVideo:
		dst.WriteFrame(f)

	case FrameDTMFBegin:
		// begin frames are noise at this layer

	case FrameDTMF:
		bridgeLog.Debugf("DTMF digit %c from %s", f.Digit, src.Name())
		outcome, digits := s.interpret(src, dst, f.Digit)
		switch outcome {
		case OutcomeConsumed:
			if s.collector(src).empty() {
				s.restoreConfig()
			}
		case OutcomeConsumedBreak:
			return BridgeFeatureBreak, true
		case OutcomeKeepBuffering:
			s.enterFeatureConfig()
		case OutcomePassThrough:
			s.restoreConfig()
			passDigits(dst, digits)
		case OutcomeHangup:
			src.markHungup()
			_ = c.driver.Hangup(src)
			return hangupResult(src), true
		case OutcomeTransferred:
			return BridgeTransferred, true
		}

	case FrameControl:
		switch {
		case f.Control == ControlRefer && f.Refer != nil:
			switch c.handleRefer(s, src, dst, f.Refer) {
			case FeatureConsumedBreak:
				return BridgeFeatureBreak, true
			case FeatureHangup:
				return hangupResult(src), true
			case FeatureTransferred:
				return BridgeTransferred, true
			}

		case f.Control.IsHangupClass():
			if c.settings.NotifyCaller() > 0 {
				if n := notifyForControl(f.Control); n != ControlNone {
					dst.WriteFrame(&Frame{Type: FrameControl, Control: n, ReferID: f.ReferID})
				}
			}
			src.markHungup()
			return hangupResult(src), true

		case f.Control.IsForwardable():
			dst.WriteFrame(f)

		case f.Control == ControlOption:
			if f.OptionRequest {
				dst.WriteFrame(f)
			}

		case f.Control.IsNotifyClass():
			if f.ReferID == 0 {
				f.ReferID = atomic.LoadInt64(&src.referSeq)
			}
			dst.WriteFrame(f)

		default:
			bridgeLog.Debugf("ignoring control %v from %s", f.Control, src.Name())
		}
	}
	return 0, false
}

// finishBridge tears the session down and settles the surviving leg.
func (c *Core) finishBridge(s *BridgeSession) {
	a, b := s.legs()

	if s.result != BridgeTransferred {
		a.setPeer(nil)
		b.setPeer(nil)
		a.setBridge(nil)
		b.setBridge(nil)
	}

	if s.monitor.IsSet() {
		c.stopMonitorCapture(s)
	}

	closeCallRecord(a, "ANSWERED")
	closeCallRecord(b, "ANSWERED")

	if s.cfg.EndSound != "" && c.media != nil {
		for _, l := range []*Leg{a, b} {
			if !l.Hungup() {
				_ = c.media.StreamFile(l, s.cfg.EndSound, l.Language())
			}
		}
	}
	if s.cfg.EndCallback != nil {
		s.cfg.EndCallback(s)
	}

	// Hangup propagation: the surviving side either returns to its dialplan
	// or is hung up with its peer.
	if s.result == BridgeLocalHangup || s.result == BridgePeerHangup {
		survivor := b
		if s.result == BridgePeerHangup {
			survivor = a
		}
		if !survivor.Hungup() && !survivor.HangupDont() {
			_ = c.driver.Hangup(survivor)
			survivor.markHungup()
		}
	}

	c.publish(EventBridgeExec, map[string]string{
		"Channel1": a.Name(),
		"Channel2": b.Name(),
		"Status":   "Unlink",
		"Result":   s.result.String(),
	})
	bridgeLog.Infof("bridge %s ended: %s", s.ID, s.result)
}

// notifyForControl maps a hangup-class control to its notification.
func notifyForControl(c ControlType) ControlType {
	switch c {
	case ControlHangup:
		return ControlNotifyBye
	case ControlBusy:
		return ControlNotifyBusy
	case ControlCongestion:
		return ControlNotifyCircuits
	case ControlTimeout:
		return ControlNotifyTimeout
	case ControlForbidden:
		return ControlNotifyForbidden
	case ControlRouteFail, ControlRejected, ControlUnavailable:
		return ControlNotifyCircuits
	}
	return ControlNone
}
