package softbridge

import "time"

// InterpretOutcome is what the feature interpreter tells the bridge loop
// after absorbing one DTMF digit.
type InterpretOutcome int

const (
	// OutcomeConsumed means a feature ran; continue bridging.
	OutcomeConsumed InterpretOutcome = iota
	// OutcomeConsumedBreak means a feature ran and demanded bridge exit.
	OutcomeConsumedBreak
	// OutcomeKeepBuffering means the buffer is a prefix of some feature.
	OutcomeKeepBuffering
	// OutcomePassThrough means the buffered digits go to the peer verbatim.
	OutcomePassThrough
	// OutcomeHangup means the disconnect feature fired.
	OutcomeHangup
	// OutcomeTransferred means a splice happened during the feature.
	OutcomeTransferred
)

// digitCollector accumulates DTMF for one side of a bridge. The buffer never
// grows past the longest registered sequence; a deadline flushes it as
// pass-through when the next digit is late.
type digitCollector struct {
	buf      []byte
	deadline time.Time
}

func (d *digitCollector) empty() bool { return len(d.buf) == 0 }

func (d *digitCollector) flush() string {
	s := string(d.buf)
	d.buf = d.buf[:0]
	d.deadline = time.Time{}
	return s
}

// interpret appends digit to sender's buffer and classifies the result. The
// returned string carries the flushed digits on OutcomePassThrough.
func (s *BridgeSession) interpret(sender, peer *Leg, digit byte) (InterpretOutcome, string) {
	coll := s.collector(sender)
	coll.buf = append(coll.buf, digit)
	buf := string(coll.buf)

	callerSide := sender == s.caller()
	enabled := s.enabledFor(sender)

	kind, feat := s.core.features.Lookup(buf, callerSide, enabled)
	switch kind {
	case MatchExact:
		coll.flush()
		bridgeLog.Debugf("feature %s matched on %s", feat.Name, sender.Name())
		switch feat.Handler(s.core, s, sender, peer) {
		case FeatureConsumedBreak:
			return OutcomeConsumedBreak, ""
		case FeatureHangup:
			return OutcomeHangup, ""
		case FeatureTransferred:
			return OutcomeTransferred, ""
		default:
			return OutcomeConsumed, ""
		}
	case MatchPrefix:
		maxLen := s.core.features.MaxSequenceLen()
		for _, remap := range enabled {
			if len(remap) > maxLen {
				maxLen = len(remap)
			}
		}
		if len(coll.buf) >= maxLen {
			return OutcomePassThrough, coll.flush()
		}
		coll.deadline = time.Now().Add(s.featureTimer())
		return OutcomeKeepBuffering, ""
	default:
		return OutcomePassThrough, coll.flush()
	}
}

// flushDigits empties sender's buffer, returning the held digits. Called on
// feature-timer expiry.
func (s *BridgeSession) flushDigits(sender *Leg) string {
	return s.collector(sender).flush()
}

// passDigits re-emits flushed digits as DTMF on the other side, preserving
// the no-loss/no-duplication property.
func passDigits(peer *Leg, digits string) {
	for i := 0; i < len(digits); i++ {
		peer.WriteFrame(NewDTMFFrame(digits[i]))
	}
}

// newDynamicHandler builds the handler for a user-defined feature: run the
// configured application on the self or peer leg while the other side sits
// in autoservice, with optional hold music.
func newDynamicHandler(f *Feature) FeatureHandler {
	app, args, moh := f.App, f.AppArgs, f.MOHClass
	onSelf := f.Flags&FeatureOnPeer == 0
	return func(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
		target, other := sender, peer
		if !onSelf {
			target, other = peer, sender
		}
		if !c.dialplan.FindApp(app) {
			bridgeLog.Warnf("dynamic feature app %s not found", app)
			return FeatureConsumed
		}
		c.autoserviceStart(other)
		if moh != "" && c.media != nil {
			_ = c.media.StartMOH(other, moh)
		}
		err := c.dialplan.ExecApp(target, app, args)
		if moh != "" && c.media != nil {
			c.media.StopMOH(other)
		}
		c.autoserviceStop(other)
		if err != nil {
			bridgeLog.Warnf("dynamic feature %s failed: %v", app, err)
		}
		if other.Hungup() || target.Hungup() {
			return FeatureConsumedBreak
		}
		return FeatureConsumed
	}
}
