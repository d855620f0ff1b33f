package softbridge

import (
	"strconv"
	"strings"
	"time"
)

// builtinAutomon toggles a one-sided recording of the bridge.
func builtinAutomon(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
	return c.toggleMonitor(s, sender, peer, "Monitor")
}

// builtinAutomixmon toggles a mixed (both sides in one file) recording.
func builtinAutomixmon(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
	return c.toggleMonitor(s, sender, peer, "MixMonitor")
}

// toggleMonitor starts the capture on first invocation and stops it on the
// second. The session latch makes concurrent invocations from either side
// collapse into one start and one stop.
func (c *Core) toggleMonitor(s *BridgeSession, sender, peer *Leg, kind string) FeatureResult {
	if c.media == nil {
		return FeatureConsumed
	}
	if !s.monitor.SetToIf(false, true) {
		c.stopMonitorCapture(s)
		return FeatureConsumed
	}

	path := c.monitorPath(sender, peer)
	if err := c.media.StartCapture(peer, path, c.settings.MonitorFormat()); err != nil {
		s.monitor.UnSet()
		bridgeLog.Warnf("failed to start %s on %s: %v", kind, peer.Name(), err)
		return FeatureConsumed
	}
	s.mu.Lock()
	s.monitorLeg = peer
	s.mu.Unlock()

	if tone := c.settings.CourtesyTone(); tone != "" {
		_ = c.media.StreamFile(sender, tone, sender.Language())
		_ = c.media.StreamFile(peer, tone, peer.Language())
	}
	c.publish(EventMonitorStart, map[string]string{
		"Channel":  peer.Name(),
		"Type":     kind,
		"Filename": path,
	})
	bridgeLog.Infof("%s started on %s (%s)", kind, peer.Name(), path)
	return FeatureConsumed
}

// stopMonitorCapture stops a running capture; called by the toggle and by the
// bridge teardown. Safe to call when no capture runs.
func (c *Core) stopMonitorCapture(s *BridgeSession) {
	if !s.monitor.SetToIf(true, false) {
		return
	}
	s.mu.Lock()
	leg := s.monitorLeg
	s.monitorLeg = nil
	s.mu.Unlock()
	if leg == nil {
		return
	}
	if c.media != nil {
		if err := c.media.StopCapture(leg); err != nil {
			bridgeLog.Warnf("failed to stop capture on %s: %v", leg.Name(), err)
		}
	}
	c.publish(EventMonitorStop, map[string]string{
		"Channel": leg.Name(),
	})
	bridgeLog.Infof("capture stopped on %s", leg.Name())
}

// monitorPath builds the capture filename. TOUCH_MONITOR overrides the
// template body; TOUCH_MONITOR_PREFIX prepends an operator tag. Template
// placeholders: %T timestamp, %C invoker caller number, %P peer number.
func (c *Core) monitorPath(sender, peer *Leg) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	var base string
	if v := firstLegVariable("TOUCH_MONITOR", sender, peer); v != "" {
		base = "auto-" + ts + "-" + monitorClean(v)
	} else {
		num, _, _ := sender.CallerID()
		if num == "" {
			num = sender.Name()
		}
		pnum, _, _ := peer.CallerID()
		if pnum == "" {
			pnum = peer.Name()
		}
		base = strings.NewReplacer(
			"%T", ts,
			"%C", monitorClean(num),
			"%P", monitorClean(pnum),
		).Replace(c.settings.MonitorFilename())
	}

	if p := firstLegVariable("TOUCH_MONITOR_PREFIX", sender, peer); p != "" {
		base = monitorClean(p) + "-" + base
	}
	return base
}

func firstLegVariable(name string, legs ...*Leg) string {
	for _, l := range legs {
		if v := l.Variable(name); v != "" {
			return v
		}
	}
	return ""
}

// monitorClean makes a value safe for use inside a filename.
func monitorClean(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '-'
		}
		return r
	}, s)
}
