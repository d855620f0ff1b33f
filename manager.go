package softbridge

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Operator surface: the commands a management console issues against the
// running core. Legs are addressed by their registered names.

// ManagerBridge couples two externally-identified legs. A leg already sitting
// in a bridge is pulled out first, leaving a placeholder so the old session
// winds down on its own. The new bridge runs on its own goroutine.
func (c *Core) ManagerBridge(nameA, nameB string, tone bool) error {
	if c.isShutdown() {
		return ErrShutdown
	}
	a, err := c.FindLeg(nameA)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", nameA, err)
	}
	b, err := c.FindLeg(nameB)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", nameB, err)
	}
	if a == b {
		return ErrFatal
	}
	for _, l := range []*Leg{a, b} {
		if l.Hungup() {
			return fmt.Errorf("bridge %s: %w", l.Name(), ErrLegGone)
		}
	}

	for _, l := range []*Leg{a, b} {
		if stand := c.extractFromBridge(l, "manager"); stand != nil {
			stand.markHungup()
		}
	}

	if tone && c.media != nil {
		if snd := c.settings.CourtesyTone(); snd != "" {
			_ = c.media.StreamFile(a, snd, a.Language())
			_ = c.media.StreamFile(b, snd, b.Language())
		}
	}

	coreLog.Infof("operator bridging %s and %s", a.Name(), b.Name())
	go c.Bridge(a, b, &BridgeConfig{})
	return nil
}

// ManagerPark parks a leg and announces the slot to another leg; an empty
// announce name parks silently.
func (c *Core) ManagerPark(channel, announceChannel string, timeout time.Duration) (*ParkedCall, error) {
	if c.isShutdown() {
		return nil, ErrShutdown
	}
	parkee, err := c.FindLeg(channel)
	if err != nil {
		return nil, fmt.Errorf("park %s: %w", channel, err)
	}
	var announcer *Leg
	if announceChannel != "" {
		if announcer, err = c.FindLeg(announceChannel); err != nil {
			return nil, fmt.Errorf("park announce %s: %w", announceChannel, err)
		}
	}
	return c.ParkAndAnnounce(parkee, announcer, parkee.Variable("PARKINGLOT"), timeout, 0)
}

// ParkedCallStatus is one row of the operator's parking listing.
type ParkedCallStatus struct {
	Lot      string
	Slot     int
	Channel  string
	From     string
	TimeLeft time.Duration
}

// ParkingStatus enumerates every occupied slot across all lots.
func (c *Core) ParkingStatus() []ParkedCallStatus {
	var out []ParkedCallStatus
	for _, name := range c.parking.lotNames() {
		calls, err := c.parking.ParkedCalls(name)
		if err != nil {
			continue
		}
		for _, pc := range calls {
			left := pc.Timeout - time.Since(pc.Start)
			if left < 0 {
				left = 0
			}
			out = append(out, ParkedCallStatus{
				Lot:      name,
				Slot:     pc.Slot,
				Channel:  pc.Leg.Name(),
				From:     pc.ParkerName,
				TimeLeft: left,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lot != out[j].Lot {
			return out[i].Lot < out[j].Lot
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}

// FeaturesShow renders the CLI-style listing of the feature map, the
// application map and per-lot occupancy.
func (c *Core) FeaturesShow() string {
	var b strings.Builder
	b.WriteString("Builtin Feature           Default Current\n")
	b.WriteString("---------------           ------- -------\n")
	for _, f := range c.features.snapshot() {
		if f.App != "" {
			continue
		}
		fmt.Fprintf(&b, "%-25s %-7s %s\n", f.Name, c.settings.FeatureMap(f.Name), f.Sequence)
	}

	b.WriteString("\nDynamic Feature           Sequence App\n")
	b.WriteString("---------------           -------- ---\n")
	dynamic := 0
	for _, f := range c.features.snapshot() {
		if f.App == "" {
			continue
		}
		dynamic++
		fmt.Fprintf(&b, "%-25s %-8s %s(%s)\n", f.Name, f.Sequence, f.App, f.AppArgs)
	}
	if dynamic == 0 {
		b.WriteString("(none)\n")
	}

	if groups := c.settings.FeatureGroups(); len(groups) > 0 {
		b.WriteString("\nFeature Groups\n")
		b.WriteString("--------------\n")
		for _, name := range groups {
			members, _ := c.settings.FeatureGroup(name)
			ms := make([]string, 0, len(members))
			for m, seq := range members {
				if seq != "" {
					m += "=" + seq
				}
				ms = append(ms, m)
			}
			sort.Strings(ms)
			fmt.Fprintf(&b, "%s: %s\n", name, strings.Join(ms, " "))
		}
	}

	b.WriteString("\nParking Lots\n")
	b.WriteString("------------\n")
	for _, name := range c.parking.lotNames() {
		lot, err := c.parking.Lot(name)
		if err != nil {
			continue
		}
		cfg := lot.Config()
		calls, _ := c.parking.ParkedCalls(name)
		fmt.Fprintf(&b, "%s: exten %s, slots %d-%d, %d parked, timeout %s\n",
			name, cfg.ParkExt, cfg.Start, cfg.Stop, len(calls), cfg.Timeout)
	}
	return b.String()
}
