package softbridge

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SlotPolicy selects how a free parking slot is chosen.
type SlotPolicy int

const (
	// SlotFirst scans from the bottom of the range.
	SlotFirst SlotPolicy = iota
	// SlotNext starts scanning past the last allocation and wraps.
	SlotNext
	// SlotRandom picks uniformly, then scans forward for a free slot.
	SlotRandom
)

func parseSlotPolicy(s string) (SlotPolicy, error) {
	switch s {
	case "first":
		return SlotFirst, nil
	case "next":
		return SlotNext, nil
	case "random":
		return SlotRandom, nil
	}
	return SlotFirst, fmt.Errorf("bad findslot %q", s)
}

// ParkOptions modify how a call is parked.
type ParkOptions uint

const (
	// ParkRinging signals ringing to the parked leg instead of hold music.
	ParkRinging ParkOptions = 1 << iota
	// ParkRandomize overrides the lot policy with random selection.
	ParkRandomize
	// ParkSilence skips the spoken slot-number announcement.
	ParkSilence
)

// ReturnTarget is where a parked call goes when it times out: either an
// explicit dialplan location, or a redial of the original parker by name.
type ReturnTarget struct {
	Context  string
	Exten    string
	Priority int
	PeerName string
}

const mohReassertLimit = 3

// ParkedCall is one occupied slot.
type ParkedCall struct {
	Slot       int
	Leg        *Leg
	Start      time.Time
	Timeout    time.Duration
	Return     ReturnTarget
	ParkerName string

	lot        *ParkingLot
	options    ParkOptions
	mohRetries int
	reserved   bool // slot held by a reservation, leg not yet attached
}

// ParkingReservation holds a slot between Reserve and Park.
type ParkingReservation struct {
	lot  *ParkingLot
	slot int
	used bool
}

// Slot returns the reserved slot number.
func (r *ParkingReservation) Slot() int { return r.slot }

// LotName returns the name of the lot the slot belongs to.
func (r *ParkingReservation) LotName() string { return r.lot.cfg.Name }

// Cancel releases an unused reservation.
func (r *ParkingReservation) Cancel() {
	if r.used {
		return
	}
	r.lot.mu.Lock()
	if pc, ok := r.lot.slots[r.slot]; ok && pc.reserved {
		delete(r.lot.slots, r.slot)
	}
	r.lot.mu.Unlock()
	r.used = true
}

// ParkingLot is a named collection of parked calls with its own range,
// timeout and retrieval context.
type ParkingLot struct {
	mu     sync.Mutex
	cfg    *LotConfig
	slots  map[int]*ParkedCall
	cursor int // round-robin offset past the last allocation
	refs   int32
}

func newParkingLot(cfg *LotConfig) *ParkingLot {
	return &ParkingLot{cfg: cfg, slots: make(map[int]*ParkedCall), refs: 1}
}

// Config returns the lot configuration.
func (l *ParkingLot) Config() *LotConfig { return l.cfg }

func (l *ParkingLot) ref() *ParkingLot {
	atomic.AddInt32(&l.refs, 1)
	return l
}

func (l *ParkingLot) unref() {
	atomic.AddInt32(&l.refs, -1)
}

// reserveSlot allocates a slot under the lot lock. hint <= 0 means "any".
func (l *ParkingLot) reserveSlot(hint int, policy SlotPolicy) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hint > 0 {
		if hint < l.cfg.Start || hint > l.cfg.Stop {
			return 0, ErrOutOfRange
		}
		if _, taken := l.slots[hint]; taken {
			return 0, ErrSlotTaken
		}
		l.slots[hint] = &ParkedCall{Slot: hint, lot: l, reserved: true}
		return hint, nil
	}

	span := l.cfg.Stop - l.cfg.Start + 1
	first := l.cfg.Start
	switch policy {
	case SlotNext:
		first = l.cfg.Start + l.cursor%span
	case SlotRandom:
		first = l.cfg.Start + rand.Intn(span)
	}
	for i := 0; i < span; i++ {
		slot := l.cfg.Start + (first-l.cfg.Start+i)%span
		if _, taken := l.slots[slot]; taken {
			continue
		}
		l.slots[slot] = &ParkedCall{Slot: slot, lot: l, reserved: true}
		if policy == SlotNext {
			l.cursor = slot - l.cfg.Start + 1
		}
		return slot, nil
	}
	return 0, ErrNoFreeSlots
}

// ParkingManager owns every lot and runs the single supervisor goroutine
// that times slots out and reaps hungup occupants.
type ParkingManager struct {
	core *Core

	mu   sync.RWMutex
	lots map[string]*ParkingLot

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// parkSupervisorInterval bounds how long the supervisor sleeps between
// scans when nothing wakes it.
var parkSupervisorInterval = 500 * time.Millisecond

func newParkingManager(core *Core, s *Settings) *ParkingManager {
	m := &ParkingManager{
		core: core,
		lots: make(map[string]*ParkingLot),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, cfg := range s.Lots() {
		m.lots[cfg.Name] = newParkingLot(cfg)
	}
	return m
}

func (m *ParkingManager) start() {
	go m.run()
}

func (m *ParkingManager) shutdown() {
	close(m.stop)
	<-m.done
}

func (m *ParkingManager) run() {
	defer close(m.done)
	ticker := time.NewTicker(parkSupervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			m.step()
		case <-ticker.C:
			m.step()
		}
	}
}

func (m *ParkingManager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Lot returns a lot by name; "" means the default lot.
func (m *ParkingManager) Lot(name string) (*ParkingLot, error) {
	if name == "" {
		name = "default"
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	lot, ok := m.lots[name]
	if !ok {
		return nil, fmt.Errorf("parking lot %s: %w", name, ErrUnknownLot)
	}
	return lot, nil
}

// reloadLots applies a new lot set: existing lots take the new config in
// place, new lots are added, and lots dropped from the config linger until
// their last occupant leaves.
func (m *ParkingManager) reloadLots(cfgs []*LotConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		keep[cfg.Name] = true
		if lot, ok := m.lots[cfg.Name]; ok {
			lot.mu.Lock()
			lot.cfg = cfg
			lot.mu.Unlock()
		} else {
			m.lots[cfg.Name] = newParkingLot(cfg)
		}
	}
	for name, lot := range m.lots {
		if keep[name] {
			continue
		}
		lot.mu.Lock()
		occupied := len(lot.slots)
		lot.mu.Unlock()
		if occupied == 0 {
			delete(m.lots, name)
			parkLog.Infof("removed parking lot %s", name)
		}
	}
}

// lotNames returns the configured lot names, sorted.
func (m *ParkingManager) lotNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.lots))
	for name := range m.lots {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// lotByParkExt finds the lot whose parking short-code matches exten, if any.
func (m *ParkingManager) lotByParkExt(exten string) *ParkingLot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lot := range m.lots {
		if lot.cfg.ParkExt != "" && lot.cfg.ParkExt == exten {
			return lot
		}
	}
	return nil
}

// Reserve allocates a slot in the named lot. hint <= 0 selects by policy.
func (m *ParkingManager) Reserve(lotName string, hint int) (*ParkingReservation, error) {
	return m.ReserveWithOptions(lotName, hint, 0)
}

// ReserveWithOptions is Reserve with park options applied to slot selection:
// ParkRandomize overrides the lot's configured findslot policy.
func (m *ParkingManager) ReserveWithOptions(lotName string, hint int, opts ParkOptions) (*ParkingReservation, error) {
	lot, err := m.Lot(lotName)
	if err != nil {
		return nil, err
	}
	policy := lot.cfg.FindSlot
	if opts&ParkRandomize != 0 {
		policy = SlotRandom
	}
	slot, err := lot.reserveSlot(hint, policy)
	if err != nil {
		return nil, err
	}
	return &ParkingReservation{lot: lot.ref(), slot: slot}, nil
}

// Park attaches a leg to a reservation: hold music (or ringing), a dialplan
// extension mapping the slot number back to the call, and the timed return
// target. announceTo, when non-nil and not suppressed, hears the slot number.
func (m *ParkingManager) Park(res *ParkingReservation, leg *Leg, ret ReturnTarget, timeout time.Duration, opts ParkOptions, announceTo *Leg) (*ParkedCall, error) {
	if res.used {
		return nil, fmt.Errorf("reservation for slot %d already used", res.slot)
	}
	lot := res.lot
	if timeout <= 0 {
		timeout = lot.cfg.Timeout
	}

	pc := &ParkedCall{
		Slot:    res.slot,
		Leg:     leg.Ref(),
		Start:   time.Now(),
		Timeout: timeout,
		Return:  ret,
		lot:     lot,
		options: opts,
	}
	if announceTo != nil {
		pc.ParkerName = announceTo.Name()
	} else if ret.PeerName != "" {
		pc.ParkerName = ret.PeerName
	}

	lot.mu.Lock()
	lot.slots[res.slot] = pc
	lot.mu.Unlock()
	res.used = true

	exten := strconv.Itoa(res.slot)
	if err := m.core.dialplan.AddExtension(lot.cfg.Context, exten, 1, "ParkedCall", exten); err != nil {
		parkLog.Warnf("failed to add retrieval extension %s@%s: %v", exten, lot.cfg.Context, err)
	}

	leg.setState(LegHeld)
	if opts&ParkRinging != 0 {
		leg.Indicate(ControlRinging)
	} else {
		m.core.startMOH(leg, lot.cfg.MOHClass)
	}

	m.core.publish(EventParkedCall, map[string]string{
		"Exten":      exten,
		"Channel":    leg.Name(),
		"Parkinglot": lot.cfg.Name,
		"From":       pc.ParkerName,
		"Timeout":    strconv.Itoa(int(timeout / time.Second)),
	})
	parkLog.Infof("parked %s in slot %d of lot %s", leg.Name(), res.slot, lot.cfg.Name)

	if announceTo != nil && opts&ParkSilence == 0 {
		if m.core.media != nil {
			_ = m.core.media.SayDigits(announceTo, exten, announceTo.Language())
		}
	}

	m.kick()
	return pc, nil
}

// Retrieve detaches the occupant of a slot and returns it to the rescuer.
func (m *ParkingManager) Retrieve(lotName string, slot int) (*Leg, error) {
	lot, err := m.Lot(lotName)
	if err != nil {
		return nil, err
	}
	lot.mu.Lock()
	pc, ok := lot.slots[slot]
	if !ok || pc.reserved {
		lot.mu.Unlock()
		return nil, ErrOutOfRange
	}
	delete(lot.slots, slot)
	lot.mu.Unlock()

	m.unparkCleanup(pc)
	pc.Leg.setState(LegUp)
	pc.Leg.Indicate(ControlUnhold)

	m.core.publish(EventUnParkedCall, map[string]string{
		"Exten":      strconv.Itoa(slot),
		"Channel":    pc.Leg.Name(),
		"Parkinglot": lot.cfg.Name,
	})
	parkLog.Infof("retrieved %s from slot %d of lot %s", pc.Leg.Name(), slot, lot.cfg.Name)

	pc.Leg.Unref()
	return pc.Leg, nil
}

// retrievalConfig maps the lot's post-retrieval grants onto bridge feature
// lists. The rescuer is the caller side of the retrieval bridge.
func retrievalConfig(cfg *LotConfig) *BridgeConfig {
	bc := &BridgeConfig{}
	grant := func(who string, names ...string) {
		switch who {
		case "caller":
			bc.CallerFeatures = append(bc.CallerFeatures, names...)
		case "callee":
			bc.CalleeFeatures = append(bc.CalleeFeatures, names...)
		case "both":
			bc.CallerFeatures = append(bc.CallerFeatures, names...)
			bc.CalleeFeatures = append(bc.CalleeFeatures, names...)
		}
	}
	grant(cfg.ParkedCallTransfers, "blindxfer", "atxfer")
	grant(cfg.ParkedCallReparking, "parkcall")
	grant(cfg.ParkedCallHangup, "disconnect")
	grant(cfg.ParkedCallRecording, "automon", "automixmon")
	return bc
}

// RetrieveAndBridge pulls the occupant of a slot and bridges it with the
// rescuer, granting each side the lot's post-retrieval DTMF features. Blocks
// like Bridge; the rescuer is the caller side.
func (c *Core) RetrieveAndBridge(rescuer *Leg, lotName string, slot int) (BridgeResult, error) {
	lot, err := c.parking.Lot(lotName)
	if err != nil {
		return BridgeLocalHangup, err
	}
	parkee, err := c.parking.Retrieve(lotName, slot)
	if err != nil {
		return BridgeLocalHangup, err
	}
	c.playPickupCourtesy(rescuer, parkee)
	return c.Bridge(rescuer, parkee, retrievalConfig(lot.Config())), nil
}

// playPickupCourtesy streams the courtesy tone on pickup to the parties the
// parkedplay policy selects. The rescuer counts as the caller side.
func (c *Core) playPickupCourtesy(rescuer, parkee *Leg) {
	tone := c.settings.CourtesyTone()
	if tone == "" || c.media == nil {
		return
	}
	play := c.settings.ParkedPlay()
	if play == "caller" || play == "both" {
		_ = c.media.StreamFile(rescuer, tone, rescuer.Language())
	}
	if play == "callee" || play == "both" {
		_ = c.media.StreamFile(parkee, tone, parkee.Language())
	}
}

// unparkCleanup stops hold music and removes the retrieval extension.
func (m *ParkingManager) unparkCleanup(pc *ParkedCall) {
	m.core.stopMOH(pc.Leg)
	exten := strconv.Itoa(pc.Slot)
	if err := m.core.dialplan.RemoveExtension(pc.lot.cfg.Context, exten, 1); err != nil {
		parkLog.Warnf("failed to remove retrieval extension %s@%s: %v", exten, pc.lot.cfg.Context, err)
	}
}

// step is one supervisor pass over every lot. The manager holds an extra
// reference on each lot while scanning so a reload cannot free it mid-scan.
func (m *ParkingManager) step() {
	m.mu.RLock()
	lots := make([]*ParkingLot, 0, len(m.lots))
	for _, lot := range m.lots {
		lots = append(lots, lot.ref())
	}
	m.mu.RUnlock()

	for _, lot := range lots {
		m.stepLot(lot)
		lot.unref()
	}
}

func (m *ParkingManager) stepLot(lot *ParkingLot) {
	now := time.Now()
	var expired, hungup []*ParkedCall

	lot.mu.Lock()
	for slot, pc := range lot.slots {
		if pc.reserved {
			continue
		}
		switch {
		case pc.Leg.Hungup():
			delete(lot.slots, slot)
			hungup = append(hungup, pc)
		case now.Sub(pc.Start) >= pc.Timeout:
			delete(lot.slots, slot)
			expired = append(expired, pc)
		default:
			// Reassert hold music if some other party stripped the
			// generator, bounded so a broken class cannot loop forever.
			if pc.options&ParkRinging == 0 && pc.mohRetries < mohReassertLimit && pc.Leg.mohActive() == "" {
				pc.mohRetries++
				m.core.startMOH(pc.Leg, lot.cfg.MOHClass)
			}
		}
	}
	lot.mu.Unlock()

	for _, pc := range hungup {
		m.unparkCleanup(pc)
		m.core.publish(EventParkedCallGiveUp, map[string]string{
			"Exten":      strconv.Itoa(pc.Slot),
			"Channel":    pc.Leg.Name(),
			"Parkinglot": lot.cfg.Name,
		})
		parkLog.Infof("reaped hungup %s from slot %d", pc.Leg.Name(), pc.Slot)
		_ = m.core.driver.Hangup(pc.Leg)
		pc.Leg.Unref()
	}
	for _, pc := range expired {
		m.returnParkedCall(pc)
	}
}

// returnParkedCall delivers a timed-out occupant to exactly one reconnect
// target.
func (m *ParkingManager) returnParkedCall(pc *ParkedCall) {
	lot := pc.lot
	m.unparkCleanup(pc)
	pc.Leg.setState(LegUp)
	pc.Leg.Indicate(ControlUnhold)

	m.core.publish(EventParkedCallTimeOut, map[string]string{
		"Exten":      strconv.Itoa(pc.Slot),
		"Channel":    pc.Leg.Name(),
		"Parkinglot": lot.cfg.Name,
	})
	parkLog.Infof("slot %d timed out, returning %s", pc.Slot, pc.Leg.Name())

	ret := pc.Return
	defer pc.Leg.Unref()

	if ret.PeerName != "" && lot.cfg.ComebackToOrigin {
		// Scratch extension in the comeback context redials the parker with
		// the feature flags they held in the original bridge.
		dialable := reduceLegName(ret.PeerName)
		dialArgs := fmt.Sprintf("%s,30,t", dialable)
		if err := m.core.dialplan.AddExtension(lot.cfg.ComebackContext, dialable, 1, "Dial", dialArgs); err != nil {
			parkLog.Warnf("failed to add comeback extension for %s: %v", dialable, err)
		}
		m.gotoTarget(pc, lot.cfg.ComebackContext, dialable, 1)
		return
	}

	ctx, exten, pri := ret.Context, ret.Exten, ret.Priority
	if ctx == "" {
		ctx, exten, pri = lot.cfg.Context, "s", 1
	}
	num, _, _ := pc.Leg.CallerID()
	if !m.core.dialplan.ExistsExtension(ctx, exten, pri, num) {
		m.core.publish(EventParkedCallGiveUp, map[string]string{
			"Exten":      strconv.Itoa(pc.Slot),
			"Channel":    pc.Leg.Name(),
			"Parkinglot": lot.cfg.Name,
		})
		parkLog.Warnf("reconnect target %s,%s,%d missing, dropping %s", ctx, exten, pri, pc.Leg.Name())
		_ = m.core.driver.Hangup(pc.Leg)
		return
	}
	m.gotoTarget(pc, ctx, exten, pri)
}

func (m *ParkingManager) gotoTarget(pc *ParkedCall, ctx, exten string, pri int) {
	var err error
	if pc.Leg.hasDialplanTask() {
		err = m.core.dialplan.AsyncGoto(pc.Leg, ctx, exten, pri)
	} else {
		err = m.core.dialplan.SpawnExtension(pc.Leg, ctx, exten, pri)
	}
	if err != nil {
		parkLog.Warnf("failed to deliver %s to %s,%s,%d: %v", pc.Leg.Name(), ctx, exten, pri, err)
		_ = m.core.driver.Hangup(pc.Leg)
	}
}

// ParkedCalls lists the occupants of a lot, sorted by slot.
func (m *ParkingManager) ParkedCalls(lotName string) ([]*ParkedCall, error) {
	lot, err := m.Lot(lotName)
	if err != nil {
		return nil, err
	}
	lot.mu.Lock()
	defer lot.mu.Unlock()
	out := make([]*ParkedCall, 0, len(lot.slots))
	for _, pc := range lot.slots {
		if !pc.reserved {
			out = append(out, pc)
		}
	}
	return out, nil
}

// FindBySlot resolves a dialled slot number to its lot, used by the
// retrieval extension.
func (m *ParkingManager) FindBySlot(slot int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, lot := range m.lots {
		lot.mu.Lock()
		pc, ok := lot.slots[slot]
		lot.mu.Unlock()
		if ok && !pc.reserved {
			return name, true
		}
	}
	return "", false
}

// reduceLegName strips the dialing-instance suffix from a leg name so the
// original parker can be redialled: "SIP/1234-00ab" becomes "SIP/1234".
func reduceLegName(name string) string {
	if i := strings.LastIndex(name, "-"); i > 0 {
		return name[:i]
	}
	return name
}
