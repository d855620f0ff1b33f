package softbridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallLotINI = `
[parking]
parkext = 700
parkpos = 701-703
parkingtime = 45
`

func fastParkSupervisor(t *testing.T) {
	t.Helper()
	old := parkSupervisorInterval
	parkSupervisorInterval = 10 * time.Millisecond
	t.Cleanup(func() { parkSupervisorInterval = old })
}

func TestReserveFirstPolicy(t *testing.T) {
	e := newTestEnv(smallLotINI)

	r1, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	assert.Equal(t, 701, r1.Slot())
	assert.Equal(t, "default", r1.LotName())

	r2, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	assert.Equal(t, 702, r2.Slot())

	// Cancelling frees the slot for the next reserver.
	r1.Cancel()
	r3, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	assert.Equal(t, 701, r3.Slot())
}

func TestReserveHint(t *testing.T) {
	e := newTestEnv(smallLotINI)

	r, err := e.core.parking.Reserve("", 702)
	require.NoError(t, err)
	assert.Equal(t, 702, r.Slot())

	_, err = e.core.parking.Reserve("", 702)
	assert.ErrorIs(t, err, ErrSlotTaken)

	_, err = e.core.parking.Reserve("", 799)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReserveExhaustion(t *testing.T) {
	e := newTestEnv(smallLotINI)
	for i := 0; i < 3; i++ {
		_, err := e.core.parking.Reserve("", 0)
		require.NoError(t, err)
	}
	_, err := e.core.parking.Reserve("", 0)
	assert.ErrorIs(t, err, ErrNoFreeSlots)
}

func TestReserveNextPolicyAdvances(t *testing.T) {
	e := newTestEnv(`
[parking]
parkpos = 701-703
findslot = next
`)
	r1, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	r1.Cancel()
	r2, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	assert.NotEqual(t, r1.Slot(), r2.Slot(), "next policy must move past the last allocation")
}

func TestReserveRandomizeOverridesPolicy(t *testing.T) {
	e := newTestEnv(`
[parking]
parkpos = 701-750
`)
	// The first-fit default would hand out 701 every time; the randomize
	// option must spread the picks across the range.
	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		r, err := e.core.parking.ReserveWithOptions("", 0, ParkRandomize)
		require.NoError(t, err)
		seen[r.Slot()] = true
		r.Cancel()
	}
	assert.Greater(t, len(seen), 1, "randomized reservations all landed on one slot")
}

func TestReserveConcurrentUniqueness(t *testing.T) {
	e := newTestEnv(`
[parking]
parkpos = 701-750
`)
	var wg sync.WaitGroup
	slots := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.core.parking.Reserve("", 0)
			if err == nil {
				slots <- r.Slot()
			}
		}()
	}
	wg.Wait()
	close(slots)

	seen := make(map[int]bool)
	for s := range slots {
		assert.GreaterOrEqual(t, s, 701)
		assert.LessOrEqual(t, s, 750)
		assert.False(t, seen[s], "slot %d handed out twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, 50)
}

func TestParkHoldsAndAnnounces(t *testing.T) {
	e := newTestEnv(smallLotINI)
	parkee := NewLeg("SIP/2002-0001")
	parkee.setState(LegUp)
	announcer := NewLeg("SIP/1001-0001")

	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	pc, err := e.core.parking.Park(res, parkee, ReturnTarget{PeerName: announcer.Name()}, 0, 0, announcer)
	require.NoError(t, err)

	assert.Equal(t, 701, pc.Slot)
	assert.Equal(t, LegHeld, parkee.State())
	assert.Equal(t, "default", e.media.mohClass(parkee.Name()))
	assert.Equal(t, []string{"701"}, e.media.spokenTo(announcer.Name()))

	app, ok := e.dialplan.addedExten("parkedcalls", "701")
	require.True(t, ok)
	assert.Equal(t, "ParkedCall(701)", app)

	events := e.pub.named(EventParkedCall)
	require.Len(t, events, 1)
	assert.Equal(t, "701", events[0].Fields["Exten"])
	assert.Equal(t, parkee.Name(), events[0].Fields["Channel"])
}

func TestParkOptions(t *testing.T) {
	e := newTestEnv(smallLotINI)
	parkee := NewLeg("SIP/2002-0001")
	announcer := NewLeg("SIP/1001-0001")
	rec := recordOutput(parkee)
	defer rec.close()

	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	_, err = e.core.parking.Park(res, parkee, ReturnTarget{}, 0, ParkRinging|ParkSilence, announcer)
	require.NoError(t, err)

	assert.Empty(t, e.media.mohClass(parkee.Name()), "ringing option must suppress hold music")
	require.Eventually(t, func() bool { return rec.sawControl(ControlRinging) },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, e.media.spokenTo(announcer.Name()), "silence option must skip the announcement")
}

func TestRetrieve(t *testing.T) {
	e := newTestEnv(smallLotINI)
	parkee := NewLeg("SIP/2002-0001")
	rec := recordOutput(parkee)
	defer rec.close()

	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	_, err = e.core.parking.Park(res, parkee, ReturnTarget{}, 0, 0, nil)
	require.NoError(t, err)

	got, err := e.core.parking.Retrieve("", 701)
	require.NoError(t, err)
	assert.Same(t, parkee, got)
	assert.Equal(t, LegUp, got.State())
	assert.Empty(t, e.media.mohClass(parkee.Name()))
	assert.Zero(t, e.core.autoserviceCount(got))
	require.Eventually(t, func() bool { return rec.sawControl(ControlUnhold) },
		time.Second, 5*time.Millisecond)

	_, ok := e.dialplan.addedExten("parkedcalls", "701")
	assert.False(t, ok, "retrieval extension must be removed")
	assert.Equal(t, 1, e.pub.count(EventUnParkedCall))

	_, err = e.core.parking.Retrieve("", 701)
	assert.Error(t, err, "slot must be empty after retrieval")
}

func TestRetrieveAndBridge(t *testing.T) {
	e := newTestEnv(`
[parking]
parkpos = 701-703
parkedcallhangup = caller
`)
	parkee := NewLeg("SIP/2002-0001")
	parkee.setState(LegUp)
	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	_, err = e.core.parking.Park(res, parkee, ReturnTarget{}, 0, 0, nil)
	require.NoError(t, err)

	rescuer := NewLeg("SIP/1001-0001")
	rescuer.setState(LegUp)
	done := make(chan BridgeResult, 1)
	go func() {
		r, berr := e.core.RetrieveAndBridge(rescuer, "", 701)
		assert.NoError(t, berr)
		done <- r
	}()

	require.Eventually(t, func() bool { return rescuer.Peer() == parkee },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, LegUp, parkee.State())

	// The lot grants the rescuer the disconnect feature.
	rescuer.Deliver(NewDTMFFrame('*'))
	assert.Equal(t, BridgeLocalHangup, <-done)
	assert.True(t, parkee.Hungup())

	_, err = e.core.RetrieveAndBridge(rescuer, "", 701)
	assert.Error(t, err, "slot must be empty after retrieval")
}

func TestRetrieveAndBridgeCourtesyTone(t *testing.T) {
	e := newTestEnv(`
[general]
courtesytone = beep-courtesy
parkedplay = both

[parking]
parkpos = 701-703
`)
	parkee := NewLeg("SIP/2002-0001")
	parkee.setState(LegUp)
	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	_, err = e.core.parking.Park(res, parkee, ReturnTarget{}, 0, 0, nil)
	require.NoError(t, err)

	rescuer := NewLeg("SIP/1001-0001")
	rescuer.setState(LegUp)
	done := make(chan BridgeResult, 1)
	go func() {
		r, berr := e.core.RetrieveAndBridge(rescuer, "", 701)
		assert.NoError(t, berr)
		done <- r
	}()

	require.Eventually(t, func() bool { return rescuer.Peer() == parkee },
		time.Second, 5*time.Millisecond)
	assert.True(t, e.media.streamed(rescuer.Name(), "beep-courtesy"))
	assert.True(t, e.media.streamed(parkee.Name(), "beep-courtesy"))

	rescuer.Deliver(NewControlFrame(ControlHangup))
	assert.Equal(t, BridgeLocalHangup, <-done)
}

func TestParkTimeoutComebackToOrigin(t *testing.T) {
	fastParkSupervisor(t)
	e := newTestEnv(smallLotINI)
	e.core.Start()
	defer e.core.Shutdown()

	parkee := NewLeg("SIP/2002-0001")
	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	_, err = e.core.parking.Park(res, parkee, ReturnTarget{PeerName: "SIP/1001-0001"}, 30*time.Millisecond, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.pub.count(EventParkedCallTimeOut) == 1 },
		time.Second, 5*time.Millisecond)

	// The comeback context redials the reduced parker name.
	require.Eventually(t, func() bool {
		app, ok := e.dialplan.addedExten("park-dial", "SIP/1001")
		return ok && app == "Dial(SIP/1001,30,t)"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		gotos := e.dialplan.gotosFor(parkee)
		return len(gotos) == 1 && gotos[0].Context == "park-dial" && gotos[0].Exten == "SIP/1001"
	}, time.Second, 5*time.Millisecond)

	// Exactly one delivery.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, e.dialplan.gotosFor(parkee), 1)
	assert.Equal(t, 1, e.pub.count(EventParkedCallTimeOut))
}

func TestParkTimeoutExplicitTarget(t *testing.T) {
	fastParkSupervisor(t)
	e := newTestEnv(smallLotINI)
	e.dialplan.addKnownExten("office", "42")
	e.core.Start()
	defer e.core.Shutdown()

	parkee := NewLeg("SIP/2002-0001")
	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	ret := ReturnTarget{Context: "office", Exten: "42", Priority: 1}
	_, err = e.core.parking.Park(res, parkee, ret, 30*time.Millisecond, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		gotos := e.dialplan.gotosFor(parkee)
		return len(gotos) == 1 && gotos[0].Context == "office" && gotos[0].Exten == "42"
	}, time.Second, 5*time.Millisecond)
}

func TestParkTimeoutMissingTargetGivesUp(t *testing.T) {
	fastParkSupervisor(t)
	e := newTestEnv(`
[parking]
parkpos = 701-703
comebacktoorigin = false
`)
	e.core.Start()
	defer e.core.Shutdown()

	parkee := NewLeg("SIP/2002-0001")
	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	ret := ReturnTarget{Context: "nowhere", Exten: "42", Priority: 1}
	_, err = e.core.parking.Park(res, parkee, ret, 30*time.Millisecond, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.pub.count(EventParkedCallGiveUp) == 1 },
		time.Second, 5*time.Millisecond)
	assert.True(t, e.driver.didHangup(parkee.Name()))
	assert.Empty(t, e.dialplan.gotosFor(parkee))
}

func TestParkedHangupIsReaped(t *testing.T) {
	fastParkSupervisor(t)
	e := newTestEnv(smallLotINI)
	e.core.Start()
	defer e.core.Shutdown()

	parkee := NewLeg("SIP/2002-0001")
	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	_, err = e.core.parking.Park(res, parkee, ReturnTarget{}, time.Minute, 0, nil)
	require.NoError(t, err)

	parkee.markHungup()
	require.Eventually(t, func() bool { return e.pub.count(EventParkedCallGiveUp) == 1 },
		time.Second, 5*time.Millisecond)

	// The slot is free again.
	r2, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	assert.Equal(t, 701, r2.Slot())
}

func TestFindBySlotAndStatus(t *testing.T) {
	e := newTestEnv(smallLotINI)
	parkee := NewLeg("SIP/2002-0001")
	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	_, err = e.core.parking.Park(res, parkee, ReturnTarget{}, 0, 0, nil)
	require.NoError(t, err)

	lotName, ok := e.core.parking.FindBySlot(701)
	require.True(t, ok)
	assert.Equal(t, "default", lotName)

	status := e.core.ParkingStatus()
	require.Len(t, status, 1)
	assert.Equal(t, 701, status[0].Slot)
	assert.Equal(t, "default", status[0].Lot)
	assert.Equal(t, parkee.Name(), status[0].Channel)
}

func TestReloadLotsKeepsOccupied(t *testing.T) {
	e := newTestEnv(smallLotINI)
	parkee := NewLeg("SIP/2002-0001")
	res, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	_, err = e.core.parking.Park(res, parkee, ReturnTarget{}, 0, 0, nil)
	require.NoError(t, err)

	next := loadTestSettings(`
[parking]
parkpos = 711-713

[parkinglot_annex]
parkext = 800
parkpos = 801-803
`)
	e.core.parking.reloadLots(next.Lots())

	// Existing occupant survives, the new lot exists, the new range applies.
	lotName, ok := e.core.parking.FindBySlot(701)
	require.True(t, ok)
	assert.Equal(t, "default", lotName)
	status := e.core.ParkingStatus()
	require.Len(t, status, 1)
	assert.Equal(t, parkee.Name(), status[0].Channel)

	_, err = e.core.parking.Lot("annex")
	assert.NoError(t, err)

	r2, err := e.core.parking.Reserve("", 0)
	require.NoError(t, err)
	assert.Equal(t, 711, r2.Slot())
}
