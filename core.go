package softbridge

import (
	"sync"

	ini "gopkg.in/ini.v1"
)

// Core is the feature engine. It borrows legs from the channel driver,
// supervises bridges, and owns the feature table and the parking lots.
type Core struct {
	driver    ChannelDriver
	dialplan  Dialplan
	media     Media
	publisher Publisher
	lookup    ServiceLookup

	mu       sync.Mutex
	settings *Settings
	features *FeatureTable
	parking  *ParkingManager

	legsMu sync.RWMutex
	legs   map[string]*Leg

	shutdown chan struct{}
	started  bool
	stopped  bool
}

// NewCore wires the engine to its collaborators. A nil settings uses the
// built-in defaults; publisher and lookup may be nil.
func NewCore(driver ChannelDriver, dialplan Dialplan, media Media, publisher Publisher, lookup ServiceLookup, settings *Settings) *Core {
	if settings == nil {
		settings = DefaultSettings()
	}
	c := &Core{
		driver:    driver,
		dialplan:  dialplan,
		media:     media,
		publisher: publisher,
		lookup:    lookup,
		settings:  settings,
		features:  buildFeatureTable(settings),
		legs:      make(map[string]*Leg),
		shutdown:  make(chan struct{}),
	}
	c.parking = newParkingManager(c, settings)
	return c
}

// Start spawns the parking supervisor. Idempotent.
func (c *Core) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.parking.start()
	coreLog.Info("feature core started")
}

// Shutdown cancels every running bridge and stops the parking supervisor.
func (c *Core) Shutdown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	close(c.shutdown)
	if started {
		c.parking.shutdown()
	}
	coreLog.Info("feature core stopped")
}

// isShutdown reports whether Shutdown has begun.
func (c *Core) isShutdown() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// Reload swaps the feature table, settings and lot set from a fresh ini
// file. Running bridges keep the config they started with; parked calls stay
// parked.
func (c *Core) Reload(cfg *ini.File) error {
	s, err := LoadSettings(cfg)
	if err != nil {
		return err
	}
	t := buildFeatureTable(s)

	c.mu.Lock()
	c.settings = s
	c.features = t
	c.mu.Unlock()

	c.parking.reloadLots(s.Lots())
	coreLog.Info("configuration reloaded")
	return nil
}

// Features exposes the feature table for remaps and dynamic registration.
func (c *Core) Features() *FeatureTable { return c.features }

// Parking exposes the parking manager.
func (c *Core) Parking() *ParkingManager { return c.parking }

// Settings returns the active configuration.
func (c *Core) Settings() *Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// buildFeatureTable installs the six built-ins under their configured DTMF
// sequences plus every user-defined application-map feature.
func buildFeatureTable(s *Settings) *FeatureTable {
	t := NewFeatureTable()
	t.RegisterBuiltin("blindxfer", s.FeatureMap("blindxfer"), builtinBlindTransfer, FeatureByBoth|FeatureOnSelf)
	t.RegisterBuiltin("disconnect", s.FeatureMap("disconnect"), builtinDisconnect, FeatureByBoth|FeatureOnSelf)
	t.RegisterBuiltin("atxfer", s.FeatureMap("atxfer"), builtinAttendedTransfer, FeatureByBoth|FeatureOnSelf)
	t.RegisterBuiltin("parkcall", s.FeatureMap("parkcall"), builtinParkCall, FeatureByBoth|FeatureOnPeer)
	t.RegisterBuiltin("automon", s.FeatureMap("automon"), builtinAutomon, FeatureByBoth|FeatureOnSelf)
	t.RegisterBuiltin("automixmon", s.FeatureMap("automixmon"), builtinAutomixmon, FeatureByBoth|FeatureOnSelf)
	for _, f := range s.ApplicationMap() {
		if err := t.RegisterDynamic(f); err != nil {
			coreLog.Warnf("skipping dynamic feature %s: %v", f.Name, err)
		}
	}
	return t
}

// RegisterLeg makes a leg addressable by name for the operator surface.
// Bridges register their members automatically.
func (c *Core) RegisterLeg(l *Leg) {
	c.registerLeg(l)
}

func (c *Core) registerLeg(l *Leg) {
	c.legsMu.Lock()
	c.legs[l.Name()] = l
	c.legsMu.Unlock()
}

// unregisterLeg removes a leg from the registry. Matching is by identity,
// not name: a masquerade renames its victim.
func (c *Core) unregisterLeg(l *Leg) {
	c.legsMu.Lock()
	for name, reg := range c.legs {
		if reg == l {
			delete(c.legs, name)
		}
	}
	c.legsMu.Unlock()
}

// FindLeg resolves a leg by its registered name.
func (c *Core) FindLeg(name string) (*Leg, error) {
	c.legsMu.RLock()
	defer c.legsMu.RUnlock()
	l, ok := c.legs[name]
	if !ok {
		return nil, ErrUnknownLeg
	}
	return l, nil
}

// startMOH starts hold music on a leg unless it already plays. An empty
// class selects the default music class.
func (c *Core) startMOH(l *Leg, class string) {
	if l.mohActive() != "" || l.Hungup() {
		return
	}
	if class == "" {
		class = "default"
	}
	if c.media != nil {
		if err := c.media.StartMOH(l, class); err != nil {
			coreLog.Warnf("failed to start hold music on %s: %v", l.Name(), err)
			return
		}
	}
	l.setMOH(class)
}

// stopMOH stops hold music if it is playing.
func (c *Core) stopMOH(l *Leg) {
	if l.mohActive() == "" {
		return
	}
	if c.media != nil {
		c.media.StopMOH(l)
	}
	l.setMOH("")
}

// soundForCause maps an outbound failure cause to its announcement sound.
func (c *Core) soundForCause(cause Cause) string {
	switch cause {
	case CauseBusy:
		return c.settings.SoundBusy()
	case CauseForbidden:
		return c.settings.SoundForbidden()
	case CauseTimeout:
		return c.settings.SoundNoAnswer()
	case CauseRouteFail:
		return c.settings.SoundNotFound()
	case CauseUnavailable:
		return c.settings.SoundNotRegistered()
	case CauseCongestion, CauseRejected:
		return c.settings.SoundInvalid()
	}
	return ""
}
