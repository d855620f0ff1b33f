package softbridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ini "gopkg.in/ini.v1"
)

// In-memory fakes of the collaborator interfaces shared by every test.

type fakeDriver struct {
	mu          sync.Mutex
	requested   []*Leg
	answered    []string
	hungup      []string
	requestErr  error
	incompatErr error
	seq         int64
}

func (d *fakeDriver) Request(tech, format, dst string) (*Leg, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.requestErr != nil {
		return nil, d.requestErr
	}
	n := atomic.AddInt64(&d.seq, 1)
	l := NewLeg(fmt.Sprintf("%s/%s-%04x", tech, dst, n))
	l.SetFormats(format, format)
	d.requested = append(d.requested, l)
	return l, nil
}

func (d *fakeDriver) Call(leg *Leg, dst string, timeout time.Duration) error { return nil }

func (d *fakeDriver) Answer(leg *Leg) error {
	d.mu.Lock()
	d.answered = append(d.answered, leg.Name())
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Hangup(leg *Leg) error {
	d.mu.Lock()
	d.hungup = append(d.hungup, leg.Name())
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) MakeCompatible(a, b *Leg) error { return d.incompatErr }

func (d *fakeDriver) SetCallerID(leg *Leg, num, name, ani string) {
	leg.SetCallerID(num, name, ani)
}

func (d *fakeDriver) requestedLegs() []*Leg {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Leg, len(d.requested))
	copy(out, d.requested)
	return out
}

func (d *fakeDriver) hungupNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.hungup))
	copy(out, d.hungup)
	return out
}

func (d *fakeDriver) didHangup(name string) bool {
	for _, n := range d.hungupNames() {
		if n == name {
			return true
		}
	}
	return false
}

type dialplanGoto struct {
	Leg     *Leg
	Context string
	Exten   string
	Pri     int
	Spawned bool
}

type fakeDialplan struct {
	mu      sync.Mutex
	extens  map[string]bool
	apps    map[string]bool
	added   map[string]string // "ctx/exten" -> "app(data)"
	removed []string
	gotos   []dialplanGoto
	execs   []string
}

func newFakeDialplan() *fakeDialplan {
	return &fakeDialplan{
		extens: make(map[string]bool),
		apps:   make(map[string]bool),
		added:  make(map[string]string),
	}
}

func (p *fakeDialplan) addKnownExten(ctx, exten string) {
	p.mu.Lock()
	p.extens[ctx+"/"+exten] = true
	p.mu.Unlock()
}

func (p *fakeDialplan) ExistsExtension(ctx, exten string, pri int, callerNum string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.extens[ctx+"/"+exten] {
		return true
	}
	_, dynamic := p.added[ctx+"/"+exten]
	return dynamic
}

func (p *fakeDialplan) AsyncGoto(leg *Leg, ctx, exten string, pri int) error {
	p.mu.Lock()
	p.gotos = append(p.gotos, dialplanGoto{leg, ctx, exten, pri, false})
	p.mu.Unlock()
	return nil
}

func (p *fakeDialplan) SpawnExtension(leg *Leg, ctx, exten string, pri int) error {
	p.mu.Lock()
	p.gotos = append(p.gotos, dialplanGoto{leg, ctx, exten, pri, true})
	p.mu.Unlock()
	return nil
}

func (p *fakeDialplan) AddExtension(ctx, exten string, pri int, app, data string) error {
	p.mu.Lock()
	p.added[ctx+"/"+exten] = fmt.Sprintf("%s(%s)", app, data)
	p.mu.Unlock()
	return nil
}

func (p *fakeDialplan) RemoveExtension(ctx, exten string, pri int) error {
	p.mu.Lock()
	delete(p.added, ctx+"/"+exten)
	p.removed = append(p.removed, ctx+"/"+exten)
	p.mu.Unlock()
	return nil
}

func (p *fakeDialplan) FindApp(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apps[name]
}

func (p *fakeDialplan) ExecApp(leg *Leg, app, args string) error {
	p.mu.Lock()
	p.execs = append(p.execs, fmt.Sprintf("%s:%s(%s)", leg.Name(), app, args))
	p.mu.Unlock()
	return nil
}

func (p *fakeDialplan) GetVariable(leg *Leg, name string) string { return leg.Variable(name) }
func (p *fakeDialplan) SetVariable(leg *Leg, name, value string) { leg.SetVariable(name, value) }

func (p *fakeDialplan) gotosFor(l *Leg) []dialplanGoto {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dialplanGoto
	for _, g := range p.gotos {
		if g.Leg == l {
			out = append(out, g)
		}
	}
	return out
}

func (p *fakeDialplan) addedExten(ctx, exten string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.added[ctx+"/"+exten]
	return v, ok
}

type fakeMedia struct {
	mu       sync.Mutex
	streams  map[string][]string // leg name -> sounds
	spoken   map[string][]string // leg name -> digit strings
	moh      map[string]string   // leg name -> active class
	captures map[string]string   // leg name -> active path
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		streams:  make(map[string][]string),
		spoken:   make(map[string][]string),
		moh:      make(map[string]string),
		captures: make(map[string]string),
	}
}

func (m *fakeMedia) StreamFile(leg *Leg, name, lang string) error {
	m.mu.Lock()
	m.streams[leg.Name()] = append(m.streams[leg.Name()], name)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) WaitStream(leg *Leg) error { return nil }
func (m *fakeMedia) StopStream(leg *Leg)       {}

func (m *fakeMedia) SayDigits(leg *Leg, digits, lang string) error {
	m.mu.Lock()
	m.spoken[leg.Name()] = append(m.spoken[leg.Name()], digits)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) StartMOH(leg *Leg, class string) error {
	m.mu.Lock()
	m.moh[leg.Name()] = class
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) StopMOH(leg *Leg) {
	m.mu.Lock()
	delete(m.moh, leg.Name())
	m.mu.Unlock()
}

func (m *fakeMedia) StartCapture(leg *Leg, path, format string) error {
	m.mu.Lock()
	m.captures[leg.Name()] = path + "." + format
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) StopCapture(leg *Leg) error {
	m.mu.Lock()
	delete(m.captures, leg.Name())
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) streamed(legName, sound string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams[legName] {
		if s == sound {
			return true
		}
	}
	return false
}

func (m *fakeMedia) spokenTo(legName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.spoken[legName]))
	copy(out, m.spoken[legName])
	return out
}

func (m *fakeMedia) mohClass(legName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moh[legName]
}

func (m *fakeMedia) captureOn(legName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures[legName]
}

type publishedEvent struct {
	Name   string
	Fields map[string]string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(event string, fields map[string]string) {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	p.mu.Lock()
	p.events = append(p.events, publishedEvent{event, cp})
	p.mu.Unlock()
}

func (p *fakePublisher) named(name string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (p *fakePublisher) count(name string) int { return len(p.named(name)) }

type fakeLookup struct {
	services map[string]ServiceClass
}

func (l *fakeLookup) LookupService(number string) (ServiceClass, int) {
	if l == nil || l.services == nil {
		return ServiceNone, 0
	}
	return l.services[number], 1
}

// testEnv bundles a core with its fakes.
type testEnv struct {
	core     *Core
	driver   *fakeDriver
	dialplan *fakeDialplan
	media    *fakeMedia
	pub      *fakePublisher
	lookup   *fakeLookup
}

func loadTestSettings(text string) *Settings {
	cfg, err := ini.Load([]byte(text))
	if err != nil {
		panic(err)
	}
	s, err := LoadSettings(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// newTestEnv builds a core with fast timers suitable for tests.
func newTestEnv(extraINI string) *testEnv {
	e := &testEnv{
		driver:   &fakeDriver{},
		dialplan: newFakeDialplan(),
		media:    newFakeMedia(),
		pub:      &fakePublisher{},
		lookup:   &fakeLookup{services: make(map[string]ServiceClass)},
	}
	text := `
[general]
featuredigittimeout = 80
transferdigittimeout = 200
atxfernoanswertimeout = 2000
` + extraINI
	e.core = NewCore(e.driver, e.dialplan, e.media, e.pub, e.lookup, loadTestSettings(text))
	return e
}

// newBridgedPair returns two up legs named and stamped like driver channels.
func newBridgedPair() (*Leg, *Leg) {
	a := NewLeg("SIP/1001-0001")
	a.SetCallerID("1001", "Alice", "1001")
	a.SetDialplanPosition("default", "s", 1)
	b := NewLeg("SIP/2002-0001")
	b.SetCallerID("2002", "Bob", "2002")
	b.SetDialplanPosition("default", "s", 1)
	return a, b
}

// runBridge starts the bridge on its own goroutine and reports the result.
func runBridge(c *Core, a, b *Leg, cfg *BridgeConfig) <-chan BridgeResult {
	ch := make(chan BridgeResult, 1)
	go func() { ch <- c.Bridge(a, b, cfg) }()
	return ch
}

// deliverDigits feeds DTMF end frames into a leg with a small gap.
func deliverDigits(l *Leg, digits string) {
	for i := 0; i < len(digits); i++ {
		l.Deliver(NewDTMFFrame(digits[i]))
		time.Sleep(5 * time.Millisecond)
	}
}

// drainOutput consumes a leg's endpoint queue and records frames.
type outputRecorder struct {
	mu     sync.Mutex
	frames []*Frame
	stop   chan struct{}
}

func recordOutput(l *Leg) *outputRecorder {
	r := &outputRecorder{stop: make(chan struct{})}
	out := l.Output()
	go func() {
		for {
			select {
			case <-r.stop:
				return
			case f := <-out:
				r.mu.Lock()
				r.frames = append(r.frames, f)
				r.mu.Unlock()
			}
		}
	}()
	return r
}

func (r *outputRecorder) close() { close(r.stop) }

func (r *outputRecorder) all() []*Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *outputRecorder) digits() string {
	var out []byte
	for _, f := range r.all() {
		if f.Type == FrameDTMF {
			out = append(out, f.Digit)
		}
	}
	return string(out)
}

func (r *outputRecorder) controls(ct ControlType) []*Frame {
	var out []*Frame
	for _, f := range r.all() {
		if f.Type == FrameControl && f.Control == ct {
			out = append(out, f)
		}
	}
	return out
}

func (r *outputRecorder) sawControl(ct ControlType) bool { return len(r.controls(ct)) > 0 }
