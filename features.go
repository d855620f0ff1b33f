package softbridge

import (
	"sort"
	"strings"
	"sync"
)

// FeatureFlag is a bitset recording who may invoke a feature and which leg
// the action operates on.
type FeatureFlag uint

const (
	// FeatureByCaller allows the caller side of a bridge to invoke.
	FeatureByCaller FeatureFlag = 1 << iota
	// FeatureByCallee allows the callee side of a bridge to invoke.
	FeatureByCallee
	// FeatureOnSelf makes the action operate on the invoker's own leg.
	FeatureOnSelf
	// FeatureOnPeer makes the action operate on the invoker's peer.
	FeatureOnPeer
)

// FeatureByBoth allows either side to invoke.
const FeatureByBoth = FeatureByCaller | FeatureByCallee

// FeatureResult is the three-plus-two valued outcome of running a handler.
type FeatureResult int

const (
	// FeatureConsumed means the handler ran; keep bridging.
	FeatureConsumed FeatureResult = iota
	// FeatureConsumedBreak means the handler ran and the bridge must end.
	FeatureConsumedBreak
	// FeatureHangup means the handler demanded the session end.
	FeatureHangup
	// FeatureTransferred means a splice occurred; both legs live elsewhere.
	FeatureTransferred
)

// FeatureHandler runs a matched feature. sender is the invoking leg, peer
// the other side. Handlers run without any feature-table lock held.
type FeatureHandler func(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult

// Feature is one DTMF-triggered in-call operation. Built-in and user-defined
// features differ only in the handler: dynamic features execute an external
// application through the dialplan interface.
type Feature struct {
	Name     string
	Sequence string
	Handler  FeatureHandler
	Flags    FeatureFlag

	// Dynamic features only.
	App      string
	AppArgs  string
	MOHClass string
}

func (f *Feature) forSide(callerSide bool) bool {
	if callerSide {
		return f.Flags&FeatureByCaller != 0
	}
	return f.Flags&FeatureByCallee != 0
}

// MatchKind classifies a lookup outcome.
type MatchKind int

const (
	// MatchNone means the buffer matches nothing; pass digits through.
	MatchNone MatchKind = iota
	// MatchPrefix means the buffer is a proper prefix; keep buffering.
	MatchPrefix
	// MatchExact means the buffer equals an enabled sequence.
	MatchExact
)

// FeatureTable is the process-wide DTMF to handler registry. Reads are
// frequent (one per buffered digit), writes happen only on startup and
// config reload.
type FeatureTable struct {
	mu       sync.RWMutex
	builtins map[string]*Feature
	dynamic  map[string]*Feature
}

// NewFeatureTable creates an empty table.
func NewFeatureTable() *FeatureTable {
	return &FeatureTable{
		builtins: make(map[string]*Feature),
		dynamic:  make(map[string]*Feature),
	}
}

// RegisterBuiltin installs a built-in feature under its default sequence.
// Re-registering the same name replaces it, so the call is idempotent.
func (t *FeatureTable) RegisterBuiltin(name, sequence string, handler FeatureHandler, flags FeatureFlag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.builtins[name] = &Feature{Name: name, Sequence: sequence, Handler: handler, Flags: flags}
}

// Remap atomically replaces a built-in's DTMF sequence.
func (t *FeatureTable) Remap(name, sequence string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.builtins[name]
	if !ok {
		return ErrUnknownFeature
	}
	nf := *f
	nf.Sequence = sequence
	t.builtins[name] = &nf
	return nil
}

// RegisterDynamic adds a user-defined feature.
func (t *FeatureTable) RegisterDynamic(f *Feature) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.dynamic[f.Name]; ok {
		return ErrDuplicateFeature
	}
	t.dynamic[f.Name] = f
	return nil
}

// MaxSequenceLen returns the longest registered sequence; the interpreter
// buffers at most this many digits.
func (t *FeatureTable) MaxSequenceLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	max := 1
	for _, f := range t.builtins {
		if len(f.Sequence) > max {
			max = len(f.Sequence)
		}
	}
	for _, f := range t.dynamic {
		if len(f.Sequence) > max {
			max = len(f.Sequence)
		}
	}
	return max
}

// Lookup classifies buf against the enabled features for one side. The
// enabled map gates which features are considered and may carry a per-session
// sequence remap (empty value keeps the registered sequence); nil enables
// everything. Built-in and dynamic features share one namespace; an exact
// match beats a prefix match on another feature. The returned feature is a
// copy so the handler can run after the lock is released.
func (t *FeatureTable) Lookup(buf string, callerSide bool, enabled map[string]string) (MatchKind, *Feature) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	kind := MatchNone
	var exact *Feature
	var exactSeq string
	consider := func(f *Feature) {
		if !f.forSide(callerSide) {
			return
		}
		seq := f.Sequence
		if enabled != nil {
			override, ok := enabled[f.Name]
			if !ok {
				return
			}
			if override != "" {
				seq = override
			}
		}
		if seq == "" {
			return
		}
		if buf == seq {
			kind = MatchExact
			if exact == nil {
				exact = f
				exactSeq = seq
			}
		} else if kind != MatchExact && strings.HasPrefix(seq, buf) {
			kind = MatchPrefix
		}
	}
	for _, f := range t.builtins {
		consider(f)
	}
	for _, f := range t.dynamic {
		consider(f)
	}

	if exact != nil {
		cp := *exact
		cp.Sequence = exactSeq
		return MatchExact, &cp
	}
	return kind, nil
}

// snapshot returns all registered features sorted by name, for the operator
// listing.
func (t *FeatureTable) snapshot() []*Feature {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Feature, 0, len(t.builtins)+len(t.dynamic))
	for _, f := range t.builtins {
		cp := *f
		out = append(out, &cp)
	}
	for _, f := range t.dynamic {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
