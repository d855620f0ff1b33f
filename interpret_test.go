package softbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tevino/abool"
)

func newTestSession(c *Core, a, b *Leg, callerFeatures []string) *BridgeSession {
	s := &BridgeSession{
		ID:      "test-session",
		core:    c,
		a:       a,
		b:       b,
		cfg:     &BridgeConfig{},
		colls:   make(map[*Leg]*digitCollector),
		enabled: make(map[*Leg]map[string]string),
		started: time.Now(),
		monitor: abool.New(),
	}
	s.enabled[a] = c.buildEnabledSet(callerFeatures, a)
	s.enabled[b] = c.buildEnabledSet(nil, b)
	a.setBridge(s)
	b.setBridge(s)
	a.setPeer(b)
	b.setPeer(a)
	return s
}

func TestInterpretPassThroughConservesDigits(t *testing.T) {
	e := newTestEnv("")
	a, b := newBridgedPair()
	s := newTestSession(e.core, a, b, []string{"blindxfer", "atxfer"})
	rec := recordOutput(b)
	defer rec.close()

	// '5' matches nothing: flushed immediately, delivered once.
	outcome, digits := s.interpret(a, b, '5')
	assert.Equal(t, OutcomePassThrough, outcome)
	assert.Equal(t, "5", digits)
	passDigits(b, digits)

	// "*5" walks through the '*2' prefix then mismatches: both digits out.
	outcome, _ = s.interpret(a, b, '*')
	assert.Equal(t, OutcomeKeepBuffering, outcome)
	outcome, digits = s.interpret(a, b, '5')
	assert.Equal(t, OutcomePassThrough, outcome)
	assert.Equal(t, "*5", digits)
	passDigits(b, digits)

	require.Eventually(t, func() bool { return rec.digits() == "5*5" },
		time.Second, 5*time.Millisecond, "no digit may be lost or duplicated")
}

func TestInterpretExactMatchRunsHandler(t *testing.T) {
	e := newTestEnv("")
	var invoked *Leg
	e.core.features.RegisterBuiltin("probe", "*9", func(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
		invoked = sender
		return FeatureConsumed
	}, FeatureByBoth|FeatureOnSelf)

	a, b := newBridgedPair()
	s := newTestSession(e.core, a, b, []string{"probe"})

	outcome, _ := s.interpret(a, b, '*')
	assert.Equal(t, OutcomeKeepBuffering, outcome)
	outcome, _ = s.interpret(a, b, '9')
	assert.Equal(t, OutcomeConsumed, outcome)
	assert.Same(t, a, invoked)
	assert.True(t, s.collector(a).empty(), "buffer must be flushed after a match")
}

func TestInterpretBufferCapPassesThrough(t *testing.T) {
	e := newTestEnv("")
	a, b := newBridgedPair()
	s := newTestSession(e.core, a, b, []string{"atxfer"})

	// "*2" is the longest enabled sequence; a third buffered digit cannot
	// happen, and a two-digit mismatch flushes.
	outcome, _ := s.interpret(a, b, '*')
	require.Equal(t, OutcomeKeepBuffering, outcome)
	outcome, digits := s.interpret(a, b, '7')
	assert.Equal(t, OutcomePassThrough, outcome)
	assert.Equal(t, "*7", digits)
}

func TestInterpretHandlerOutcomeMapping(t *testing.T) {
	e := newTestEnv("")
	results := map[string]FeatureResult{
		"1": FeatureConsumed,
		"2": FeatureConsumedBreak,
		"3": FeatureHangup,
		"4": FeatureTransferred,
	}
	for seq, res := range results {
		res := res
		e.core.features.RegisterBuiltin("f"+seq, seq, func(c *Core, s *BridgeSession, sender, peer *Leg) FeatureResult {
			return res
		}, FeatureByBoth|FeatureOnSelf)
	}

	a, b := newBridgedPair()
	s := newTestSession(e.core, a, b, []string{"f1", "f2", "f3", "f4"})

	expect := map[byte]InterpretOutcome{
		'1': OutcomeConsumed,
		'2': OutcomeConsumedBreak,
		'3': OutcomeHangup,
		'4': OutcomeTransferred,
	}
	for digit, want := range expect {
		got, _ := s.interpret(a, b, digit)
		assert.Equal(t, want, got, "digit %c", digit)
	}
}

func TestFlushDigitsReturnsBuffered(t *testing.T) {
	e := newTestEnv("")
	a, b := newBridgedPair()
	s := newTestSession(e.core, a, b, []string{"atxfer"})

	outcome, _ := s.interpret(a, b, '*')
	require.Equal(t, OutcomeKeepBuffering, outcome)
	assert.Equal(t, "*", s.flushDigits(a))
	assert.True(t, s.collector(a).empty())
}
