package softbridge

import "fmt"

// Masquerade-splice: given leg x inside a bridge and a freshly originated
// leg y, make y take x's place while x drops out, without interrupting media
// to x's peer. The queue pair of the two legs is swapped under both leg
// locks, so frames already queued towards x's bridge slot stay in order and
// y's endpoint keeps feeding the same slot. x becomes a zombie: any holder
// of a stale reference observes it hung up and cannot reach y through it.
func (c *Core) masquerade(x, y *Leg) error {
	if x == y {
		return fmt.Errorf("masquerade: %w", ErrFatal)
	}
	if y.Hungup() {
		return ErrLegGone
	}

	s := x.Bridge()
	peer := x.Peer()

	if peer != nil {
		if err := c.driver.MakeCompatible(y, peer); err != nil {
			return fmt.Errorf("%w: %v", ErrIncompatibleFormats, err)
		}
	}

	lockTwo(x, y)
	// The rescuer inherits the rescued party's feature datastores.
	for k, v := range x.datastores {
		if _, exists := y.datastores[k]; !exists {
			y.datastores[k] = v
		}
	}
	x.datastores = make(map[string]interface{})
	y.role = x.role
	x.role = TransferNone

	x.q, y.q = y.q, x.q

	x.zombie.Set()
	x.state = LegHungup
	x.name = x.name + "<ZOMBIE>"
	x.peer = nil
	x.bridge = nil
	xq := x.q
	unlockTwo(x, y)

	// Wake anything still blocked on the zombie's (former) queue.
	select {
	case xq.in <- NewControlFrame(ControlHangup):
	default:
	}

	if peer != nil {
		y.setPeer(peer)
		peer.setPeer(y)
	}
	if s != nil {
		s.swapLeg(x, y)
	}
	c.unregisterLeg(x)
	c.registerLeg(y)

	// The record tied to the old channel name must not leak into later
	// bridges.
	resetCallRecord(x)

	if peer != nil {
		c.setBridgePeerVars(y, peer)
	}

	bridgeLog.Infof("masqueraded %s into place of %s", y.Name(), x.Name())
	return nil
}

// setBridgePeerVars refreshes the BRIDGEPEER variables on both legs; done at
// bridge entry and again after every splice.
func (c *Core) setBridgePeerVars(a, b *Leg) {
	a.SetVariable("BRIDGEPEER", b.Name())
	b.SetVariable("BRIDGEPEER", a.Name())
}

// newBogusLeg creates a placeholder leg used where an operation needs a
// party that has no real endpoint: the stand-in for an absent park invoker
// and the temporary occupant of a slot yanked by the operator bridge. It is
// core-owned, never touches the channel driver, and is hung up when the
// operation completes.
func newBogusLeg(tag string) *Leg {
	l := NewLeg("Bogus/" + tag)
	l.setState(LegUp)
	return l
}
