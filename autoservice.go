package softbridge

// Autoservice keeps a leg alive while the supervisor is busy elsewhere: a
// background goroutine drains the input queue, drops media, and defers
// control frames for redelivery when the service stops. Hangups are applied
// immediately so the supervisor notices on resume.

// autoserviceStart begins (or nests) background servicing of a leg.
func (c *Core) autoserviceStart(l *Leg) {
	l.mu.Lock()
	l.autosvc++
	if l.autosvc > 1 {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	l.asStop = stop
	l.asDone = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case f := <-l.readChan():
				if f == nil {
					continue
				}
				switch f.Type {
				case FrameControl:
					if f.Control == ControlHangup {
						l.markHungup()
						return
					}
					l.mu.Lock()
					l.asDeferred = append(l.asDeferred, f)
					l.mu.Unlock()
				default:
					// media and DTMF are dropped while autoserviced
				}
			}
		}
	}()
}

// autoserviceStop ends one level of background servicing and redelivers any
// deferred control frames.
func (c *Core) autoserviceStop(l *Leg) {
	l.mu.Lock()
	if l.autosvc == 0 {
		l.mu.Unlock()
		return
	}
	l.autosvc--
	if l.autosvc > 0 {
		l.mu.Unlock()
		return
	}
	stop := l.asStop
	done := l.asDone
	l.asStop = nil
	l.asDone = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	l.mu.Lock()
	deferred := l.asDeferred
	l.asDeferred = nil
	l.mu.Unlock()
	for _, f := range deferred {
		l.Deliver(f)
	}
}

// autoserviceCount returns the current nesting depth.
func (c *Core) autoserviceCount(l *Leg) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.autosvc
}
