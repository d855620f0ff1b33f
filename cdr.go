package softbridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallRecord is the per-call accounting record. Attribution must survive
// masquerades: a blind transfer swaps records between transferor and
// transferee so billing follows the surviving conversation.
type CallRecord struct {
	mu sync.Mutex

	UniqueID    string
	Channel     string
	DstChannel  string
	Src         string
	Dst         string
	Context     string
	Exten       string
	StartTime   time.Time
	AnswerTime  time.Time
	EndTime     time.Time
	Disposition string
	UserField   string
}

// newCallRecord synthesises a record for a leg entering a bridge without one.
func newCallRecord(l *Leg) *CallRecord {
	num, _, _ := l.CallerID()
	ctx, exten, _ := l.DialplanPosition()
	return &CallRecord{
		UniqueID:  uuid.NewString(),
		Channel:   l.Name(),
		Src:       num,
		Context:   ctx,
		Exten:     exten,
		StartTime: time.Now(),
	}
}

// adoptCallRecord returns the leg's record, creating one if absent.
func adoptCallRecord(l *Leg) *CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cdr == nil {
		num := l.callerNum
		l.cdr = &CallRecord{
			UniqueID:  uuid.NewString(),
			Channel:   l.name,
			Src:       num,
			Context:   l.context,
			Exten:     l.exten,
			StartTime: time.Now(),
		}
	}
	return l.cdr
}

// swapCallRecords exchanges the records of two legs. Used by blind transfer
// to keep billing attribution on the surviving pair.
func swapCallRecords(a, b *Leg) {
	lockTwo(a, b)
	a.cdr, b.cdr = b.cdr, a.cdr
	unlockTwo(a, b)
}

// resetCallRecord discards a leg's record so a later bridge starts fresh.
// Called after a masquerade changed the channel name behind the record.
func resetCallRecord(l *Leg) {
	l.mu.Lock()
	l.cdr = nil
	l.mu.Unlock()
}

// closeCallRecord stamps the end of the call.
func closeCallRecord(l *Leg, disposition string) {
	l.mu.Lock()
	cdr := l.cdr
	l.mu.Unlock()
	if cdr == nil {
		return
	}
	cdr.mu.Lock()
	if cdr.EndTime.IsZero() {
		cdr.EndTime = time.Now()
		cdr.Disposition = disposition
	}
	cdr.mu.Unlock()
}

// markAnswered stamps the answer time once.
func (r *CallRecord) markAnswered() {
	r.mu.Lock()
	if r.AnswerTime.IsZero() {
		r.AnswerTime = time.Now()
	}
	r.mu.Unlock()
}
