package feed

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/auth"
)

const (
	defaultJournalSize    = 512
	defaultRecoveryWindow = 2 * time.Minute
)

// journal keeps the most recent broadcast events so a briefly disconnected
// session can be resumed without a database replay.
type journal struct {
	buffer []OutboundEvent
	start  int
	count  int
}

func newJournal(capacity int) *journal {
	if capacity <= 0 {
		capacity = defaultJournalSize
	}
	return &journal{buffer: make([]OutboundEvent, capacity)}
}

func (j *journal) append(event OutboundEvent) {
	capacity := len(j.buffer)
	if j.count < capacity {
		j.buffer[(j.start+j.count)%capacity] = event
		j.count++
		return
	}
	j.buffer[j.start] = event
	j.start = (j.start + 1) % capacity
}

// since returns the events after seq. It reports false when events after seq
// have already been evicted or seq is ahead of head.
func (j *journal) since(seq, head uint64) ([]OutboundEvent, bool) {
	if seq > head {
		return nil, false
	}
	if seq == head {
		return nil, true
	}
	if j.count == 0 {
		return nil, false
	}
	capacity := len(j.buffer)
	oldest := j.buffer[j.start].Seq
	if seq+1 < oldest {
		return nil, false
	}
	events := make([]OutboundEvent, 0, head-seq)
	for offset := 0; offset < j.count; offset++ {
		event := j.buffer[(j.start+offset)%capacity]
		if event.Seq > seq {
			events = append(events, event)
		}
	}
	return events, true
}

type parkedSession struct {
	identity auth.Identity
	parkedAt time.Time
}

// sessionParking remembers disconnected sessions for the recovery window.
type sessionParking struct {
	mu       sync.Mutex
	window   time.Duration
	clock    func() time.Time
	sessions map[string]parkedSession
}

func newSessionParking(window time.Duration, clock func() time.Time) *sessionParking {
	return &sessionParking{
		window:   window,
		clock:    clock,
		sessions: make(map[string]parkedSession),
	}
}

func (p *sessionParking) enabled() bool {
	return p.window > 0
}

func (p *sessionParking) park(id string, session parkedSession) {
	if !p.enabled() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	for key, existing := range p.sessions {
		if now.Sub(existing.parkedAt) > p.window {
			delete(p.sessions, key)
		}
	}
	session.parkedAt = now
	p.sessions[id] = session
}

// claim removes and returns the parked session when it is still inside the window.
func (p *sessionParking) claim(id string) (parkedSession, bool) {
	if !p.enabled() || id == "" {
		return parkedSession{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[id]
	if !ok {
		return parkedSession{}, false
	}
	delete(p.sessions, id)
	if p.clock().Sub(session.parkedAt) > p.window {
		return parkedSession{}, false
	}
	return session, true
}
