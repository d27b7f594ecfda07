package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Store is the in-memory session registry. Every read returns a copy and
// every write stores a copy, so callers never share a record with the store.
// Enumeration follows registration order.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int
	dropped atomic.Int64
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		subs:     make(map[int]chan Event),
	}
}

// Create registers a new scheduled session for testFile and returns it.
func (s *Store) Create(testFile, browser string) *Session {
	st := &Session{
		ID:       uuid.NewString(),
		TestFile: testFile,
		Browser:  browser,
		Status:   Scheduled,
	}
	s.Update(st)
	return st.Clone()
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// All returns every session in registration order.
func (s *Store) All() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Session, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.sessions[id].Clone())
	}
	return result
}

// Update stores state as the session's record. Unknown ids are registered.
func (s *Store) Update(state *Session) {
	s.write(state, state.Status)
}

// UpdateStatus stores state with its status set to status in a single write,
// so observers never see the new status next to stale fields.
func (s *Store) UpdateStatus(state *Session, status Status) {
	s.write(state, status)
}

func (s *Store) write(state *Session, status Status) {
	c := state.Clone()
	c.Status = status

	s.mu.Lock()
	existing, ok := s.sessions[c.ID]
	if !ok {
		s.order = append(s.order, c.ID)
	}
	s.sessions[c.ID] = c
	s.mu.Unlock()

	ev := Event{Type: EventAdded, Session: c.Clone(), Previous: status}
	if ok {
		ev.Previous = existing.Status
		ev.Type = EventUpdate
		if existing.Status != status {
			ev.Type = EventStatus
		}
	}
	s.publish(ev)
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CountByStatus returns how many sessions are in each status.
func (s *Store) CountByStatus() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int, len(statusNames))
	for _, st := range s.sessions {
		counts[st.Status]++
	}
	return counts
}

// Subscribe returns a channel receiving every registry write and a function
// that cancels the subscription. Sends never block the writer: when the
// buffer is full the event is dropped and counted.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many events were discarded because a subscriber fell
// behind.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Store) publish(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}
