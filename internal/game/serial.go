package game

import "sync"

// serializer hands out single-writer execution per game id. Triggers arrive
// unordered and possibly concurrent with no exclusion guarantee from the
// event source, so each game's detect/resolve and transition sequences run
// under that game's lock while independent games proceed in parallel.
type serializer struct {
	mu    sync.Mutex
	locks map[int64]*gameLock
}

type gameLock struct {
	mu   sync.Mutex
	refs int
}

func newSerializer() *serializer {
	return &serializer{locks: make(map[int64]*gameLock)}
}

// do runs fn while holding the lock for gameID. Lock entries are refcounted
// and dropped once idle, so the map stays proportional to games in flight.
func (s *serializer) do(gameID int64, fn func()) {
	s.mu.Lock()
	l := s.locks[gameID]
	if l == nil {
		l = &gameLock{}
		s.locks[gameID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	fn()
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, gameID)
	}
	s.mu.Unlock()
}
