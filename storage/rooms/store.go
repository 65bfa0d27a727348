package rooms

import (
	"sync"

	"github.com/adwski/sfu-signaling/room"
)

// Store is the process-wide registry of live rooms.
type Store struct {
	mx *sync.Mutex
	db map[string]*room.Room
}

func NewStore() *Store {
	return &Store{
		mx: &sync.Mutex{},
		db: make(map[string]*room.Room),
	}
}

func (s *Store) Get(sessionID string) (*room.Room, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	r, ok := s.db[sessionID]
	return r, ok
}

// Set registers a room unless the session is already taken; it reports
// whether the room was stored.
func (s *Store) Set(sessionID string, r *room.Room) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.db[sessionID]; ok {
		return false
	}
	s.db[sessionID] = r
	return true
}

func (s *Store) Delete(sessionID string) {
	s.mx.Lock()
	defer s.mx.Unlock()

	delete(s.db, sessionID)
}

func (s *Store) List() []*room.Room {
	s.mx.Lock()
	defer s.mx.Unlock()

	list := make([]*room.Room, 0, len(s.db))
	for _, r := range s.db {
		list = append(list, r)
	}
	return list
}
