package commands

import "sync"

// Store holds the variables managed by get-var and set-var.
// It is owned by whoever runs the listener and is safe for concurrent use.
type Store struct {
	mut  sync.RWMutex
	vars map[string]string
}

func NewStore() *Store {
	return &Store{vars: map[string]string{}}
}

func (s *Store) Get(name string) (string, bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

func (s *Store) Set(name, value string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.vars[name] = value
}
