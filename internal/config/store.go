package config

import (
	"sync"
	"sync/atomic"
)

type versioned struct {
	settings Settings
	version  uint64
}

// Validator checks settings against state the config package cannot see,
// such as which device folders exist on the host.
type Validator func(Settings) error

// Store publishes configuration snapshots to the worker. Writers replace the
// whole snapshot by compare-and-swap; readers take one snapshot per cycle.
type Store struct {
	current   atomic.Pointer[versioned]
	validator atomic.Pointer[Validator]

	subMu sync.Mutex
	subs  []chan struct{}
}

// NewStore creates a store holding initial at version 1
func NewStore(initial Settings) *Store {
	s := &Store{}
	s.current.Store(&versioned{settings: initial, version: 1})
	return s
}

// SetValidator installs an extra check run after Settings.Validate on every
// write. A nil validator removes it.
func (s *Store) SetValidator(v Validator) {
	if v == nil {
		s.validator.Store(nil)
		return
	}
	s.validator.Store(&v)
}

// Subscribe returns a channel that receives a signal after each published
// write. Signals coalesce while the subscriber is busy.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) check(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if v := s.validator.Load(); v != nil {
		return (*v)(next)
	}
	return nil
}

// Load returns the current snapshot and its version
func (s *Store) Load() (Settings, uint64) {
	v := s.current.Load()
	return v.settings, v.version
}

// Settings returns the current snapshot
func (s *Store) Settings() Settings {
	return s.current.Load().settings
}

// Version returns the current version
func (s *Store) Version() uint64 {
	return s.current.Load().version
}

// CompareAndSwap publishes next only if the store is still at version.
// Invalid settings are rejected without changing the store.
func (s *Store) CompareAndSwap(version uint64, next Settings) (bool, error) {
	if err := s.check(next); err != nil {
		return false, err
	}
	old := s.current.Load()
	if old.version != version {
		return false, nil
	}
	if !s.current.CompareAndSwap(old, &versioned{settings: next, version: version + 1}) {
		return false, nil
	}
	s.notify()
	return true, nil
}

// Apply publishes next unconditionally and returns the new version
func (s *Store) Apply(next Settings) (uint64, error) {
	if err := s.check(next); err != nil {
		return 0, err
	}
	for {
		old := s.current.Load()
		nv := &versioned{settings: next, version: old.version + 1}
		if s.current.CompareAndSwap(old, nv) {
			s.notify()
			return nv.version, nil
		}
	}
}

// Update applies fn to a copy of the current snapshot and publishes the
// result, retrying if another writer got there first.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	for {
		current, version := s.Load()
		next := current
		fn(&next)
		ok, err := s.CompareAndSwap(version, next)
		if err != nil {
			return current, err
		}
		if ok {
			return next, nil
		}
	}
}
