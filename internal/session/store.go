// Package session holds the ephemeral per-principal dialogue state. The
// store is the only owner of Session values; callers get copies and commit
// mutations back through Update.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrActive   = errors.New("session already active")
	ErrNotFound = errors.New("session not found")
)

// Session tracks one principal's progress through one flow. GroupChat is set
// when the flow was triggered from a group and the dialogue continues in
// private; it is the chat notified on completion.
type Session struct {
	Key        string
	Principal  string
	Flow       string
	Step       string
	StepCount  int
	Answers    map[string]string
	OriginChat string
	GroupChat  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s *Session) clone() Session {
	c := *s
	c.Answers = make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		c.Answers[k] = v
	}
	return c
}

type Store struct {
	TTL time.Duration
	Now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		TTL:      ttl,
		Now:      time.Now,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (st *Store) now() time.Time {
	if st.Now != nil {
		return st.Now()
	}
	return time.Now()
}

func (st *Store) expired(s *Session) bool {
	return st.TTL > 0 && st.now().Sub(s.UpdatedAt) > st.TTL
}

// Begin creates a session for key. A live session for the same key yields
// ErrActive; an expired one is evicted first.
func (st *Store) Begin(key string, s Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.sessions[key]; ok {
		if !st.expired(existing) {
			return ErrActive
		}
		delete(st.sessions, key)
	}
	now := st.now()
	s.Key = key
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Answers == nil {
		s.Answers = make(map[string]string)
	}
	st.sessions[key] = &s
	return nil
}

// Get returns a copy of the session, evicting it first if it idled out.
func (st *Store) Get(key string) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[key]
	if !ok {
		return Session{}, ErrNotFound
	}
	if st.expired(s) {
		delete(st.sessions, key)
		return Session{}, ErrNotFound
	}
	return s.clone(), nil
}

// Update applies fn atomically. ErrNotFound if the session vanished (ended
// or evicted) since the caller last saw it; callers must treat that as
// "start over", never as a reason to recreate state.
func (st *Store) Update(key string, fn func(*Session)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if st.expired(s) {
		delete(st.sessions, key)
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = st.now()
	return nil
}

// End removes the session. Idempotent.
func (st *Store) End(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, key)
}

// Lock acquires the per-key serialization mutex and returns its unlock.
// This orders whole advance operations for one key; it is distinct from the
// store's internal lock, which only guards state reads and commits.
func (st *Store) Lock(key string) func() {
	st.mu.Lock()
	l, ok := st.locks[key]
	if !ok {
		l = &sync.Mutex{}
		st.locks[key] = l
	}
	st.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Sweep evicts idle sessions once and returns how many were removed.
func (st *Store) Sweep() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for key, s := range st.sessions {
		if st.expired(s) {
			delete(st.sessions, key)
			n++
		}
	}
	return n
}

// Run evicts idle sessions periodically until ctx is done. Eviction also
// happens lazily on access, so running this is optional hygiene.
func (st *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Sweep()
		}
	}
}
