// Package session issues and tracks one-time play authorizations. A session
// binds an owner to a server-side start time; it is redeemed at most once and
// swept after a retention window. The store is in-memory only: a restart
// invalidates every outstanding session and clients simply request a new one.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultRetention     = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute

	tokenBytes = 16 // 128 bits of entropy
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrNotOwner = errors.New("session: owned by another player")
	ErrConsumed = errors.New("session: already consumed")
)

// Session is one authorized play attempt.
type Session struct {
	ID        string
	OwnerID   string
	StartedAt time.Time
	Consumed  bool
}

type Config struct {
	// Retention is how long a session stays in the store, consumed or not.
	Retention time.Duration
	// SweepInterval is how often expired sessions are removed.
	SweepInterval time.Duration

	// Now and NewTickerFunc are injectable for tests.
	Now           func() time.Time
	NewTickerFunc func(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Store is the process-wide session registry. All methods are safe for
// concurrent use; Claim performs its whole check-and-mark sequence under
// the store lock so no two submissions can redeem the same session.
type Store struct {
	retention     time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	newTicker     func(d time.Duration) Ticker

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewStore(c Config) *Store {
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewTickerFunc == nil {
		c.NewTickerFunc = newTicker
	}

	return &Store{
		retention:     c.Retention,
		sweepInterval: c.SweepInterval,
		now:           c.Now,
		newTicker:     c.NewTickerFunc,
		sessions:      make(map[string]*Session),
	}
}

// Create issues a fresh session for ownerID. The returned ID is opaque and
// unguessable; the client echoes it back on submission.
func (s *Store) Create(ownerID string) (Session, error) {
	id, err := newToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	sess := &Session{
		ID:        id,
		OwnerID:   ownerID,
		StartedAt: s.now(),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	return *sess, nil
}

// Get returns a snapshot of the session. Absence is an expected outcome:
// expired, swept, or forged.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Consume marks the session consumed. It is a state transition, not a gate:
// the caller must have verified ownership and validity already.
func (s *Store) Consume(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.Consumed = true
	}
}

// Claim atomically resolves a submission attempt against the session:
// lookup, ownership check, single-use check, then mark consumed. On success
// the returned snapshot carries the original StartedAt. An ownership mismatch
// does not consume the session, so the rightful owner keeps their attempt.
func (s *Store) Claim(id, ownerID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.OwnerID != ownerID {
		return Session{}, ErrNotOwner
	}
	if sess.Consumed {
		return Session{}, ErrConsumed
	}

	sess.Consumed = true
	return *sess, nil
}

// Sweep removes every session older than the retention window, regardless of
// its consumed flag, and reports how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.StartedAt) > s.retention {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Store) Run(ctx context.Context) {
	t := s.newTicker(s.sweepInterval)
	defer t.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.sweep(ctx)
		}
	}
}

func (s *Store) sweep(ctx context.Context) {
	if n := s.Sweep(s.now()); n > 0 {
		slog.InfoContext(ctx, "session: swept expired sessions", "removed", n)
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type realTicker struct {
	t *time.Ticker
}

func newTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }

func (r *realTicker) Stop() { r.t.Stop() }
