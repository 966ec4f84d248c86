// Package history keeps the per-user conversation turns of the running process.
// Histories are created lazily on first use and never evicted. When a Persister
// is configured every appended turn is written through to it, and a history
// created after a restart is warmed from the persisted turns. Persistence
// failures are logged and the in-memory copy stays authoritative.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/naehrwerk/naehrwerk-bot/internal/logger"
)

var (
	ErrEmptyTurn   = errors.New("history: user turn has no content")
	ErrInvalidRole = errors.New("history: invalid role")
)

// Persister is the optional durable backing of the store.
type Persister interface {
	SaveTurn(ctx context.Context, identity Identity, turn Turn) error
	LoadTurns(ctx context.Context, identity Identity) ([]Turn, error)
}

type conversation struct {
	mu     sync.Mutex
	loaded bool
	turns  []Turn
}

// Store maps identities to their ordered turns. The map lock only guards
// lookup and creation; each conversation has its own lock.
type Store struct {
	mu      sync.Mutex
	convs   map[Identity]*conversation
	persist Persister
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPersister enables write-through to p.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithClock overrides the timestamp source for appended turns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		convs: make(map[Identity]*conversation),
		now:   time.Now,
		log:   logger.Component("history"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) entry(identity Identity) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[identity]
	if !ok {
		c = &conversation{}
		s.convs[identity] = c
	}
	return c
}

// warm loads persisted turns once. Must be called with c.mu held.
func (s *Store) warm(ctx context.Context, identity Identity, c *conversation) {
	if c.loaded {
		return
	}
	c.loaded = true
	if s.persist == nil {
		return
	}
	turns, err := s.persist.LoadTurns(ctx, identity)
	if err != nil {
		s.log.Warn("loading persisted history failed; starting empty", "identity", identity, "error", err)
		return
	}
	c.turns = append(turns, c.turns...)
}

// GetOrCreate returns a snapshot of the identity's history, creating it if needed.
func (s *Store) GetOrCreate(ctx context.Context, identity Identity) []Turn {
	c := s.entry(identity)
	c.mu.Lock()
	defer c.mu.Unlock()
	s.warm(ctx, identity, c)
	return snapshot(c.turns)
}

// Append adds turn to the end of the identity's history. It is the only mutator.
func (s *Store) Append(ctx context.Context, identity Identity, turn Turn) error {
	switch turn.Role {
	case RoleUser:
		if turn.Empty() {
			return ErrEmptyTurn
		}
	case RoleAssistant:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, turn.Role)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	turn = turn.clone()

	c := s.entry(identity)
	c.mu.Lock()
	defer c.mu.Unlock()
	s.warm(ctx, identity, c)
	c.turns = append(c.turns, turn)

	if s.persist != nil {
		if err := s.persist.SaveTurn(ctx, identity, turn); err != nil {
			s.log.Error("failed to persist turn; kept in memory", "identity", identity, "role", turn.Role, "error", err)
		}
	}
	return nil
}

// History returns a read-only copy of the identity's turns in order. Unknown
// identities yield an empty history without creating one.
func (s *Store) History(identity Identity) []Turn {
	s.mu.Lock()
	c, ok := s.convs[identity]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.turns)
}

// Len returns the number of turns stored for identity.
func (s *Store) Len(identity Identity) int {
	s.mu.Lock()
	c, ok := s.convs[identity]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

func snapshot(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.clone()
	}
	return out
}
