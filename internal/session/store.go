// Package session persists authenticated browsing sessions between runs.
// Records are versioned JSON envelopes, optionally sealed, kept in a SQL
// store or on disk and fronted by a small expiring cache. A record that
// cannot be read for any reason is treated as absent and removed.
package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/model"
)

// Backend stores encoded session records by identity. LoadSession returns
// nil data and a nil error when no record exists.
type Backend interface {
	LoadSession(ctx context.Context, identity string) ([]byte, error)
	SaveSession(ctx context.Context, identity string, data []byte, expiresAt time.Time) error
	DeleteSession(ctx context.Context, identity string) error
}

// Store is the session store used by the authenticator.
type Store struct {
	backend Backend
	sealer  *sealer
	cache   *expirable.LRU[string, model.SessionState]
	nowFunc func() time.Time
	log     *zap.Logger
}

// Option configures a Store.
type Option func(*Store) error

// WithEncryptionKey seals every record written by the store. Existing
// unsealed records remain readable.
func WithEncryptionKey(key string) Option {
	return func(s *Store) error {
		sl, err := newSealer(key)
		if err != nil {
			return err
		}
		s.sealer = sl
		return nil
	}
}

// WithCache sets the in-memory cache size and entry lifetime.
func WithCache(size int, ttl time.Duration) Option {
	return func(s *Store) error {
		if size <= 0 {
			s.cache = nil
			return nil
		}
		s.cache = expirable.NewLRU[string, model.SessionState](size, nil, ttl)
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) error {
		s.nowFunc = now
		return nil
	}
}

// New builds a Store over backend.
func New(backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		cache:   expirable.NewLRU[string, model.SessionState](8, nil, 10*time.Minute),
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "session.store")),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Load returns the stored session for identity. Unreadable records are
// deleted and reported as absent; the returned state may be stale and must
// still be probed before it is trusted.
func (s *Store) Load(ctx context.Context, identity string) (*model.SessionState, bool) {
	if identity == "" {
		return nil, false
	}
	if s.cache != nil {
		if st, ok := s.cache.Get(identity); ok {
			return &st, true
		}
	}

	data, err := s.backend.LoadSession(ctx, identity)
	if err != nil {
		s.log.Warn("session: load failed, treating as absent", zap.String("identity", identity), zap.Error(err))
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	st, err := decode(data, identity, s.sealer)
	if err != nil {
		s.log.Warn("session: discarding unreadable record", zap.String("identity", identity), zap.Error(err))
		if derr := s.backend.DeleteSession(ctx, identity); derr != nil {
			s.log.Warn("session: delete unreadable record", zap.String("identity", identity), zap.Error(derr))
		}
		return nil, false
	}

	s.log.Debug("session: loaded",
		zap.String("identity", identity),
		zap.Time("captured_at", st.CapturedAt),
		zap.Bool("fresh", st.Fresh(s.nowFunc())),
	)
	if s.cache != nil {
		s.cache.Add(identity, st)
	}
	return &st, true
}

// Persist writes state, replacing any prior record for its identity.
func (s *Store) Persist(ctx context.Context, state model.SessionState) error {
	if state.Identity == "" {
		return eris.New("session: persist without identity")
	}
	if len(state.Blob) == 0 {
		return eris.New("session: persist empty blob")
	}
	if state.CapturedAt.IsZero() {
		state.CapturedAt = s.nowFunc().UTC()
	}
	data, err := encode(state, s.sealer)
	if err != nil {
		return err
	}
	if err := s.backend.SaveSession(ctx, state.Identity, data, state.ExpiresAt()); err != nil {
		return eris.Wrap(err, "session: save")
	}
	if s.cache != nil {
		s.cache.Add(state.Identity, state)
	}
	s.log.Info("session: persisted",
		zap.String("identity", state.Identity),
		zap.Time("expires_at", state.ExpiresAt()),
		zap.Bool("sealed", s.sealer != nil),
	)
	return nil
}

// Invalidate removes the stored session for identity.
func (s *Store) Invalidate(ctx context.Context, identity string) error {
	if s.cache != nil {
		s.cache.Remove(identity)
	}
	if err := s.backend.DeleteSession(ctx, identity); err != nil {
		return eris.Wrap(err, "session: delete")
	}
	s.log.Info("session: invalidated", zap.String("identity", identity))
	return nil
}
