package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"line-token-relay/internal/domain"
)

const (
	defaultPrefix     = "t"
	defaultSpace      = 10000
	minSpace          = 10
	maxCreateAttempts = 32
)

var (
	// ErrTokenSpaceExhausted is returned when no free token value was found
	// within the attempt budget.
	ErrTokenSpaceExhausted = errors.New("tokenstore: token space exhausted")
	ErrEmptyUserID         = errors.New("tokenstore: user id must not be empty")
)

// Journal persists token records so they survive a restart.
type Journal interface {
	Load(ctx context.Context) ([]domain.TokenRecord, error)
	Append(ctx context.Context, rec domain.TokenRecord) error
}

// Store is an in-memory bidirectional mapping between tokens and user ids.
// All mutation is serialised by mu.
type Store struct {
	mu      sync.RWMutex
	byToken map[string]string
	byUser  map[string]string

	journal Journal
	prefix  string
	space   int
	randN   func(n int) int
	now     func() time.Time
	log     *slog.Logger
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithSpace sets the exclusive upper bound of the numeric suffix.
func WithSpace(space int) Option {
	return func(s *Store) {
		s.space = space
	}
}

// WithRandom replaces the suffix generator. randN must return a value in [0, n).
func WithRandom(randN func(n int) int) Option {
	return func(s *Store) {
		s.randN = randN
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.log = logger
	}
}

// New creates a Store. A nil journal keeps the store memory-only.
func New(journal Journal, opts ...Option) (*Store, error) {
	s := &Store{
		byToken: make(map[string]string),
		byUser:  make(map[string]string),
		journal: journal,
		prefix:  defaultPrefix,
		space:   defaultSpace,
		randN:   rand.IntN,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if strings.TrimSpace(s.prefix) == "" {
		return nil, errors.New("tokenstore: prefix must not be empty")
	}
	if s.space < minSpace {
		return nil, fmt.Errorf("tokenstore: token space must be at least %d", minSpace)
	}
	if s.randN == nil {
		return nil, errors.New("tokenstore: random source must not be nil")
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// TokenForUser returns the token mapped to userID, if any.
func (s *Store) TokenForUser(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byUser[userID]
	return t, ok
}

// UserForToken returns the user owning token, if any.
func (s *Store) UserForToken(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byToken[token]
	return u, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byToken)
}

// CreateToken generates a fresh token for userID, records both directions and
// appends the pair to the journal. Journal failures are logged, not returned.
func (s *Store) CreateToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, userID)
}

// GetOrCreate returns the existing token for userID or creates one. created
// reports whether a new token was issued.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (token string, created bool, err error) {
	if userID == "" {
		return "", false, ErrEmptyUserID
	}
	if t, ok := s.TokenForUser(userID); ok {
		return t, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another request may have created it between the read and write lock.
	if t, ok := s.byUser[userID]; ok {
		return t, false, nil
	}
	token, err = s.createLocked(ctx, userID)
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// Load replays the journal into memory without re-appending. On failure the
// error is logged and returned; the store keeps whatever it already held.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	recs, err := s.journal.Load(ctx)
	if err != nil {
		s.log.Error("failed to load token journal", "err", err)
		return 0, fmt.Errorf("tokenstore: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.insertLocked(rec.Token, rec.UserID)
	}
	s.log.Info("token journal replayed", "records", len(recs), "tokens", len(s.byToken))
	return len(recs), nil
}

func (s *Store) createLocked(ctx context.Context, userID string) (string, error) {
	token, err := s.generateLocked()
	if err != nil {
		return "", err
	}
	s.insertLocked(token, userID)

	if s.journal != nil {
		rec := domain.TokenRecord{Token: token, UserID: userID, CreatedAt: s.now().UTC()}
		if err := s.journal.Append(ctx, rec); err != nil {
			s.log.Error("failed to append token to journal", "err", err, "token", token)
		}
	}
	return token, nil
}

func (s *Store) generateLocked() (string, error) {
	for range maxCreateAttempts {
		token := s.prefix + strconv.Itoa(s.randN(s.space))
		if _, taken := s.byToken[token]; !taken {
			return token, nil
		}
	}
	return "", ErrTokenSpaceExhausted
}

// insertLocked maps token <-> userID and drops any stale halves so both maps
// stay mirror images of each other.
func (s *Store) insertLocked(token, userID string) {
	if token == "" || userID == "" {
		return
	}
	if prevUser, ok := s.byToken[token]; ok && prevUser != userID {
		delete(s.byUser, prevUser)
	}
	if prevToken, ok := s.byUser[userID]; ok && prevToken != token {
		delete(s.byToken, prevToken)
	}
	s.byToken[token] = userID
	s.byUser[userID] = token
}
