package session

import (
	"time"

	"github.com/xaenox/lexrelay/internal/models"
	"github.com/xaenox/lexrelay/internal/shard"
	"go.uber.org/zap"
)

const (
	DefaultTimeout    = 30 * time.Minute
	DefaultMaxHistory = 20
)

// session is only ever touched inside a shard.Map callback.
type session struct {
	history      []models.ChatMessage
	lastActivity time.Time
}

type Config struct {
	SystemPrompt string
	Timeout      time.Duration
	// MaxHistory bounds len(history), system entry included.
	MaxHistory int
}

// Store owns every user's conversation history. Expiry is evaluated lazily on
// access; there is no background sweep.
type Store struct {
	sessions   *shard.Map[*session]
	system     models.ChatMessage
	timeout    time.Duration
	maxHistory int
	now        func() time.Time
	logger     *zap.Logger
}

func NewStore(cfg Config, logger *zap.Logger) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxHistory < 2 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions:   shard.NewMap[*session](0),
		system:     models.ChatMessage{Role: models.RoleSystem, Content: cfg.SystemPrompt},
		timeout:    cfg.Timeout,
		maxHistory: cfg.MaxHistory,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) fresh(now time.Time) *session {
	return &session{
		history:      []models.ChatMessage{s.system},
		lastActivity: now,
	}
}

// live returns cur if it exists and has not expired, otherwise a fresh session.
// Must be called inside a Map callback.
func (s *Store) live(userID string, cur *session, ok bool, now time.Time) *session {
	if ok && now.Sub(cur.lastActivity) <= s.timeout {
		return cur
	}
	if ok {
		s.logger.Debug("Session expired",
			zap.String("user_id", userID),
			zap.Duration("idle", now.Sub(cur.lastActivity)))
	}
	return s.fresh(now)
}

// GetOrCreate returns a copy of userID's history, replacing an absent or
// expired session with one holding only the system entry.
func (s *Store) GetOrCreate(userID string) []models.ChatMessage {
	var out []models.ChatMessage
	s.sessions.Do(userID, func(cur *session, ok bool) (*session, bool) {
		now := s.now()
		sess := s.live(userID, cur, ok, now)
		sess.lastActivity = now
		out = copyHistory(sess.history)
		return sess, true
	})
	return out
}

// Append adds an entry to userID's (possibly fresh) session, truncates it to
// the configured maximum and refreshes its activity time in one critical section.
func (s *Store) Append(userID string, role models.Role, content string) {
	s.sessions.Do(userID, func(cur *session, ok bool) (*session, bool) {
		now := s.now()
		sess := s.live(userID, cur, ok, now)
		sess.history = append(sess.history, models.ChatMessage{Role: role, Content: content})
		sess.history = truncate(sess.history, s.maxHistory)
		sess.lastActivity = now
		return sess, true
	})
}

// Reset discards userID's history and reseeds it with the system entry.
func (s *Store) Reset(userID string) {
	s.sessions.Do(userID, func(*session, bool) (*session, bool) {
		return s.fresh(s.now()), true
	})
}

// Snapshot returns a copy of userID's live history without creating or
// refreshing the session. ok is false when there is no live session.
func (s *Store) Snapshot(userID string) (history []models.ChatMessage, ok bool) {
	s.sessions.Do(userID, func(cur *session, exists bool) (*session, bool) {
		if exists && s.now().Sub(cur.lastActivity) <= s.timeout {
			history, ok = copyHistory(cur.history), true
		}
		return cur, exists
	})
	return history, ok
}

// Len returns the number of sessions held, expired ones included.
func (s *Store) Len() int {
	return s.sessions.Len()
}

// truncate drops the oldest non-system entries until len(h) <= max.
// h[0] is always the system entry.
func truncate(h []models.ChatMessage, max int) []models.ChatMessage {
	over := len(h) - max
	if over <= 0 {
		return h
	}
	out := make([]models.ChatMessage, 0, max)
	out = append(out, h[0])
	return append(out, h[1+over:]...)
}

func copyHistory(h []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(h))
	copy(out, h)
	return out
}
