package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusEnded   Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Session is a participant's bearer token.
type Session struct {
	Token          string    `json:"token"`
	ParticipantID  string    `json:"participant_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	onExpire func(*Session)
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create issues a token valid for the manager's TTL.
func (m *Manager) Create(participantID string) *Session {
	now := m.now()
	s := &Session{
		Token:          uuid.NewString(),
		ParticipantID:  participantID,
		Status:         StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s
	return clone(s)
}

// Validate returns the active session for token and records activity.
func (m *Manager) Validate(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
		s.Status = StatusExpired
	}
	if s.Status != StatusActive {
		return nil, ErrExpired
	}
	s.LastActivityAt = now
	return clone(s), nil
}

func (m *Manager) Get(token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) End(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = m.now()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireStale()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireStale marks sessions past their expiry and forgets ended ones.
func (m *Manager) expireStale() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for token, s := range m.sessions {
		switch {
		case s.Status == StatusActive && !now.Before(s.ExpiresAt):
			s.Status = StatusExpired
			expired = append(expired, clone(s))
		case s.Status != StatusActive && now.Sub(s.LastActivityAt) > m.ttl:
			delete(m.sessions, token)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
