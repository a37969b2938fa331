// Package session keeps the transient browsing state of each participant:
// the open view, the current page, and a pending selection awaiting
// confirmation.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// View is the screen a participant has open.
type View string

const (
	ViewMarket   View = "market"
	ViewListings View = "listings"
	ViewSell     View = "sell"
)

// ErrNoSession is returned for unknown or closed sessions.
var ErrNoSession = errors.New("no open session")

// Selection is a purchase a participant has picked but not confirmed.
type Selection struct {
	Key      string `json:"commodity_key"`
	Quantity string `json:"quantity"`
	Bulk     bool   `json:"bulk,omitempty"`
	Level    int    `json:"level,omitempty"`
}

// Context is one participant's session record.
type Context struct {
	Token       string     `json:"token"`
	Participant string     `json:"participant"`
	View        View       `json:"view"`
	Page        int        `json:"page"`
	Pending     *Selection `json:"pending,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	TouchedAt   time.Time  `json:"touched_at"`
}

// Manager holds open sessions. A participant has at most one; opening a
// new one replaces the old.
type Manager struct {
	mu            sync.Mutex
	byToken       map[string]*Context
	byParticipant map[string]string
	now           func() time.Time
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		byToken:       make(map[string]*Context),
		byParticipant: make(map[string]string),
		now:           time.Now,
	}
}

// Open starts a session on the market view.
func (m *Manager) Open(participant string) Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byParticipant[participant]; ok {
		delete(m.byToken, old)
	}
	now := m.now()
	c := &Context{
		Token:       uuid.NewString(),
		Participant: participant,
		View:        ViewMarket,
		OpenedAt:    now,
		TouchedAt:   now,
	}
	m.byToken[c.Token] = c
	m.byParticipant[participant] = c.Token
	return *c
}

// Get returns the session for a token.
func (m *Manager) Get(token string) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byToken[token]
	if !ok {
		return Context{}, ErrNoSession
	}
	return *c, nil
}

// Update applies fn to a session record.
func (m *Manager) Update(token string, fn func(c *Context)) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byToken[token]
	if !ok {
		return Context{}, ErrNoSession
	}
	fn(c)
	c.TouchedAt = m.now()
	return *c, nil
}

// Close tears a session down.
func (m *Manager) Close(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byToken[token]
	if !ok {
		return ErrNoSession
	}
	delete(m.byToken, token)
	if m.byParticipant[c.Participant] == token {
		delete(m.byParticipant, c.Participant)
	}
	return nil
}

// Expire closes sessions idle for longer than ttl and returns how many.
func (m *Manager) Expire(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-ttl)
	n := 0
	for token, c := range m.byToken {
		if c.TouchedAt.Before(cutoff) {
			delete(m.byToken, token)
			if m.byParticipant[c.Participant] == token {
				delete(m.byParticipant, c.Participant)
			}
			n++
		}
	}
	return n
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}
