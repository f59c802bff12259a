// Package session tracks one uploaded dataset per browser session: the
// answers table, its codes sheet and the processor working on them. Sessions
// live in temp directories and are swept after a period of inactivity.
package session

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"surveycoder/internal/domain"
	"surveycoder/internal/runner"
	"surveycoder/internal/table"
	"surveycoder/internal/taxonomy"
)

type Session struct {
	ID        string
	Dir       string
	CreatedAt time.Time

	// Mu guards the mutable fields below. Handlers lock it when swapping the
	// dataset or the processor; the processor itself is internally safe.
	Mu        sync.Mutex
	Responses *table.Table
	Book      *taxonomy.Book
	Columns   []domain.ColumnConfig
	Processor *runner.Processor
	RunID     string
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	touched  map[string]time.Time
	baseDir  string
	ttl      time.Duration
}

func NewManager(baseDir string, ttl time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		touched:  make(map[string]time.Time),
		baseDir:  baseDir,
		ttl:      ttl,
	}
}

func (m *Manager) Create() (*Session, error) {
	dir, err := os.MkdirTemp(m.baseDir, "surveycoder-session-")
	if err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Session{
		ID:        uuid.NewString(),
		Dir:       dir,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.touched[s.ID] = time.Now()
	m.mu.Unlock()
	return s, nil
}

// Get returns the session and refreshes its expiry clock.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		m.touched[id] = time.Now()
	}
	return s, ok
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	delete(m.touched, id)
	m.mu.Unlock()
	if ok {
		m.dispose(s)
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions idle past the TTL. Sessions with a run in flight are
// kept regardless of their clock.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if m.touched[id].After(cutoff) {
			continue
		}
		if proc := sessionProcessor(s); proc != nil && proc.State().Status == domain.StatusRunning {
			continue
		}
		expired = append(expired, s)
		delete(m.sessions, id)
		delete(m.touched, id)
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.dispose(s)
	}
	if len(expired) > 0 {
		log.Printf("session: swept %d expired session(s)", len(expired))
	}
	return len(expired)
}

func (m *Manager) dispose(s *Session) {
	if proc := sessionProcessor(s); proc != nil {
		proc.Stop()
	}
	if s.Dir != "" {
		if err := os.RemoveAll(s.Dir); err != nil {
			log.Printf("session: removing dir for %s: %v", s.ID, err)
		}
	}
}

func sessionProcessor(s *Session) *runner.Processor {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.Processor
}
