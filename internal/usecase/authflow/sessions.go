package authflow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"tweetkeeper/internal/infra/metrics"
)

// Session хранит состояние незавершённого входа между двумя фазами
// аутентификации. Живёт только в памяти процесса.
type Session struct {
	ID       string
	UserID   int64
	Handle   string
	Email    string
	Password string
	Kind     string
	Prompt   string
	Flow     []byte

	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore — потокобезопасное in-memory хранилище сессий подтверждения.
// Истёкшие сессии удаляются лениво при чтении и подметаются при создании.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]Session
}

// NewSessionStore создаёт хранилище. now используется для проверки сроков;
// nil означает системные часы.
func NewSessionStore(ttl time.Duration, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]Session),
	}
}

// Create регистрирует новую сессию и возвращает её с заполненными
// идентификатором и сроками.
func (s *SessionStore) Create(session Session) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, existing := range s.sessions {
		if !existing.ExpiresAt.After(now) {
			delete(s.sessions, id)
		}
	}

	session.ID = uuid.NewString()
	session.CreatedAt = now
	session.ExpiresAt = now.Add(s.ttl)
	s.sessions[session.ID] = session
	metrics.ChallengeSessionsOpen.Set(float64(len(s.sessions)))
	return session
}

// Get возвращает живую сессию. Истёкшая сессия удаляется и считается
// отсутствующей.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	if !session.ExpiresAt.After(s.now()) {
		delete(s.sessions, id)
		metrics.ChallengeSessionsOpen.Set(float64(len(s.sessions)))
		return Session{}, false
	}
	return session, true
}

// Delete удаляет сессию. Повторное удаление безопасно.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	metrics.ChallengeSessionsOpen.Set(float64(len(s.sessions)))
}

// Len возвращает количество живых записей, включая ещё не подметённые
// истёкшие.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
