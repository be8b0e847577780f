package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is a live transport connection as seen by the registry. Send enqueues
// a payload for delivery and must never block; it returns false when the
// connection is closed or its outbound buffer is full.
type Conn interface {
	Send(payload any) bool
}

// Session is one live connection of one user. A user may hold any number of
// concurrent sessions (multi-device); a user with zero sessions is offline.
type Session struct {
	ID          string
	UserID      int64
	ConnectedAt time.Time

	conn Conn
}

// Registry is the session directory: it owns the set of live sessions, keyed
// by connection id with a back-reference to the owning user, and answers
// presence queries.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]map[string]*Session
	byConn map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]map[string]*Session),
		byConn: make(map[string]*Session),
	}
}

// Register adds a connection for the given user and reports whether it is the
// user's first live session (the offline -> online transition).
func (r *Registry) Register(userID int64, conn Conn) (*Session, bool) {
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	first := len(r.byUser[userID]) == 0
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Session)
	}
	r.byUser[userID][s.ID] = s
	r.byConn[s.ID] = s
	return s, first
}

// Unregister removes a session and reports whether it was the user's last
// live session (the online -> offline transition). Unregistering an unknown
// session is a no-op.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[s.ID]; !ok {
		return false
	}
	delete(r.byConn, s.ID)
	if sessions, ok := r.byUser[s.UserID]; ok {
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(r.byUser, s.UserID)
			return true
		}
	}
	return false
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SessionCount returns the number of live sessions for a user.
func (r *Registry) SessionCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// OnlineUsers returns the ids of all users with at least one live session.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.byUser))
	for uid := range r.byUser {
		ids = append(ids, uid)
	}
	return ids
}

// PushToUser attempts delivery to every live session of the user. It returns
// true if at least one session accepted the frame; false means the user is
// offline or every session's buffer was full. Never an error: absence of a
// live session is a normal outcome.
func (r *Registry) PushToUser(userID int64, event any) bool {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	delivered := false
	for _, s := range sessions {
		if s.conn.Send(event) {
			delivered = true
		}
	}
	return delivered
}

// PushToUsers delivers the event to every listed user.
func (r *Registry) PushToUsers(userIDs []int64, event any) {
	for _, uid := range userIDs {
		r.PushToUser(uid, event)
	}
}
