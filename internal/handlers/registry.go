package handlers

import (
	"sync"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/session"
)

// sessionIdleTTL is how long a session that is not streaming may go unused before it is closed. Its
// conversation survives in the store and is reloaded from there.
const sessionIdleTTL = 30 * time.Minute

// sessionRegistry keeps one chat session per browser user.
type sessionRegistry struct {
	mu      sync.Mutex
	byUser  map[string]*registeredSession
	idleTTL time.Duration
	now     func() time.Time
}

type registeredSession struct {
	sess     *session.Session
	lastSeen time.Time
}

func newSessionRegistry(idleTTL time.Duration, now func() time.Time) *sessionRegistry {
	return &sessionRegistry{
		byUser:  make(map[string]*registeredSession),
		idleTTL: idleTTL,
		now:     now,
	}
}

// get returns the session of userID if one exists.
func (r *sessionRegistry) get(userID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	rs.lastSeen = r.now()
	return rs.sess, true
}

// getOrCreate returns the session of userID, creating it with create on first use. Creating a session
// also closes the sessions that have been idle for longer than the TTL.
func (r *sessionRegistry) getOrCreate(userID string, create func() *session.Session) *session.Session {
	if s, ok := r.get(userID); ok {
		return s
	}

	r.mu.Lock()
	// Another request may have created it meanwhile.
	if rs, ok := r.byUser[userID]; ok {
		rs.lastSeen = r.now()
		r.mu.Unlock()
		return rs.sess
	}
	evicted := r.evictIdleLocked()
	s := create()
	r.byUser[userID] = &registeredSession{sess: s, lastSeen: r.now()}
	r.mu.Unlock()

	for _, e := range evicted {
		e.Close()
	}
	return s
}

func (r *sessionRegistry) evictIdleLocked() []*session.Session {
	var evicted []*session.Session
	now := r.now()
	for userID, rs := range r.byUser {
		if now.Sub(rs.lastSeen) < r.idleTTL || rs.sess.IsTyping() {
			continue
		}
		evicted = append(evicted, rs.sess)
		delete(r.byUser, userID)
	}
	return evicted
}

func (r *sessionRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// closeAll closes and forgets every session.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.byUser))
	for userID, rs := range r.byUser {
		sessions = append(sessions, rs.sess)
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
