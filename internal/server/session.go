package server

import (
	"sync"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/common/crypto"
)

// Session is one established, post-handshake channel between this server
// and a caller.
type Session struct {
	ID              string
	CallerAlias     string
	PeerFingerprint string
	Channel         *crypto.EncryptedChannel
	CreatedAt       time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

func (sess *Session) touch(now time.Time) {
	sess.mu.Lock()
	sess.lastActivity = now
	sess.mu.Unlock()
}

func (sess *Session) idleSince(now time.Time) time.Duration {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return now.Sub(sess.lastActivity)
}

// sessionTable is the mutex-guarded map-by-id lifecycle used throughout this
// module for anything keyed by identifier: handshake attempts, ingestor
// instances, and here, live sessions.
type sessionTable struct {
	mu sync.Mutex
	byID map[string]*Session
}

func newSessionTable() sessionTable {
	return sessionTable{byID: make(map[string]*Session)}
}

func (t *sessionTable) put(sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[sess.ID] = sess
}

func (t *sessionTable) get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.byID[id]
	return sess, ok
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// pruneIdle discards sessions that have gone longer than ttl without a
// request, returning how many were dropped.
func (t *sessionTable) pruneIdle(now time.Time, ttl time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, sess := range t.byID {
		if sess.idleSince(now) > ttl {
			delete(t.byID, id)
			n++
		}
	}
	return n
}
