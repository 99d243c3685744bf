package auth

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/device-bridge/pkg/command"
)

const logPrefix = "auth:guard"

// Identity names an IPC caller, e.g. "uid:1000".
type Identity string

// UID builds the identity of a local process owner.
func UID(uid uint32) Identity {
	return Identity(fmt.Sprintf("uid:%d", uid))
}

// OnConnection scopes peer to a single connection, e.g. "uid:1000#3". Sessions keyed this way
// end with the connection, so another process of the same user must present the token itself.
func OnConnection(peer Identity, conn uint64) Identity {
	return Identity(fmt.Sprintf("%s#%d", peer, conn))
}

// Guard holds the active token and the set of authenticated callers.
// It is safe for concurrent use.
type Guard struct {
	mu       sync.RWMutex
	token    string
	sessions map[Identity]time.Time
	now      func() time.Time
}

// NewGuard creates a guard with no token installed; every authentication fails until Reset.
func NewGuard() *Guard {
	return &Guard{sessions: make(map[Identity]time.Time), now: time.Now}
}

// Reset installs token and drops every session.
func (g *Guard) Reset(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = token
	g.sessions = make(map[Identity]time.Time)
}

// Clear drops every session and forgets the token.
func (g *Guard) Clear() {
	g.Reset("")
}

// Authenticate admits id when token matches the installed token.
func (g *Guard) Authenticate(id Identity, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token == "" || !TokensEqual(token, g.token) {
		slog.Warn(fmt.Sprintf("%s - authentication rejected for %s", logPrefix, id))
		return command.Failure(command.CodeUnauthorized, "invalid token")
	}
	g.sessions[id] = g.now()
	slog.Info(fmt.Sprintf("%s - authenticated %s", logPrefix, id))
	return nil
}

// Require fails with an authorization error unless id holds a session.
func (g *Guard) Require(id Identity) error {
	g.mu.RLock()
	_, ok := g.sessions[id]
	g.mu.RUnlock()
	if !ok {
		return command.Failure(command.CodeUnauthorized, "not authenticated")
	}
	return nil
}

// Evict removes the session for id. It reports whether one existed.
func (g *Guard) Evict(id Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[id]
	delete(g.sessions, id)
	return ok
}

// AuthenticatedAt returns when id authenticated.
func (g *Guard) AuthenticatedAt(id Identity) (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	at, ok := g.sessions[id]
	return at, ok
}

// Sessions returns the number of authenticated callers.
func (g *Guard) Sessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}
