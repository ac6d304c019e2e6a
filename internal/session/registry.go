// Package session tracks which usernames are logged in and which connection
// owns each of them. A single Registry is shared by every connection.
package session

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Entry is a logged-in user and the connection that owns the login.
type Entry struct {
	Username string `json:"username"`
	ConnID   int    `json:"conn_id"`
}

// Registry enforces unique logins and provides the broadcast target set.
type Registry struct {
	mu       sync.RWMutex
	loggedIn map[string]bool // username -> currently logged in
	byConn   map[int]string  // connection id -> username, logged-in connections only
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		loggedIn: make(map[string]bool),
		byConn:   make(map[int]string),
	}
}

// TryLogin marks username as logged in by connID. It fails when the name is
// already logged in by any connection.
func (r *Registry) TryLogin(username string, connID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loggedIn[username] {
		return false
	}
	r.loggedIn[username] = true
	r.byConn[connID] = username

	log.Debug().Str("user", username).Int("conn_id", connID).Msg("user logged in")
	return true
}

// Logout marks username as logged out and unbinds connID. Calling it more
// than once has no further effect. The username is only released when connID
// is the connection that owns it.
func (r *Registry) Logout(username string, connID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.byConn[connID]
	if !ok || owner != username {
		return
	}
	delete(r.byConn, connID)
	r.loggedIn[username] = false

	log.Debug().Str("user", username).Int("conn_id", connID).Msg("user logged out")
}

// BroadcastTargets returns the ids of all logged-in connections.
func (r *Registry) BroadcastTargets() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.byConn))
	for id := range r.byConn {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// IsLoggedIn reports whether username is currently logged in.
func (r *Registry) IsLoggedIn(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loggedIn[username]
}

// Users returns a snapshot of logged-in users ordered by connection id.
func (r *Registry) Users() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byConn))
	for id, name := range r.byConn {
		entries = append(entries, Entry{Username: name, ConnID: id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ConnID < entries[j].ConnID })
	return entries
}

// Count returns the number of logged-in connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
