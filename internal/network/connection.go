// Package network implements the TCP transport: the accept loop, one
// goroutine per connection and the registry engines use to reach each other.
package network

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrConnectionClosed is returned by Write after Close.
var ErrConnectionClosed = errors.New("connection is closed")

// Connection wraps an accepted TCP connection. Writes are serialized so a
// broadcast from another goroutine never interleaves with a reply.
type Connection struct {
	mu     sync.Mutex
	id     int
	conn   net.Conn
	logger zerolog.Logger

	connectedAt  time.Time
	lastActivity time.Time

	closed bool
}

// NewConnection wraps an existing net.Conn.
func NewConnection(id int, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		id:           id,
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Int("conn_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() int {
	return c.id
}

// Read reads from the underlying connection and records activity.
func (c *Connection) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
	return n, err
}

// Write sends one complete packet.
func (c *Connection) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	c.lastActivity = time.Now()
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnInfo is a snapshot of one connection for status reporting.
type ConnInfo struct {
	ID           int       `json:"conn_id"`
	Remote       string    `json:"remote"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ConnectionRegistry tracks open connections by id. Engines use it to send
// replies and broadcasts.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[int]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[int]*Connection),
	}
}

// Register adds a connection to the registry.
func (r *ConnectionRegistry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID()] = conn
	log.Debug().Int("conn_id", conn.ID()).Msg("connection registered")
}

// Unregister removes and closes a connection.
func (r *ConnectionRegistry) Unregister(id int) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if ok {
		conn.Close()
		log.Debug().Int("conn_id", id).Msg("connection unregistered")
	}
}

// Get returns the connection with the given id.
func (r *ConnectionRegistry) Get(id int) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Send writes data to connection id. It reports false when the connection
// is unknown or the write failed.
func (r *ConnectionRegistry) Send(id int, data []byte) bool {
	conn, ok := r.Get(id)
	if !ok {
		return false
	}
	if err := conn.Write(data); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			log.Warn().Err(err).Int("conn_id", id).Msg("failed to send packet")
		}
		return false
	}
	return true
}

// Snapshot returns every open connection sorted by id.
func (r *ConnectionRegistry) Snapshot() []ConnInfo {
	r.mu.RLock()
	out := make([]ConnInfo, 0, len(r.conns))
	for id, conn := range r.conns {
		out = append(out, ConnInfo{
			ID:           id,
			Remote:       conn.RemoteAddr().String(),
			ConnectedAt:  conn.ConnectedAt(),
			LastActivity: conn.LastActivity(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of open connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection in the registry.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}

	log.Info().Msg("all connections closed")
}
