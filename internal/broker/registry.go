package broker

import (
	"sort"

	"github.com/nerrad567/netosc/internal/envelope"
	"github.com/nerrad567/netosc/internal/topic"
)

// Conn is the relay's view of one client connection.
//
// Send must not block: implementations queue the frame or fail fast.
type Conn interface {
	ID() uint64
	Send(data []byte) error
	Close()
}

// entry is the registry state for one connected client.
type entry struct {
	conn      Conn
	patterns  []string
	published map[string]struct{}
}

// Registry tracks connected clients, their subscription patterns and the
// addresses each has published since connecting.
//
// A Registry is not safe for concurrent use. The Relay owns it and touches
// it only from its own loop.
type Registry struct {
	entries map[string]*entry
	byConn  map[uint64]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byConn:  make(map[uint64]string),
	}
}

// ClientOf returns the ClientID bound to a connection.
func (r *Registry) ClientOf(connID uint64) (string, bool) {
	id, ok := r.byConn[connID]
	return id, ok
}

// Attach binds clientID to conn with a fresh entry.
//
// If clientID was already bound to another connection, that entry is
// replaced and the displaced connection is returned so the caller can
// close it. The displaced connection no longer maps to any client.
func (r *Registry) Attach(clientID string, conn Conn) (displaced Conn) {
	if old, ok := r.entries[clientID]; ok {
		delete(r.byConn, old.conn.ID())
		displaced = old.conn
	}
	r.entries[clientID] = &entry{
		conn:      conn,
		published: make(map[string]struct{}),
	}
	r.byConn[conn.ID()] = clientID
	return displaced
}

// SetPatterns replaces the client's pattern list verbatim.
func (r *Registry) SetPatterns(clientID string, patterns []string) {
	if e, ok := r.entries[clientID]; ok {
		e.patterns = append([]string(nil), patterns...)
	}
}

// Patterns returns the client's current pattern list.
func (r *Registry) Patterns(clientID string) []string {
	if e, ok := r.entries[clientID]; ok {
		return e.patterns
	}
	return nil
}

// AddPublished records that the client published address.
func (r *Registry) AddPublished(clientID, address string) {
	if e, ok := r.entries[clientID]; ok {
		e.published[address] = struct{}{}
	}
}

// Remove drops the entry bound to connID: handle, patterns and published
// set go together. It reports the ClientID that was removed.
func (r *Registry) Remove(connID uint64) (string, bool) {
	id, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	delete(r.entries, id)
	return id, true
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Subscribers returns the connections, other than exclude's, whose pattern
// list matches address. Each connection appears at most once no matter how
// many of its patterns match.
func (r *Registry) Subscribers(address, exclude string) []Subscriber {
	var out []Subscriber
	for id, e := range r.entries {
		if id == exclude {
			continue
		}
		if topic.MatchAny(address, e.patterns) >= 0 {
			out = append(out, Subscriber{ClientID: id, Conn: e.conn})
		}
	}
	return out
}

// Subscriber is a matched fan-out target.
type Subscriber struct {
	ClientID string
	Conn     Conn
}

// Connections returns every connected client's handle.
func (r *Registry) Connections() []Subscriber {
	out := make([]Subscriber, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Subscriber{ClientID: id, Conn: e.conn})
	}
	return out
}

// Snapshot builds the state envelope. Keys are exactly the clients that
// have published at least one address; values are sorted and unique.
func (r *Registry) Snapshot() envelope.State {
	clients := make(map[string][]string)
	for id, e := range r.entries {
		if len(e.published) == 0 {
			continue
		}
		addrs := make([]string, 0, len(e.published))
		for a := range e.published {
			addrs = append(addrs, a)
		}
		sort.Strings(addrs)
		clients[id] = addrs
	}
	return envelope.State{Clients: clients}
}
