package core

import (
	"maps"
	"slices"
)

// Registry maps identities to their live connections. It is owned by the hub loop.
type Registry struct {
	conns map[int64]map[string]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]map[string]*Client)}
}

// Register binds a connection to its identity. Returns true when it is the identity's
// first connection, i.e. the identity just came online.
func (r *Registry) Register(c *Client) bool {
	set, ok := r.conns[c.UserID]
	if !ok {
		set = make(map[string]*Client)
		r.conns[c.UserID] = set
	}
	set[c.ID] = c
	return !ok
}

// Unregister removes a connection. Returns true when the identity has no connection left.
// Unknown connections return false.
func (r *Registry) Unregister(c *Client) bool {
	set, ok := r.conns[c.UserID]
	if !ok {
		return false
	}
	if _, ok := set[c.ID]; !ok {
		return false
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.conns, c.UserID)
		return true
	}
	return false
}

// Has reports whether the exact connection is registered.
func (r *Registry) Has(c *Client) bool {
	_, ok := r.conns[c.UserID][c.ID]
	return ok
}

// ConnectionsFor returns the live connections of an identity.
func (r *Registry) ConnectionsFor(userID int64) []*Client {
	set := r.conns[userID]
	if len(set) == 0 {
		return nil
	}
	return slices.Collect(maps.Values(set))
}

// IsOnline reports whether the identity has at least one connection.
func (r *Registry) IsOnline(userID int64) bool {
	return len(r.conns[userID]) > 0
}

// OnlineUsers returns the ids of every connected identity in ascending order.
func (r *Registry) OnlineUsers() []int64 {
	return slices.Sorted(maps.Keys(r.conns))
}
