package core

import (
	"maps"
	"slices"
)

// Membership tracks which identities are active in which rooms.
// An identity stays a member while at least one of its connections has joined.
// It is ephemeral: nothing here is persisted.
type Membership struct {
	rooms  map[string]map[int64]map[string]struct{} // room -> user -> connection ids
	byConn map[string]map[string]struct{}           // connection id -> rooms
}

// NewMembership returns an empty tracker.
func NewMembership() *Membership {
	return &Membership{
		rooms:  make(map[string]map[int64]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds the connection to the room. Returns true if its identity is new to the room.
func (m *Membership) Join(room string, c *Client) (bool, error) {
	if _, joined := m.byConn[c.ID][room]; joined {
		return false, ErrAlreadyJoined
	}

	users, ok := m.rooms[room]
	if !ok {
		users = make(map[int64]map[string]struct{})
		m.rooms[room] = users
	}
	conns, member := users[c.UserID]
	if !member {
		conns = make(map[string]struct{})
		users[c.UserID] = conns
	}
	conns[c.ID] = struct{}{}

	joined, ok := m.byConn[c.ID]
	if !ok {
		joined = make(map[string]struct{})
		m.byConn[c.ID] = joined
	}
	joined[room] = struct{}{}

	return !member, nil
}

// Leave removes the connection from the room. Returns true if its identity left the
// room entirely. Empty rooms are dropped.
func (m *Membership) Leave(room string, c *Client) (bool, error) {
	_, ok := m.rooms[room]
	if !ok {
		return false, ErrRoomNotFound
	}
	if _, joined := m.byConn[c.ID][room]; !joined {
		return false, ErrNotInRoom
	}
	return m.remove(room, c), nil
}

// DropConnection removes the connection from every room it joined and returns the rooms
// its identity is no longer active in.
func (m *Membership) DropConnection(c *Client) []string {
	joined := slices.Sorted(maps.Keys(m.byConn[c.ID]))
	var left []string
	for _, room := range joined {
		if m.remove(room, c) {
			left = append(left, room)
		}
	}
	delete(m.byConn, c.ID)
	return left
}

func (m *Membership) remove(room string, c *Client) bool {
	delete(m.byConn[c.ID], room)
	if len(m.byConn[c.ID]) == 0 {
		delete(m.byConn, c.ID)
	}

	users := m.rooms[room]
	conns := users[c.UserID]
	delete(conns, c.ID)
	if len(conns) > 0 {
		return false
	}
	delete(users, c.UserID)
	if len(users) == 0 {
		delete(m.rooms, room)
	}
	return true
}

// MembersOf returns the identities active in the room in ascending order.
func (m *Membership) MembersOf(room string) []int64 {
	return slices.Sorted(maps.Keys(m.rooms[room]))
}

// IsMember reports whether the identity is active in the room.
func (m *Membership) IsMember(room string, userID int64) bool {
	_, ok := m.rooms[room][userID]
	return ok
}

// Count returns the number of active identities in the room.
func (m *Membership) Count(room string) int {
	return len(m.rooms[room])
}
