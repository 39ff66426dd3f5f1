package core

import "sync"

// Client is one live connection of an authenticated identity.
// An identity may hold several clients at once (tabs, devices).
type Client struct {
	ID       string
	UserID   int64
	Name     string
	Commands chan *Command
	Events   chan *Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a client with initialized channels.
func NewClient(id string, userID int64, name string) *Client {
	if name == "" {
		name = id
	}
	return &Client{
		ID:       id,
		UserID:   userID,
		Name:     name,
		Commands: make(chan *Command, 16),
		Events:   make(chan *Event, 64),
		done:     make(chan struct{}),
	}
}

// Done is closed once the hub has unregistered the client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Sender returns the display identity attached to everything this client sends.
func (c *Client) Sender() Sender {
	return Sender{ID: c.UserID, Name: c.Name}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// trySend delivers without blocking. Returns false when the buffer is full.
func (c *Client) trySend(ev *Event) bool {
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}
