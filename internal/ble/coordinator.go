package ble

import (
	"context"
	"log/slog"
	"sync"
)

// Coordinator owns the sessions and guarantees at most one live session
// per peripheral address.
type Coordinator struct {
	adapter Adapter
	auth    Authorizer
	handler Handler
	opts    SessionOptions

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator creates a Coordinator. Events from every session it
// creates are delivered to handler.
func NewCoordinator(adapter Adapter, auth Authorizer, handler Handler, opts SessionOptions) *Coordinator {
	return &Coordinator{
		adapter:  adapter,
		auth:     auth,
		handler:  handler,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Connect returns the session for p, creating and starting a new one if
// none exists or the previous one has reached Disconnected. A session that
// is still tearing down is returned as is; wait on its Done before
// reconnecting. Connect does not wait for the link to come up.
func (c *Coordinator) Connect(p Peripheral) (*Session, error) {
	if err := checkPermission(c.auth, PermissionConnect, "connect", p.Address); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[p.Address]; ok && s.State() != StateDisconnected {
		slog.Debug("[BLE] reusing session", "address", p.Address, "session", s.ID(), "state", s.State())
		return s, nil
	}

	s := newSession(p, c.adapter, c.handler, c.opts)
	c.sessions[p.Address] = s
	go c.prune(p.Address, s)
	if err := s.Connect(); err != nil {
		s.Disconnect()
		return nil, err
	}
	return s, nil
}

// prune drops s from the registry once it has fully disconnected. The entry
// stays while s tears down so no second link to the address can be opened.
func (c *Coordinator) prune(address string, s *Session) {
	<-s.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[address] == s {
		delete(c.sessions, address)
	}
}

// Disconnect starts tearing down the session for address, if any. It does
// not wait for the teardown to finish.
func (c *Coordinator) Disconnect(address string) {
	c.mu.Lock()
	s, ok := c.sessions[address]
	c.mu.Unlock()
	if ok {
		s.Disconnect()
	}
}

// Session returns the session for address, if one exists and is not yet
// disconnected.
func (c *Coordinator) Session(address string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[address]
	if !ok || s.State() == StateDisconnected {
		return nil, false
	}
	return s, true
}

// Close disconnects every session and waits until each has finished
// tearing down or ctx is done.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
