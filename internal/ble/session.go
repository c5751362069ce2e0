package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/chaz8081/blemotion/internal/ble/protocol"
)

// SessionOptions configures session timing.
type SessionOptions struct {
	ConnectTimeout      time.Duration // max time in Connecting
	DiscoveryTimeout    time.Duration // max time in ServicesDiscovering
	SubscribeRetryDelay time.Duration // fixed wait before re-requesting notifications; zero means the default
	SubscribeAttempts   int           // CCCD write attempts per characteristic, including the first
	WriteChunk          int           // max bytes per UART TX write
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout:      10 * time.Second,
		DiscoveryTimeout:    10 * time.Second,
		SubscribeRetryDelay: 500 * time.Millisecond,
		SubscribeAttempts:   2,
		WriteChunk:          protocol.DefaultWriteChunk,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if o.SubscribeRetryDelay <= 0 {
		o.SubscribeRetryDelay = d.SubscribeRetryDelay
	}
	if o.SubscribeAttempts <= 0 {
		o.SubscribeAttempts = d.SubscribeAttempts
	}
	if o.WriteChunk <= 0 {
		o.WriteChunk = d.WriteChunk
	}
	return o
}

// Messages processed by Session.run. Requests come from the caller,
// results from goroutines that performed a transport call.
type connectReq struct{}

type disconnectReq struct{}

type refreshReq struct{}

type writeReq struct{ data []byte }

type linkResult struct {
	conn Connection
	err  error
}

type linkLost struct{ conn Connection }

type discoveryResult struct {
	services []Service
	err      error
}

type readResult struct {
	data []byte
	err  error
}

type subscribeResult struct {
	role    Role
	attempt int
	err     error
}

type retrySubscribe struct {
	role    Role
	attempt int
}

type notification struct {
	role Role
	data []byte
}

type writeResult struct{ err error }

type teardownDone struct{ err error }

// Session is one logical connection to one peripheral. All state changes
// happen on the session's own goroutine, one message at a time; transport
// calls run on separate goroutines and report back through the inbox.
type Session struct {
	id         string
	peripheral Peripheral
	adapter    Adapter
	handler    Handler
	opts       SessionOptions
	log        *slog.Logger
	warnLimit  *rate.Limiter

	inbox   chan any
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	writeMu sync.Mutex

	// mu guards state and chars, which are written only by run but read
	// from other goroutines.
	mu    sync.Mutex
	state State
	chars map[Role]Characteristic

	// Owned by run.
	conn           Connection
	connectPending bool
	pending        map[Role]bool // subscriptions not yet settled
}

func newSession(p Peripheral, adapter Adapter, handler Handler, opts SessionOptions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := ulid.Make().String()
	s := &Session{
		id:         id,
		peripheral: p,
		adapter:    adapter,
		handler:    handler,
		opts:       opts.withDefaults(),
		log:        slog.With("address", p.Address, "session", id),
		warnLimit:  rate.NewLimiter(rate.Every(time.Second), 3),
		inbox:      make(chan any, 32),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		pending:    make(map[Role]bool),
	}
	go s.run()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Peripheral returns the peripheral this session is bound to.
func (s *Session) Peripheral() Peripheral { return s.peripheral }

// Done is closed once the session reaches StateDisconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connect/discover/subscribe sequence. It returns
// immediately; progress is reported through events. Only valid from Idle.
func (s *Session) Connect() error {
	if st := s.State(); st != StateIdle || s.closing.Load() {
		return opError("connect", s.peripheral.Address, 0, ErrInvalidState, fmt.Errorf("session is %s", st))
	}
	s.request(connectReq{})
	return nil
}

// Disconnect tears the session down. Safe to call at any time and more
// than once. Results of transport calls still in flight are discarded.
func (s *Session) Disconnect() {
	s.closing.Store(true)
	s.cancel()
	s.request(disconnectReq{})
}

// RefreshBattery issues another one-shot battery read. The result arrives
// as an EventBattery or EventError.
func (s *Session) RefreshBattery() error {
	if err := s.checkStreaming("read", RoleBatteryLevel); err != nil {
		return err
	}
	s.request(refreshReq{})
	return nil
}

// WriteUART sends data to the peripheral's UART TX characteristic, split
// into MTU-sized writes. Write failures arrive as EventError.
func (s *Session) WriteUART(data []byte) error {
	if err := s.checkStreaming("write", RoleUARTTx); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	s.request(writeReq{data: append([]byte(nil), data...)})
	return nil
}

func (s *Session) checkStreaming(op string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming || s.closing.Load() {
		return opError(op, s.peripheral.Address, role, ErrNotStreaming, fmt.Errorf("session is %s", s.state))
	}
	if s.chars[role] == nil {
		return opError(op, s.peripheral.Address, role, ErrCharacteristicUnavailable, nil)
	}
	return nil
}

// request enqueues a caller message. It never blocks, so handlers may call
// session methods from inside HandleEvent.
func (s *Session) request(in any) {
	select {
	case s.inbox <- in:
	case <-s.done:
	default:
		go s.post(in)
	}
}

// post delivers a message to run, or drops it once the session is done.
func (s *Session) post(in any) {
	select {
	case s.inbox <- in:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()
	for {
		s.handle(<-s.inbox)
		if s.State() == StateDisconnected {
			return
		}
	}
}

func (s *Session) handle(in any) {
	if s.closing.Load() {
		switch in.(type) {
		case linkResult, disconnectReq, teardownDone:
		default:
			return
		}
	}

	switch in := in.(type) {
	case connectReq:
		s.onConnect()
	case linkResult:
		s.onLink(in)
	case discoveryResult:
		s.onDiscovery(in)
	case readResult:
		s.onRead(in)
	case subscribeResult:
		s.onSubscribed(in)
	case retrySubscribe:
		if s.currentState() == StateSubscribing && s.pending[in.role] {
			s.subscribe(in.role, in.attempt)
		}
	case notification:
		s.onNotification(in)
	case refreshReq:
		if s.currentState() == StateStreaming {
			s.read(s.chars[RoleBatteryLevel])
		}
	case writeReq:
		if s.currentState() == StateStreaming {
			s.write(s.chars[RoleUARTTx], in.data)
		}
	case writeResult:
		s.emitError(opError("write", s.peripheral.Address, RoleUARTTx, ErrWrite, in.err))
	case linkLost:
		s.onLinkLost(in)
	case disconnectReq:
		s.onDisconnect()
	case teardownDone:
		if in.err != nil {
			s.log.Debug("[BLE] disconnect returned error", "error", in.err)
		}
		s.advance(StateDisconnected)
		s.log.Info("[BLE] disconnected", "name", s.peripheral.DisplayName())
	}
}

// currentState reads state without locking. Only run may call it.
func (s *Session) currentState() State { return s.state }

func (s *Session) onConnect() {
	if !s.advance(StateConnecting) {
		s.log.Debug("[BLE] connect ignored", "state", s.currentState())
		return
	}
	s.connectPending = true
	s.log.Info("[BLE] connecting", "name", s.peripheral.DisplayName())

	go func() {
		if err := s.adapter.Enable(); err != nil {
			s.post(linkResult{err: fmt.Errorf("ble: enable adapter: %w", err)})
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
		defer cancel()
		conn, err := callWithContext(ctx, func() (Connection, error) {
			return s.adapter.Connect(ctx, s.peripheral.Address)
		}, func(c Connection) { _ = c.Disconnect() })
		s.post(linkResult{conn: conn, err: err})
	}()
}

func (s *Session) onLink(in linkResult) {
	s.connectPending = false

	if s.closing.Load() || s.currentState() >= StateDisconnecting {
		if in.conn != nil {
			s.conn = in.conn
		}
		if s.currentState() == StateDisconnecting {
			s.teardown()
		}
		return
	}

	if in.err != nil {
		s.fail(opError("connect", s.peripheral.Address, 0, ErrTransportLink, in.err))
		return
	}

	conn := in.conn
	s.conn = conn
	conn.OnDisconnect(func() { s.post(linkLost{conn: conn}) })
	s.advance(StateServicesDiscovering)
	s.log.Info("[BLE] connected", "name", s.peripheral.DisplayName())

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.DiscoveryTimeout)
		defer cancel()
		services, err := callWithContext(ctx, func() ([]Service, error) {
			return conn.DiscoverServices(ctx)
		}, nil)
		s.post(discoveryResult{services: services, err: err})
	}()
}

func (s *Session) onDiscovery(in discoveryResult) {
	if s.currentState() != StateServicesDiscovering {
		return
	}
	if in.err != nil {
		s.fail(opError("discover", s.peripheral.Address, 0, ErrDiscovery, in.err))
		return
	}

	chars := resolveProfile(in.services)
	s.mu.Lock()
	s.chars = chars
	s.mu.Unlock()
	s.advance(StateSubscribing)

	if c, ok := chars[RoleBatteryLevel]; ok {
		s.read(c)
		s.pending[RoleBatteryLevel] = true
	} else {
		s.log.Info("[BLE] battery service not present")
	}
	if _, ok := chars[RoleUARTRx]; ok {
		s.pending[RoleUARTRx] = true
	} else {
		s.log.Info("[BLE] uart service not present")
	}

	for _, role := range []Role{RoleBatteryLevel, RoleUARTRx} {
		if s.pending[role] {
			s.subscribe(role, 1)
		}
	}
	s.maybeStreaming()
}

func (s *Session) read(c Characteristic) {
	if c == nil {
		return
	}
	go func() {
		data, err := c.Read()
		s.post(readResult{data: data, err: err})
	}()
}

func (s *Session) onRead(in readResult) {
	if !s.currentState().live() {
		return
	}
	if in.err != nil {
		err := opError("read", s.peripheral.Address, RoleBatteryLevel, ErrRead, in.err)
		s.log.Warn("[BLE] battery read failed", "error", in.err)
		s.emitError(err)
		return
	}
	s.dispatch(RoleBatteryLevel, in.data, SourceRead)
}

func (s *Session) subscribe(role Role, attempt int) {
	c := s.chars[role]
	go func() {
		err := c.Subscribe(func(data []byte) {
			s.post(notification{role: role, data: append([]byte(nil), data...)})
		})
		s.post(subscribeResult{role: role, attempt: attempt, err: err})
	}()
}

func (s *Session) onSubscribed(in subscribeResult) {
	if s.currentState() != StateSubscribing || !s.pending[in.role] {
		return
	}
	if in.err == nil {
		delete(s.pending, in.role)
		s.log.Info("[BLE] notifications enabled", "characteristic", in.role)
		s.maybeStreaming()
		return
	}

	if in.attempt < s.opts.SubscribeAttempts {
		// The peripheral often rejects the CCCD write issued right after
		// discovery; it accepts the same write a moment later.
		s.log.Warn("[BLE] subscribe rejected, retrying",
			"characteristic", in.role, "attempt", in.attempt, "delay", s.opts.SubscribeRetryDelay, "error", in.err)
		role, next := in.role, in.attempt+1
		go func() {
			t := time.NewTimer(s.opts.SubscribeRetryDelay)
			defer t.Stop()
			select {
			case <-t.C:
				s.post(retrySubscribe{role: role, attempt: next})
			case <-s.ctx.Done():
			}
		}()
		return
	}

	delete(s.pending, in.role)
	s.log.Error("[BLE] subscribe failed", "characteristic", in.role, "attempts", in.attempt, "error", in.err)
	s.emitError(opError("subscribe", s.peripheral.Address, in.role, ErrSubscription, in.err))
	s.maybeStreaming()
}

func (s *Session) maybeStreaming() {
	if s.currentState() == StateSubscribing && len(s.pending) == 0 {
		s.advance(StateStreaming)
		s.log.Info("[BLE] streaming")
	}
}

func (s *Session) onNotification(in notification) {
	if !s.currentState().live() {
		return
	}
	s.dispatch(in.role, in.data, SourceNotify)
}

// dispatch decodes a payload according to the characteristic it came from
// and emits the result.
func (s *Session) dispatch(role Role, data []byte, src BatterySource) {
	switch role {
	case RoleBatteryLevel:
		level, err := protocol.DecodeBatteryLevel(data)
		if err != nil {
			s.decodeFailed(role, data, err)
			return
		}
		s.log.Debug("[BLE] battery level", "percent", level.Percent(), "source", src)
		s.emit(Event{Kind: EventBattery, Battery: level, Source: src})
	case RoleUARTRx:
		sample, err := protocol.DecodeOrientation(data)
		if err != nil {
			s.decodeFailed(role, data, err)
			return
		}
		s.emit(Event{Kind: EventOrientation, Orientation: sample})
	}
}

func (s *Session) decodeFailed(role Role, data []byte, err error) {
	if s.warnLimit.Allow() {
		s.log.Warn("[BLE] malformed payload", "characteristic", role, "bytes", len(data), "error", err)
	}
	s.emitError(opError("decode", s.peripheral.Address, role, protocol.ErrMalformedPayload, err))
}

func (s *Session) write(c Characteristic, data []byte) {
	if c == nil {
		return
	}
	chunks := protocol.ChunkBytes(data, s.opts.WriteChunk)
	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		for _, chunk := range chunks {
			if err := c.Write(chunk); err != nil {
				s.post(writeResult{err: err})
				return
			}
		}
	}()
}

func (s *Session) onLinkLost(in linkLost) {
	if in.conn != s.conn || s.currentState() >= StateDisconnecting {
		return
	}
	s.log.Warn("[BLE] link lost", "state", s.currentState())
	s.emitError(opError("link", s.peripheral.Address, 0, ErrTransportLink, errors.New("peripheral disconnected")))
	s.advance(StateDisconnecting)
	s.teardown()
}

func (s *Session) onDisconnect() {
	switch st := s.currentState(); st {
	case StateDisconnecting, StateDisconnected:
		return
	case StateIdle:
		s.advance(StateDisconnected)
		return
	}
	s.log.Info("[BLE] disconnecting")
	s.advance(StateDisconnecting)
	s.teardown()
}

// teardown releases the link. While a connect is still outstanding it
// waits for onLink to hand over the result.
func (s *Session) teardown() {
	if s.connectPending {
		return
	}
	conn := s.conn
	s.conn = nil
	if conn == nil {
		s.advance(StateDisconnected)
		return
	}
	go func() {
		s.post(teardownDone{err: conn.Disconnect()})
	}()
}

// fail ends the session after a fatal error.
func (s *Session) fail(err *OpError) {
	s.log.Error("[BLE] session failed", "error", err)
	s.emitError(err)
	if conn := s.conn; conn != nil {
		s.conn = nil
		go func() {
			if err := conn.Disconnect(); err != nil {
				s.log.Debug("[BLE] release link", "error", err)
			}
		}()
	}
	s.advance(StateDisconnected)
}

// advance moves the session to next and emits a state change. Backward
// and skipping transitions are refused.
func (s *Session) advance(next State) bool {
	s.mu.Lock()
	prev := s.state
	if !prev.canAdvance(next) {
		s.mu.Unlock()
		s.log.Debug("[BLE] refused transition", "from", prev, "to", next)
		return false
	}
	s.state = next
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChanged, State: next})
	return true
}

func (s *Session) emitError(err *OpError) {
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Session) emit(ev Event) {
	if s.handler == nil {
		return
	}
	if ev.Kind != EventStateChanged && s.closing.Load() {
		return
	}
	ev.Peripheral = s.peripheral
	ev.SessionID = s.id
	s.handler.HandleEvent(ev)
}
