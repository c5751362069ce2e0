package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ScanOptions configures a Scanner.
type ScanOptions struct {
	// NamePrefix, when set, hides peripherals whose advertised name does
	// not start with it.
	NamePrefix string
}

// Scanner runs discovery and reports each peripheral once per scan.
type Scanner struct {
	adapter Adapter
	auth    Authorizer
	opts    ScanOptions

	mu      sync.Mutex
	current *scanRun
	err     error          // why the most recent scan ended, nil for Stop or ctx
	seen    map[string]int // address -> index into order
	order   []Peripheral
}

type scanRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScanner creates a Scanner. auth is consulted on every Start.
func NewScanner(adapter Adapter, auth Authorizer, opts ScanOptions) *Scanner {
	return &Scanner{
		adapter: adapter,
		auth:    auth,
		opts:    opts,
		seen:    make(map[string]int),
	}
}

// Start begins discovery and returns a channel that yields each newly seen
// peripheral. The channel is closed when the scan ends: after Stop, when
// ctx is cancelled, or when the transport reports a scan error. After the
// channel closes, Err reports which of these ended the scan.
func (s *Scanner) Start(ctx context.Context) (<-chan Peripheral, error) {
	if err := checkPermission(s.auth, PermissionScan, "scan", ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, opError("scan", "", 0, ErrScanActive, nil)
	}

	if err := s.adapter.Enable(); err != nil {
		return nil, opError("scan", "", 0, ErrTransportLink, fmt.Errorf("ble: enable adapter: %w", err))
	}

	s.seen = make(map[string]int)
	s.order = nil
	s.err = nil

	ctx, cancel := context.WithCancel(ctx)
	run := &scanRun{cancel: cancel, done: make(chan struct{})}
	s.current = run

	out := make(chan Peripheral)
	adverts := make(chan Peripheral, 16)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- s.adapter.Scan(ctx, func(p Peripheral) {
			select {
			case adverts <- p:
			case <-ctx.Done():
			}
		})
	}()

	go s.dispatch(ctx, run, adverts, scanErr, out)

	slog.Info("[BLE] scan started", "name_prefix", s.opts.NamePrefix)
	return out, nil
}

func (s *Scanner) dispatch(ctx context.Context, run *scanRun, adverts <-chan Peripheral, scanErr <-chan error, out chan<- Peripheral) {
	var failure error
	defer func() {
		run.cancel()
		s.mu.Lock()
		if s.current == run {
			s.current = nil
			s.err = failure
		}
		s.mu.Unlock()
		close(out)
		close(run.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-scanErr:
			if err != nil && ctx.Err() == nil {
				slog.Error("[BLE] scan failed", "error", err)
				failure = opError("scan", "", 0, ErrTransportLink, err)
			}
			return
		case p := <-adverts:
			if !s.accept(p) {
				continue
			}
			slog.Debug("[BLE] discovered", "name", p.DisplayName(), "address", p.Address, "rssi", p.RSSI)
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

// accept records p and reports whether it is new for this scan.
func (s *Scanner) accept(p Peripheral) bool {
	if p.Address == "" {
		return false
	}
	if s.opts.NamePrefix != "" && !strings.HasPrefix(p.Name, s.opts.NamePrefix) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.seen[p.Address]; ok {
		// Keep the most recent name and signal strength for display.
		if p.Name != "" {
			s.order[i].Name = p.Name
		}
		s.order[i].RSSI = p.RSSI
		return false
	}
	s.seen[p.Address] = len(s.order)
	s.order = append(s.order, p)
	return true
}

// Stop ends the current scan. Once it returns no further peripherals are
// delivered. Calling Stop when no scan is running is a no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
	slog.Info("[BLE] scan stopped")
}

// Err returns the transport failure that ended the most recent scan, or nil
// if it was stopped, its context ended, or it is still running.
func (s *Scanner) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Scanning reports whether a scan is in progress.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Discovered returns the peripherals seen in the current or most recent
// scan, in the order they were first seen.
func (s *Scanner) Discovered() []Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Peripheral(nil), s.order...)
}
