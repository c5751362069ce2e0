// Package report is the consumer side of session events: it prints
// readings as they arrive, keeps the latest value per peripheral and
// optionally records readings to a file.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/blemotion/internal/ble"
	"github.com/chaz8081/blemotion/internal/ble/protocol"
)

// Snapshot is the most recent known state of one peripheral.
type Snapshot struct {
	Peripheral     ble.Peripheral
	SessionID      string
	State          ble.State
	Battery        protocol.BatteryReading
	HasBattery     bool
	Orientation    protocol.OrientationSample
	HasOrientation bool
	Samples        int
	Errors         int
	UpdatedAt      time.Time
}

// Sink receives every decoded reading. *Recorder implements it.
type Sink interface {
	Record(ev ble.Event) error
}

// Printer writes one line per event and implements ble.Handler.
type Printer struct {
	w    io.Writer
	sink Sink
	now  func() time.Time

	mu     sync.Mutex
	latest map[string]*Snapshot
}

// Compile-time interface satisfaction check.
var _ ble.Handler = (*Printer)(nil)

// NewPrinter creates a Printer writing to w. sink may be nil.
func NewPrinter(w io.Writer, sink Sink) *Printer {
	return &Printer{
		w:      w,
		sink:   sink,
		now:    time.Now,
		latest: make(map[string]*Snapshot),
	}
}

// HandleEvent updates the snapshot for the event's peripheral and prints it.
func (p *Printer) HandleEvent(ev ble.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.snapshotLocked(ev)
	snap.UpdatedAt = p.now()

	name := ev.Peripheral.DisplayName()
	switch ev.Kind {
	case ble.EventStateChanged:
		snap.State = ev.State
		fmt.Fprintf(p.w, "%s  %-16s state %s\n", ev.SessionID, name, ev.State)
	case ble.EventBattery:
		snap.Battery, snap.HasBattery = ev.Battery, true
		fmt.Fprintf(p.w, "%s  %-16s battery %3d%% (%s)\n", ev.SessionID, name, ev.Battery.Percent(), ev.Source)
		p.record(ev)
	case ble.EventOrientation:
		snap.Orientation, snap.HasOrientation = ev.Orientation, true
		snap.Samples++
		fmt.Fprintf(p.w, "%s  %-16s %s\n", ev.SessionID, name, ev.Orientation)
		p.record(ev)
	case ble.EventError:
		snap.Errors++
		fmt.Fprintf(p.w, "%s  %-16s error: %v\n", ev.SessionID, name, ev.Err)
	}
}

func (p *Printer) snapshotLocked(ev ble.Event) *Snapshot {
	snap, ok := p.latest[ev.Peripheral.Address]
	if !ok || snap.SessionID != ev.SessionID {
		// A new session for the same address starts from a clean slate.
		snap = &Snapshot{Peripheral: ev.Peripheral, SessionID: ev.SessionID}
		p.latest[ev.Peripheral.Address] = snap
	}
	return snap
}

func (p *Printer) record(ev ble.Event) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Record(ev); err != nil {
		fmt.Fprintf(p.w, "record: %v\n", err)
	}
}

// Latest returns the snapshot for address.
func (p *Printer) Latest(address string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.latest[address]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Summary writes one line per known peripheral, sorted by address.
func (p *Printer) Summary(w io.Writer) {
	p.mu.Lock()
	snaps := make([]Snapshot, 0, len(p.latest))
	for _, s := range p.latest {
		snaps = append(snaps, *s)
	}
	p.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Peripheral.Address < snaps[j].Peripheral.Address
	})
	for _, s := range snaps {
		battery := "n/a"
		if s.HasBattery {
			battery = fmt.Sprintf("%d%%", s.Battery.Percent())
		}
		fmt.Fprintf(w, "%s %s: state=%s battery=%s samples=%d errors=%d\n",
			s.Peripheral.Address, s.Peripheral.DisplayName(), s.State, battery, s.Samples, s.Errors)
	}
}

// ErrClosed is returned by Recorder.Record after Close.
var ErrClosed = errors.New("report: recorder closed")
