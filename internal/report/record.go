package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chaz8081/blemotion/internal/ble"
)

// Recorder appends decoded readings as CSV rows:
//
//	time,session,address,kind,battery,roll,pitch,yaw
type Recorder struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	now    func() time.Time
}

// Compile-time interface satisfaction check.
var _ Sink = (*Recorder)(nil)

// NewRecorder writes rows to w. A header row is written first.
func NewRecorder(w io.Writer) (*Recorder, error) {
	r := &Recorder{w: csv.NewWriter(w), now: time.Now}
	if err := r.w.Write([]string{"time", "session", "address", "kind", "battery", "roll", "pitch", "yaw"}); err != nil {
		return nil, fmt.Errorf("report: write header: %w", err)
	}
	return r, nil
}

// OpenRecorder creates or truncates the file at path.
func OpenRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("report: create record dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("report: open record file: %w", err)
	}
	r, err := NewRecorder(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Record writes one row for a battery or orientation event. Other kinds
// are ignored.
func (r *Recorder) Record(ev ble.Event) error {
	row := []string{"", ev.SessionID, ev.Peripheral.Address, ev.Kind.String(), "", "", "", ""}
	switch ev.Kind {
	case ble.EventBattery:
		row[4] = strconv.Itoa(ev.Battery.Percent())
	case ble.EventOrientation:
		row[5] = formatFloat(ev.Orientation.Roll)
		row[6] = formatFloat(ev.Orientation.Pitch)
		row[7] = formatFloat(ev.Orientation.Yaw)
	default:
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return ErrClosed
	}
	row[0] = r.now().UTC().Format(time.RFC3339Nano)
	if err := r.w.Write(row); err != nil {
		return fmt.Errorf("report: write row: %w", err)
	}
	r.w.Flush()
	return r.w.Error()
}

// Close flushes pending rows and closes the underlying file, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	r.w.Flush()
	err := r.w.Error()
	r.w = nil
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}
