// Package display owns a single 1602 display: its hardware handle, a
// single-slot pending update and the goroutine that renders it.
//
// Updates are last-write-wins. SetText never blocks on hardware; it replaces
// whatever update the worker has not picked up yet and wakes the worker.
package display

import (
	"errors"
	"sync"
	"time"

	"lcdmatrix/internal/lcd"
	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/model"
)

// DefaultStopTimeout bounds how long PowerOff waits for an in-flight write.
const DefaultStopTimeout = 5 * time.Second

var (
	ErrInvalidLine = errors.New("display: line number must be 1 or 2")
	ErrStopTimeout = errors.New("display: worker did not stop in time")
)

// Observer is notified about hardware writes. Implementations must be cheap
// and safe for concurrent use.
type Observer interface {
	LineWritten(addr model.Address)
	WriteFailed(addr model.Address)
}

type nopObserver struct{}

func (nopObserver) LineWritten(model.Address) {}
func (nopObserver) WriteFailed(model.Address) {}

// Config describes one unit.
type Config struct {
	Index    int
	Address  model.Address
	Position *model.Position
	Pinned   bool

	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration
	Observer    Observer
}

// Unit is one display of the matrix.
type Unit struct {
	index       int
	addr        model.Address
	pos         *model.Position
	opener      lcd.Opener
	stopTimeout time.Duration
	obs         Observer

	// powerMu serializes PowerOn/PowerOff.
	powerMu sync.Mutex
	// releasing is closed once a handle left behind by a timed-out
	// PowerOff has been released. Guarded by powerMu.
	releasing chan struct{}

	mu       sync.Mutex
	handle   lcd.Handle
	powered  bool
	locked   bool
	pinned   bool
	id       string
	bound    bool
	pending  *model.Lines
	rendered [2]string
	stop     chan struct{}
	done     chan struct{}

	// wake has capacity 1; a full channel already means "work pending".
	wake chan struct{}
}

// New opens the display with the backlight on and starts its worker.
// Open failures are returned as *lcd.DeviceError.
func New(opener lcd.Opener, cfg Config) (*Unit, error) {
	u := &Unit{
		index:       cfg.Index,
		addr:        cfg.Address,
		opener:      opener,
		stopTimeout: cfg.StopTimeout,
		obs:         cfg.Observer,
		pinned:      cfg.Pinned,
		wake:        make(chan struct{}, 1),
	}
	if cfg.Position != nil {
		p := *cfg.Position
		u.pos = &p
	}
	if u.stopTimeout <= 0 {
		u.stopTimeout = DefaultStopTimeout
	}
	if u.obs == nil {
		u.obs = nopObserver{}
	}

	if err := u.PowerOn(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Unit) Index() int             { return u.index }
func (u *Unit) Address() model.Address { return u.addr }

// Position returns the grid coordinate, if the unit has one.
func (u *Unit) Position() (model.Position, bool) {
	if u.pos == nil {
		return model.Position{}, false
	}
	return *u.pos, true
}

// PowerOn opens the hardware with the backlight on and starts the worker.
// It is a no-op on a powered unit. An update stored while the unit was off
// is rendered right away. If a previous PowerOff timed out, PowerOn first
// waits up to the stop timeout for the old handle to be released and
// returns ErrStopTimeout if it is still held.
func (u *Unit) PowerOn() error {
	u.powerMu.Lock()
	defer u.powerMu.Unlock()

	u.mu.Lock()
	if u.powered {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	if err := u.awaitRelease(); err != nil {
		return err
	}

	h, err := u.opener.Open(u.addr, true)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	u.mu.Lock()
	u.handle = h
	u.powered = true
	// The controller clears itself on init.
	u.rendered = [2]string{}
	u.stop, u.done = stop, done
	hasPending := u.pending != nil
	u.mu.Unlock()

	go u.run(h, stop, done)
	if hasPending {
		u.signal()
	}
	appLog.Debug("display powered on", "addr", u.addr, "index", u.index)
	return nil
}

// PowerOff stops the worker, waits for its current write and then releases
// the hardware with the backlight off. The wait is bounded by the stop
// timeout; on timeout the handle is released once the worker finally exits
// and ErrStopTimeout is returned.
func (u *Unit) PowerOff() error {
	u.powerMu.Lock()
	defer u.powerMu.Unlock()

	u.mu.Lock()
	if !u.powered {
		u.mu.Unlock()
		return nil
	}
	h, stop, done := u.handle, u.stop, u.done
	u.mu.Unlock()

	close(stop)

	timer := time.NewTimer(u.stopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
		err = u.release(h)
	case <-timer.C:
		err = ErrStopTimeout
		appLog.Error("display worker stuck, deferring handle release", err, "addr", u.addr, "timeout", u.stopTimeout)
		released := make(chan struct{})
		u.releasing = released
		go func() {
			<-done
			_ = u.release(h)
			close(released)
		}()
	}

	u.mu.Lock()
	u.powered = false
	u.handle = nil
	u.stop, u.done = nil, nil
	u.mu.Unlock()

	appLog.Debug("display powered off", "addr", u.addr, "index", u.index)
	return err
}

// awaitRelease must be called with powerMu held.
func (u *Unit) awaitRelease() error {
	if u.releasing == nil {
		return nil
	}
	timer := time.NewTimer(u.stopTimeout)
	defer timer.Stop()
	select {
	case <-u.releasing:
		u.releasing = nil
		return nil
	case <-timer.C:
		appLog.Warn("display still held by a stuck worker", "addr", u.addr, "index", u.index)
		return ErrStopTimeout
	}
}

func (u *Unit) release(h lcd.Handle) error {
	berr := h.SetBacklight(false)
	cerr := h.Close()
	return errors.Join(berr, cerr)
}

// Toggle flips the power state.
func (u *Unit) Toggle() error {
	if u.Powered() {
		return u.PowerOff()
	}
	return u.PowerOn()
}

func (u *Unit) Powered() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.powered
}

// SetText replaces the pending update. A nil line leaves that line as it is.
func (u *Unit) SetText(lines model.Lines) {
	u.mu.Lock()
	u.pending = &lines
	u.mu.Unlock()
	u.signal()
}

// SetLine updates a single line.
func (u *Unit) SetLine(text string, line int) error {
	if line != 1 && line != 2 {
		return ErrInvalidLine
	}
	u.SetText(model.Line(line, text))
	return nil
}

// SetLongLine spreads text over both lines, 16 characters each. Anything
// past 32 characters is dropped.
func (u *Unit) SetLongLine(text string) {
	r := []rune(text)
	cut := func(from, to int) string {
		if from > len(r) {
			from = len(r)
		}
		if to > len(r) {
			to = len(r)
		}
		return string(r[from:to])
	}
	u.SetText(model.Text(cut(0, model.Columns), cut(model.Columns, 2*model.Columns)))
}

// Rendered returns exactly what was last written to the hardware.
func (u *Unit) Rendered() [2]string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rendered
}

// Content returns what the display will show once its pending update has
// been drained.
func (u *Unit) Content() [2]string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pending == nil {
		return u.rendered
	}
	return u.pending.Merge(u.rendered)
}

func (u *Unit) Locked() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.locked
}

// SetLocked reports whether the state changed.
func (u *Unit) SetLocked(locked bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.locked == locked {
		return false
	}
	u.locked = locked
	return true
}

func (u *Unit) Pinned() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pinned
}

// SetPinned reports whether the state changed.
func (u *Unit) SetPinned(pinned bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pinned == pinned {
		return false
	}
	u.pinned = pinned
	return true
}

// ID returns the logical identifier bound to the unit.
func (u *Unit) ID() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.id, u.bound
}

// HasID reports whether id is bound to the unit.
func (u *Unit) HasID(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bound && u.id == id
}

// Bind sets the logical identifier.
func (u *Unit) Bind(id string) {
	u.mu.Lock()
	u.id, u.bound = id, true
	u.mu.Unlock()
}

// Unbind clears the logical identifier.
func (u *Unit) Unbind() {
	u.mu.Lock()
	u.id, u.bound = "", false
	u.mu.Unlock()
}

func (u *Unit) signal() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

func (u *Unit) run(h lcd.Handle, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-u.wake:
		}
		// stop wins over a wake that raced with it; the update stays
		// pending for the next power on.
		select {
		case <-stop:
			u.signal()
			return
		default:
		}
		u.drain(h)
	}
}

func (u *Unit) drain(h lcd.Handle) {
	u.mu.Lock()
	p := u.pending
	u.pending = nil
	rendered := u.rendered
	u.mu.Unlock()

	if p == nil {
		return
	}
	for i, s := range p {
		if s == nil || *s == rendered[i] {
			continue
		}
		if err := h.WriteLine(i+1, *s); err != nil {
			appLog.Error("display write failed", err, "addr", u.addr, "line", i+1)
			u.obs.WriteFailed(u.addr)
			continue
		}
		u.mu.Lock()
		u.rendered[i] = *s
		u.mu.Unlock()
		u.obs.LineWritten(u.addr)
	}
}
