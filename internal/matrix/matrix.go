// Package matrix arbitrates which physical display serves which logical
// stream of updates.
//
// Slots are kept in one stable scan order. In the grid layout (any entry has
// a position) slots are ordered x-major then y, and missing positions are
// holes. In the flat layout slots follow the configuration order. A device
// that is absent at startup leaves a hole, so slot indices always match the
// configuration.
//
// Every allocation decision runs under one mutex, so two callers can never
// bind the same display to two different identifiers.
package matrix

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lcdmatrix/internal/display"
	"lcdmatrix/internal/lcd"
	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/model"
)

// MaintenanceID pins a display while bound, just like the Pinned flag.
const MaintenanceID = "maintenance"

// Strategy names used when reporting dropped updates.
const (
	StrategyOnID       = "on_id"
	StrategyOnNext     = "on_next"
	StrategyOnNextOrID = "on_next_or_id"
	StrategyOnShift    = "on_shift"
)

// Entry is one configured display.
type Entry struct {
	Address  model.Address
	Position *model.Position
	Pinned   bool
}

// Observer receives allocation events.
type Observer interface {
	UpdateDropped(strategy string)
	Allocated(addr model.Address)
}

type nopObserver struct{}

func (nopObserver) UpdateDropped(string)    {}
func (nopObserver) Allocated(model.Address) {}

// Options tune construction.
type Options struct {
	StopTimeout     time.Duration
	Observer        Observer
	DisplayObserver display.Observer
}

// Target selects a display by identifier or by slot index. When both are
// set the identifier wins. Presence is explicit, so index 0 is selectable.
type Target struct {
	ID    *string
	Index *int
}

func ByID(id string) Target { return Target{ID: &id} }
func ByIndex(i int) Target  { return Target{Index: &i} }

// Matrix owns all display slots.
type Matrix struct {
	mu       sync.Mutex
	slots    []*display.Unit
	lastUsed int
	grid     bool
	obs      Observer
	dropped  atomic.Int64
}

type slotEntry struct {
	entry Entry
	empty bool
}

// New opens every configured display. Entries with an address outside the
// vendor window or a duplicate address/position are skipped with a warning.
// Absent devices leave a hole. Any other device error aborts construction.
func New(opener lcd.Opener, entries []Entry, opts Options) (*Matrix, error) {
	m := &Matrix{lastUsed: -1, obs: opts.Observer}
	if m.obs == nil {
		m.obs = nopObserver{}
	}

	layout, grid := buildLayout(entries)
	m.grid = grid
	m.slots = make([]*display.Unit, len(layout))

	for i, se := range layout {
		if se.empty {
			continue
		}
		u, err := display.New(opener, display.Config{
			Index:       i,
			Address:     se.entry.Address,
			Position:    se.entry.Position,
			Pinned:      se.entry.Pinned,
			StopTimeout: opts.StopTimeout,
			Observer:    opts.DisplayObserver,
		})
		if err != nil {
			if errors.Is(err, lcd.ErrDeviceAbsent) {
				appLog.Warn("display not found, leaving slot empty", "addr", se.entry.Address, "index", i)
				continue
			}
			appLog.Error("display fault during startup", err, "addr", se.entry.Address, "index", i)
			_ = m.Exit()
			return nil, fmt.Errorf("matrix: display %s: %w", se.entry.Address, err)
		}
		m.slots[i] = u
	}

	appLog.Info("matrix ready", "slots", len(m.slots), "displays", len(m.Units()), "grid", grid)
	return m, nil
}

func buildLayout(entries []Entry) ([]slotEntry, bool) {
	grid := false
	for _, e := range entries {
		if e.Position != nil {
			grid = true
			break
		}
	}

	seenAddr := make(map[model.Address]bool)
	valid := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Address.Valid() {
			appLog.Warn("skipping display with address outside vendor window", "addr", e.Address)
			continue
		}
		if seenAddr[e.Address] {
			appLog.Warn("skipping duplicate display address", "addr", e.Address)
			continue
		}
		if grid && e.Position == nil {
			appLog.Warn("skipping display without position in grid layout", "addr", e.Address)
			continue
		}
		if grid && (e.Position.X < 0 || e.Position.Y < 0) {
			appLog.Warn("skipping display with negative position", "addr", e.Address, "position", e.Position)
			continue
		}
		seenAddr[e.Address] = true
		valid = append(valid, e)
	}

	if !grid {
		out := make([]slotEntry, len(valid))
		for i, e := range valid {
			out[i] = slotEntry{entry: e}
		}
		return out, false
	}

	// rows[x][y]
	rows := make(map[int]map[int]Entry)
	rowLen := make(map[int]int)
	for _, e := range valid {
		x, y := e.Position.X, e.Position.Y
		if rows[x] == nil {
			rows[x] = make(map[int]Entry)
		}
		if _, dup := rows[x][y]; dup {
			appLog.Warn("skipping duplicate display position", "addr", e.Address, "position", e.Position)
			continue
		}
		rows[x][y] = e
		if y+1 > rowLen[x] {
			rowLen[x] = y + 1
		}
	}

	xs := make([]int, 0, len(rows))
	for x := range rows {
		xs = append(xs, x)
	}
	sort.Ints(xs)

	var out []slotEntry
	for _, x := range xs {
		for y := 0; y < rowLen[x]; y++ {
			e, ok := rows[x][y]
			if !ok {
				out = append(out, slotEntry{empty: true})
				continue
			}
			out = append(out, slotEntry{entry: e})
		}
	}
	return out, true
}

// Len returns the number of slots, holes included.
func (m *Matrix) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Units returns the present displays in scan order.
func (m *Matrix) Units() []*display.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*display.Unit, 0, len(m.slots))
	for _, u := range m.slots {
		if u != nil {
			out = append(out, u)
		}
	}
	return out
}

// Unit returns the display at slot index i.
func (m *Matrix) Unit(i int) (*display.Unit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.slots) || m.slots[i] == nil {
		return nil, false
	}
	return m.slots[i], true
}

// Dropped returns how many updates found no display.
func (m *Matrix) Dropped() int64 {
	return m.dropped.Load()
}

// Grid reports whether the matrix uses the grid layout.
func (m *Matrix) Grid() bool { return m.grid }

// DisplayOnNext shows lines on the display bound to id. Without one it takes
// the first unlocked display after the last allocated one, wrapping around,
// and binds it to id. It reports whether a display was found; when none is
// the update is dropped.
func (m *Matrix) DisplayOnNext(lines model.Lines, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayOnNext(lines, id, StrategyOnNext)
}

// DisplayOnID shows lines only if a display is already bound to id.
func (m *Matrix) DisplayOnID(lines model.Lines, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.findByID(id); u != nil {
		m.deliver(u, lines)
		return true
	}
	m.drop(StrategyOnID)
	return false
}

// DisplayOnNextOrID tries DisplayOnID and falls back to DisplayOnNext.
func (m *Matrix) DisplayOnNextOrID(lines model.Lines, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.findByID(id); u != nil {
		m.deliver(u, lines)
		return true
	}
	return m.displayOnNext(lines, id, StrategyOnNextOrID)
}

func (m *Matrix) displayOnNext(lines model.Lines, id, strategy string) bool {
	if u := m.findByID(id); u != nil {
		m.deliver(u, lines)
		return true
	}
	u := m.nextFree()
	if u == nil {
		m.drop(strategy)
		return false
	}
	m.deliver(u, lines)
	u.Bind(id)
	m.lastUsed = u.Index()
	m.obs.Allocated(u.Address())
	appLog.Debug("display allocated", "addr", u.Address(), "index", u.Index(), "id", id)
	return true
}

// DisplayAndShift pushes every shiftable display's content and identifier
// one step along the scan order and writes lines/id to the first one. What
// falls off the last display is discarded. Locked and pinned displays, and
// displays bound to MaintenanceID, are not part of the chain. The id moves to
// the head: any other display still bound to it is unbound, even one outside
// the chain.
func (m *Matrix) DisplayAndShift(lines model.Lines, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := make([]*display.Unit, 0, len(m.slots))
	for _, u := range m.slots {
		if u == nil || u.Locked() || u.Pinned() || u.HasID(MaintenanceID) {
			continue
		}
		chain = append(chain, u)
	}
	if len(chain) == 0 {
		m.drop(StrategyOnShift)
		return false
	}

	for i := len(chain) - 1; i > 0; i-- {
		prev := chain[i-1]
		content := prev.Content()
		pid, bound := prev.ID()

		m.deliver(chain[i], model.Full(content))
		if bound {
			chain[i].Bind(pid)
		} else {
			chain[i].Unbind()
		}
	}

	m.deliver(chain[0], lines)
	chain[0].Bind(id)
	for _, u := range m.slots {
		if u != nil && u != chain[0] && u.HasID(id) {
			u.Unbind()
			appLog.Debug("shift moved id to head", "id", id, "from", u.Index())
		}
	}
	return true
}

// Lock excludes a display from rotation. It reports whether the state changed.
func (m *Matrix) Lock(t Target) bool {
	return m.apply(t, func(u *display.Unit) bool { return u.SetLocked(true) })
}

// Unlock returns a display to rotation.
func (m *Matrix) Unlock(t Target) bool {
	return m.apply(t, func(u *display.Unit) bool { return u.SetLocked(false) })
}

// Pin excludes a display from shifting.
func (m *Matrix) Pin(t Target) bool {
	return m.apply(t, func(u *display.Unit) bool { return u.SetPinned(true) })
}

// Unpin returns a display to the shift chain.
func (m *Matrix) Unpin(t Target) bool {
	return m.apply(t, func(u *display.Unit) bool { return u.SetPinned(false) })
}

func (m *Matrix) apply(t Target, fn func(*display.Unit) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.resolve(t)
	if u == nil {
		return false
	}
	return fn(u)
}

func (m *Matrix) resolve(t Target) *display.Unit {
	switch {
	case t.ID != nil:
		return m.findByID(*t.ID)
	case t.Index != nil:
		i := *t.Index
		if i < 0 || i >= len(m.slots) {
			return nil
		}
		return m.slots[i]
	default:
		return nil
	}
}

// SelfTest powers on every display and shows its address and location.
func (m *Matrix) SelfTest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.slots {
		if u == nil {
			continue
		}
		loc := fmt.Sprintf("Idx: %d", u.Index())
		if p, ok := u.Position(); ok {
			loc = "Loc: " + p.String()
		}
		m.deliver(u, model.Text("ID : "+u.Address().String(), loc))
	}
}

// Exit powers off every display.
func (m *Matrix) Exit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, u := range m.slots {
		if u == nil {
			continue
		}
		if err := u.PowerOff(); err != nil {
			errs = append(errs, fmt.Errorf("display %s: %w", u.Address(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Matrix) findByID(id string) *display.Unit {
	for _, u := range m.slots {
		if u != nil && u.HasID(id) {
			return u
		}
	}
	return nil
}

func (m *Matrix) nextFree() *display.Unit {
	n := len(m.slots)
	for k := 1; k <= n; k++ {
		i := (m.lastUsed + k) % n
		if i < 0 {
			i += n
		}
		if u := m.slots[i]; u != nil && !u.Locked() {
			return u
		}
	}
	return nil
}

func (m *Matrix) deliver(u *display.Unit, lines model.Lines) {
	if !u.Powered() {
		if err := u.PowerOn(); err != nil {
			appLog.Error("display power on failed", err, "addr", u.Address())
		}
	}
	u.SetText(lines)
}

func (m *Matrix) drop(strategy string) {
	m.dropped.Add(1)
	m.obs.UpdateDropped(strategy)
	appLog.Debug("update dropped, no eligible display", "strategy", strategy)
}
