package lcd

import (
	"strings"
	"sync"
	"time"

	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/model"
)

// Screen is the observable state of one in-memory display.
type Screen struct {
	Lines     [2]string
	Backlight bool
	Open      bool
	Writes    int
	Opens     int
}

// Memory is an Opener that keeps every display in RAM. It backs dry runs
// (writes are logged) and tests (state is inspectable, faults injectable).
type Memory struct {
	mu         sync.Mutex
	present    map[model.Address]bool
	openFaults map[model.Address]error
	screens    map[model.Address]*Screen
	writeDelay time.Duration
}

// NewMemory returns a Memory opener. With no addresses every address in the
// vendor window answers; otherwise only the listed ones do.
func NewMemory(present ...model.Address) *Memory {
	m := &Memory{
		openFaults: make(map[model.Address]error),
		screens:    make(map[model.Address]*Screen),
	}
	if len(present) > 0 {
		m.present = make(map[model.Address]bool, len(present))
		for _, a := range present {
			m.present[a] = true
		}
	}
	return m
}

// SetOpenFault makes the next opens of addr fail with a KindFault error.
// A nil err clears it.
func (m *Memory) SetOpenFault(addr model.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.openFaults, addr)
		return
	}
	m.openFaults[addr] = err
}

// SetWriteDelay slows down every WriteLine to model a slow bus.
func (m *Memory) SetWriteDelay(d time.Duration) {
	m.mu.Lock()
	m.writeDelay = d
	m.mu.Unlock()
}

// Screen returns a copy of the state of addr.
func (m *Memory) Screen(addr model.Address) (Screen, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.screens[addr]
	if !ok {
		return Screen{}, false
	}
	return *s, true
}

func (m *Memory) Open(addr model.Address, backlight bool) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.present != nil && !m.present[addr] {
		return nil, Absent(addr, nil)
	}
	if m.present == nil && !addr.Valid() {
		return nil, Absent(addr, nil)
	}
	if err := m.openFaults[addr]; err != nil {
		return nil, Fault(addr, err)
	}

	s, ok := m.screens[addr]
	if !ok {
		s = &Screen{}
		m.screens[addr] = s
	}
	// Initializing the controller clears it.
	s.Lines = [2]string{}
	s.Backlight = backlight
	s.Open = true
	s.Opens++

	appLog.Debug("memory display opened", "addr", addr, "backlight", backlight)
	return &memoryHandle{m: m, addr: addr}, nil
}

type memoryHandle struct {
	m      *Memory
	addr   model.Address
	closed bool
}

func (h *memoryHandle) WriteLine(line int, text string) error {
	if h.closed {
		return Fault(h.addr, ErrClosed)
	}
	if line != 1 && line != 2 {
		return ErrInvalidLine
	}

	h.m.mu.Lock()
	delay := h.m.writeDelay
	h.m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	s := h.m.screens[h.addr]
	s.Lines[line-1] = strings.TrimRight(cellText(fit(text)), " ")
	s.Writes++
	appLog.Debug("memory display write", "addr", h.addr, "line", line, "text", s.Lines[line-1])
	return nil
}

func (h *memoryHandle) SetBacklight(on bool) error {
	if h.closed {
		return Fault(h.addr, ErrClosed)
	}
	h.m.mu.Lock()
	h.m.screens[h.addr].Backlight = on
	h.m.mu.Unlock()
	return nil
}

func (h *memoryHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.m.mu.Lock()
	h.m.screens[h.addr].Open = false
	h.m.mu.Unlock()
	return nil
}
