// Package lcd is the hardware boundary for 1602 character displays. An
// Opener turns a bus address into a Handle that can write a whole line at a
// time. The I2C implementation drives HD44780 controllers behind PCF8574
// backpacks on a periph.io bus; the Memory implementation keeps screens in
// RAM for dry runs and tests.
package lcd

import (
	"errors"
	"fmt"

	"lcdmatrix/internal/model"
)

// Opener opens the hardware channel of one display.
type Opener interface {
	Open(addr model.Address, backlight bool) (Handle, error)
}

// Handle is an open display. Handles are not safe for concurrent use; the
// owning display unit serializes all calls.
type Handle interface {
	// WriteLine replaces line 1 or 2 with text, padded or cut to 16 columns.
	WriteLine(line int, text string) error
	SetBacklight(on bool) error
	Close() error
}

// Kind classifies a device error.
type Kind int

const (
	// KindFault is any I/O failure other than absence.
	KindFault Kind = iota
	// KindAbsent means nothing answered at the address.
	KindAbsent
)

func (k Kind) String() string {
	if k == KindAbsent {
		return "absent"
	}
	return "fault"
}

var (
	ErrDeviceAbsent = errors.New("lcd: device absent")
	ErrDeviceFault  = errors.New("lcd: device fault")
	ErrClosed       = errors.New("lcd: handle closed")
	ErrInvalidLine  = errors.New("lcd: line must be 1 or 2")
)

// DeviceError reports a failure at a specific address.
type DeviceError struct {
	Addr model.Address
	Kind Kind
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lcd: device %s %s", e.Addr, e.Kind)
	}
	return fmt.Sprintf("lcd: device %s %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDeviceAbsent) and errors.Is(err, ErrDeviceFault)
// match on the kind.
func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrDeviceAbsent:
		return e.Kind == KindAbsent
	case ErrDeviceFault:
		return e.Kind == KindFault
	}
	return false
}

// Absent builds a KindAbsent error.
func Absent(addr model.Address, err error) error {
	return &DeviceError{Addr: addr, Kind: KindAbsent, Err: err}
}

// Fault builds a KindFault error.
func Fault(addr model.Address, err error) error {
	return &DeviceError{Addr: addr, Kind: KindFault, Err: err}
}

// fit pads or cuts text to exactly model.Columns cells. The controller
// takes one byte per cell, so each rune fills one cell: runes up to U+00FF
// are sent as that character ROM code and anything else as '?'.
func fit(text string) []byte {
	buf := make([]byte, model.Columns)
	n := 0
	for _, r := range text {
		if n == len(buf) {
			break
		}
		if r > 0xff {
			r = '?'
		}
		buf[n] = byte(r)
		n++
	}
	for i := n; i < len(buf); i++ {
		buf[i] = ' '
	}
	return buf
}

// cellText turns ROM codes back into the text they stand for.
func cellText(cells []byte) string {
	r := make([]rune, len(cells))
	for i, c := range cells {
		r[i] = rune(c)
	}
	return string(r)
}
