package lcd

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers/hd44780i2c"

	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/model"
)

// txBus is the common shape of periph's i2c.Bus and tinygo's drivers.I2C.
type txBus interface {
	Tx(addr uint16, w, r []byte) error
}

// PCF8574 pin mapping used by the common 1602 backpacks.
const backlightBit = 0x08

// I2COpener opens displays on one shared periph.io I2C bus.
type I2COpener struct {
	bus i2c.BusCloser
}

// OpenI2C initializes periph.io and opens the named bus ("" picks the
// default, /dev/i2c-1 on a Raspberry Pi).
func OpenI2C(busName string) (*I2COpener, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("lcd: periph host init failed: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("lcd: failed to open I2C bus %q: %w", busName, err)
	}
	appLog.Info("i2c bus opened", "bus", bus.String())
	return &I2COpener{bus: bus}, nil
}

// Open probes addr and initializes its HD44780 controller.
func (o *I2COpener) Open(addr model.Address, backlight bool) (Handle, error) {
	return openHD44780(o.bus, addr, backlight)
}

// Close releases the bus. All handles must be closed first.
func (o *I2COpener) Close() error {
	return o.bus.Close()
}

func openHD44780(bus txBus, addr model.Address, backlight bool) (Handle, error) {
	// A single expander write tells us whether anything acks at addr.
	probe := byte(0)
	if backlight {
		probe = backlightBit
	}
	if err := bus.Tx(uint16(addr), []byte{probe}, nil); err != nil {
		if isAbsent(err) {
			return nil, Absent(addr, err)
		}
		return nil, Fault(addr, err)
	}

	tb := &trackingBus{bus: bus}
	dev := hd44780i2c.New(tb, uint8(addr))
	dev.Configure(hd44780i2c.Config{
		Width:  model.Columns,
		Height: 2,
	})
	dev.BacklightOn(backlight)
	if err := tb.take(); err != nil {
		return nil, Fault(addr, err)
	}

	return &hd44780Handle{addr: addr, dev: dev, bus: tb}, nil
}

// isAbsent reports whether a bus error means "no device acked". Linux i2c-dev
// returns ENXIO or EREMOTEIO for a NACK, some adapters EIO; periph does not
// always wrap the errno, so the message is checked too.
func isAbsent(err error) bool {
	if errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.EIO) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"no such device or address", "remote i/o error", "input/output error", "nack"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// trackingBus keeps the first Tx error, because the hd44780i2c API does not
// return errors from its drawing calls.
type trackingBus struct {
	bus txBus
	err error
}

func (b *trackingBus) Tx(addr uint16, w, r []byte) error {
	err := b.bus.Tx(addr, w, r)
	if err != nil && b.err == nil {
		b.err = err
	}
	return err
}

func (b *trackingBus) take() error {
	err := b.err
	b.err = nil
	return err
}

type hd44780Handle struct {
	addr   model.Address
	dev    hd44780i2c.Device
	bus    *trackingBus
	closed bool
}

func (h *hd44780Handle) WriteLine(line int, text string) error {
	if h.closed {
		return Fault(h.addr, ErrClosed)
	}
	if line != 1 && line != 2 {
		return ErrInvalidLine
	}
	h.dev.SetCursor(0, uint8(line-1))
	h.dev.Print(fit(text))
	if err := h.bus.take(); err != nil {
		return Fault(h.addr, err)
	}
	return nil
}

func (h *hd44780Handle) SetBacklight(on bool) error {
	if h.closed {
		return Fault(h.addr, ErrClosed)
	}
	h.dev.BacklightOn(on)
	if err := h.bus.take(); err != nil {
		return Fault(h.addr, err)
	}
	return nil
}

func (h *hd44780Handle) Close() error {
	h.closed = true
	return nil
}
