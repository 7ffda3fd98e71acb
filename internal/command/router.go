package command

import (
	"fmt"
	"sync/atomic"

	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/model"
)

// Matrix is the part of *matrix.Matrix the router drives.
type Matrix interface {
	DisplayOnID(lines model.Lines, id string) bool
	DisplayOnNext(lines model.Lines, id string) bool
	DisplayOnNextOrID(lines model.Lines, id string) bool
	DisplayAndShift(lines model.Lines, id string) bool
	Lock(t matrix.Target) bool
	Unlock(t matrix.Target) bool
	Pin(t matrix.Target) bool
	Unpin(t matrix.Target) bool
	SelfTest()
	Exit() error
}

// Observer is told about every message the router sees.
type Observer interface {
	CommandHandled(kind string)
	DecodeFailed()
}

type nopObserver struct{}

func (nopObserver) CommandHandled(string) {}
func (nopObserver) DecodeFailed()         {}

// Router maps each command to exactly one matrix call. It is safe for
// concurrent use; the matrix serializes allocation itself.
type Router struct {
	m   Matrix
	obs Observer

	decodeErrors atomic.Int64
}

// NewRouter returns a router for m. obs may be nil.
func NewRouter(m Matrix, obs Observer) *Router {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Router{m: m, obs: obs}
}

// HandleMessage decodes one line and dispatches it. Malformed messages are
// logged at debug level, counted and otherwise ignored.
func (r *Router) HandleMessage(b []byte) {
	_ = r.Handle(b)
}

// Handle is HandleMessage for callers that can report a decode error, such
// as the HTTP API. The matrix outcome is never reported.
func (r *Router) Handle(b []byte) error {
	c, err := Decode(b)
	if err != nil {
		r.decodeErrors.Add(1)
		r.obs.DecodeFailed()
		appLog.Debug("dropping malformed command", "err", err, "size", len(b))
		return err
	}
	r.Dispatch(c)
	return nil
}

// DecodeErrors returns how many messages were dropped as malformed.
func (r *Router) DecodeErrors() int64 {
	return r.decodeErrors.Load()
}

// Dispatch runs c and reports whether the matrix acted on it. The result is
// for local callers only; nothing is sent back on the wire.
func (r *Router) Dispatch(c Command) bool {
	r.obs.CommandHandled(c.Kind.String())

	switch c.Kind {
	case KindExit:
		if err := r.m.Exit(); err != nil {
			appLog.Error("matrix exit", err)
		}
		return true
	case KindSelfTest:
		r.m.SelfTest()
		return true
	case KindLock:
		return r.m.Lock(c.Target)
	case KindUnlock:
		return r.m.Unlock(c.Target)
	case KindPin:
		return r.m.Pin(c.Target)
	case KindUnpin:
		return r.m.Unpin(c.Target)
	case KindPrint:
		switch c.Strategy {
		case matrix.StrategyOnID:
			return r.m.DisplayOnID(c.Lines, c.ID)
		case matrix.StrategyOnNext:
			return r.m.DisplayOnNext(c.Lines, c.ID)
		case matrix.StrategyOnNextOrID:
			return r.m.DisplayOnNextOrID(c.Lines, c.ID)
		case matrix.StrategyOnShift:
			return r.m.DisplayAndShift(c.Lines, c.ID)
		}
	}
	appLog.Warn("ignoring unroutable command", "command", fmt.Sprintf("%+v", c))
	return false
}
