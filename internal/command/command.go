// Package command is the wire model of the control channel: one JSON object
// per line, never acknowledged.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/model"
)

// ErrDecode is wrapped by every DecodeError.
var ErrDecode = errors.New("command: decode failed")

// DecodeError describes why a message was rejected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command: %s: %v", e.Reason, e.Err)
	}
	return "command: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// Message is the JSON object exchanged on the wire. Unknown keys are ignored.
type Message struct {
	Exit     bool   `json:"exit,omitempty"`
	SelfTest bool   `json:"selftest,omitempty"`
	Lock     bool   `json:"lock,omitempty"`
	Unlock   bool   `json:"unlock,omitempty"`
	Pin      bool   `json:"pin,omitempty"`
	Unpin    bool   `json:"unpin,omitempty"`
	Print    string `json:"print,omitempty"`
	Data     *Data  `json:"data,omitempty"`
}

// Data carries the arguments of lock-style and print commands.
type Data struct {
	Lines []*string `json:"lines,omitempty"`
	ID    *string   `json:"id,omitempty"`
	Index *int      `json:"index,omitempty"`
}

// Kind selects the matrix operation.
type Kind int

const (
	KindPrint Kind = iota
	KindExit
	KindSelfTest
	KindLock
	KindUnlock
	KindPin
	KindUnpin
)

var kindNames = map[Kind]string{
	KindPrint:    "print",
	KindExit:     "exit",
	KindSelfTest: "selftest",
	KindLock:     "lock",
	KindUnlock:   "unlock",
	KindPin:      "pin",
	KindUnpin:    "unpin",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Command is one decoded message.
type Command struct {
	Kind Kind

	// Print only.
	Strategy string
	Lines    model.Lines
	ID       string

	// Lock, Unlock, Pin and Unpin only.
	Target matrix.Target
}

// Print builds a print command.
func Print(strategy string, lines model.Lines, id string) Command {
	return Command{Kind: KindPrint, Strategy: strategy, Lines: lines, ID: id}
}

// Targeted builds a lock, unlock, pin or unpin command.
func Targeted(kind Kind, t matrix.Target) Command {
	return Command{Kind: kind, Target: t}
}

// ValidStrategy reports whether s names an allocation strategy.
func ValidStrategy(s string) bool {
	switch s {
	case matrix.StrategyOnID, matrix.StrategyOnNext, matrix.StrategyOnNextOrID, matrix.StrategyOnShift:
		return true
	}
	return false
}

// Decode parses one line. When several flags are set the first of exit,
// selftest, lock, unlock, pin, unpin, print wins.
func Decode(b []byte) (Command, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Command{}, decodeErr("invalid json", err)
	}
	return FromMessage(msg)
}

// FromMessage validates a message and turns it into a Command.
func FromMessage(msg Message) (Command, error) {
	switch {
	case msg.Exit:
		return Command{Kind: KindExit}, nil
	case msg.SelfTest:
		return Command{Kind: KindSelfTest}, nil
	case msg.Lock:
		return targeted(KindLock, msg.Data)
	case msg.Unlock:
		return targeted(KindUnlock, msg.Data)
	case msg.Pin:
		return targeted(KindPin, msg.Data)
	case msg.Unpin:
		return targeted(KindUnpin, msg.Data)
	case msg.Print != "":
		return printCommand(msg.Print, msg.Data)
	}
	return Command{}, decodeErr("no command", nil)
}

func targeted(kind Kind, d *Data) (Command, error) {
	if d == nil || (d.ID == nil && d.Index == nil) {
		return Command{}, decodeErr(kind.String()+" needs data.id or data.index", nil)
	}
	t := matrix.Target{}
	if d.ID != nil {
		id := *d.ID
		t.ID = &id
	}
	if d.Index != nil {
		i := *d.Index
		t.Index = &i
	}
	return Targeted(kind, t), nil
}

func printCommand(strategy string, d *Data) (Command, error) {
	if !ValidStrategy(strategy) {
		return Command{}, decodeErr(fmt.Sprintf("unknown print strategy %q", strategy), nil)
	}
	if d == nil {
		return Command{}, decodeErr("print needs data", nil)
	}
	if len(d.Lines) != 2 {
		return Command{}, decodeErr(fmt.Sprintf("print needs exactly 2 lines, got %d", len(d.Lines)), nil)
	}
	if d.ID == nil {
		return Command{}, decodeErr("print needs data.id", nil)
	}
	var lines model.Lines
	for i, s := range d.Lines {
		if s != nil {
			v := *s
			lines[i] = &v
		}
	}
	return Print(strategy, lines, *d.ID), nil
}

// ToMessage is the inverse of FromMessage.
func ToMessage(c Command) (Message, error) {
	switch c.Kind {
	case KindExit:
		return Message{Exit: true}, nil
	case KindSelfTest:
		return Message{SelfTest: true}, nil
	case KindLock, KindUnlock, KindPin, KindUnpin:
		if c.Target.ID == nil && c.Target.Index == nil {
			return Message{}, fmt.Errorf("command: %s without target", c.Kind)
		}
		msg := Message{Data: &Data{ID: c.Target.ID, Index: c.Target.Index}}
		switch c.Kind {
		case KindLock:
			msg.Lock = true
		case KindUnlock:
			msg.Unlock = true
		case KindPin:
			msg.Pin = true
		default:
			msg.Unpin = true
		}
		return msg, nil
	case KindPrint:
		if !ValidStrategy(c.Strategy) {
			return Message{}, fmt.Errorf("command: unknown print strategy %q", c.Strategy)
		}
		id := c.ID
		return Message{
			Print: c.Strategy,
			Data:  &Data{Lines: []*string{c.Lines[0], c.Lines[1]}, ID: &id},
		}, nil
	}
	return Message{}, fmt.Errorf("command: unknown kind %s", c.Kind)
}

// Encode renders c as one JSON object without a trailing newline.
func Encode(c Command) ([]byte, error) {
	msg, err := ToMessage(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
