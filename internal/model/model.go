package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Columns is the fixed character width of a 1602 display line.
const Columns = 16

// Address is the 7-bit I2C address of one PCF8574 backpack.
type Address uint8

// Vendor address window of the PCF8574 expander (A0..A2 jumpers).
const (
	MinAddress Address = 0x20
	MaxAddress Address = 0x27
)

// Valid reports whether a falls inside the vendor address window.
func (a Address) Valid() bool {
	return a >= MinAddress && a <= MaxAddress
}

func (a Address) String() string {
	return fmt.Sprintf("0x%02x", uint8(a))
}

// MarshalYAML writes the address as a hex integer so config files read the
// way the jumpers are labelled.
func (a Address) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: a.String()}, nil
}

// Position is the grid coordinate of a display. It is a lookup key only.
type Position struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

// Lines is a two-line update. A nil entry means "leave this line as it is".
type Lines [2]*string

// Text returns a Lines value that sets both lines.
func Text(line1, line2 string) Lines {
	return Lines{&line1, &line2}
}

// Line returns a Lines value that only touches line n (1 or 2).
func Line(n int, text string) Lines {
	var l Lines
	if n == 1 || n == 2 {
		l[n-1] = &text
	}
	return l
}

// Merge overlays the non-nil entries of l on base.
func (l Lines) Merge(base [2]string) [2]string {
	out := base
	for i, s := range l {
		if s != nil {
			out[i] = *s
		}
	}
	return out
}

// Full converts rendered content back into an update that sets both lines.
func Full(lines [2]string) Lines {
	return Text(lines[0], lines[1])
}
