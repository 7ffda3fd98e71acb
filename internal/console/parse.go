package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"lcdmatrix/internal/command"
	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/model"
)

// Action is what a console line asks for.
type Action int

const (
	ActionNone Action = iota
	ActionSend
	ActionHelp
	ActionQuit
)

// KeepLine in place of a line leaves that line untouched.
const KeepLine = "-"

// ErrUsage is wrapped by every parse error.
var ErrUsage = errors.New("usage")

func usage(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUsage}, args...)...)
}

// Parse turns one console line into a command. In print, a line given as
// "-", or an empty line 1 before "|", is left untouched on the display.
//
//	print <strategy> <id> <line1> [| <line2>]
//	lock|unlock|pin|unpin id <id>
//	lock|unlock|pin|unpin index <n>
//	selftest | exit | help | quit
func Parse(input string) (Action, command.Command, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return ActionNone, command.Command{}, nil
	}

	fields := strings.Fields(input)
	verb := strings.ToLower(fields[0])
	switch verb {
	case "help", "?":
		return ActionHelp, command.Command{}, nil
	case "quit", "q":
		return ActionQuit, command.Command{}, nil
	case "selftest":
		return ActionSend, command.Command{Kind: command.KindSelfTest}, nil
	case "exit":
		return ActionSend, command.Command{Kind: command.KindExit}, nil
	case "lock", "unlock", "pin", "unpin":
		c, err := parseTargeted(verb, fields[1:])
		if err != nil {
			return ActionNone, command.Command{}, err
		}
		return ActionSend, c, nil
	case "print", "p":
		c, err := parsePrint(input)
		if err != nil {
			return ActionNone, command.Command{}, err
		}
		return ActionSend, c, nil
	}
	return ActionNone, command.Command{}, usage("unknown command %q (type 'help')", verb)
}

var targetedKinds = map[string]command.Kind{
	"lock":   command.KindLock,
	"unlock": command.KindUnlock,
	"pin":    command.KindPin,
	"unpin":  command.KindUnpin,
}

func parseTargeted(verb string, args []string) (command.Command, error) {
	if len(args) != 2 {
		return command.Command{}, usage("%s id <id> | %s index <n>", verb, verb)
	}
	kind := targetedKinds[verb]
	switch strings.ToLower(args[0]) {
	case "id":
		return command.Targeted(kind, matrix.ByID(args[1])), nil
	case "index", "idx":
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return command.Command{}, usage("index must be a non-negative integer, got %q", args[1])
		}
		return command.Targeted(kind, matrix.ByIndex(n)), nil
	}
	return command.Command{}, usage("%s id <id> | %s index <n>", verb, verb)
}

func parsePrint(input string) (command.Command, error) {
	// Drop the verb, keep the original spacing of the text.
	rest := strings.TrimSpace(input[len(strings.Fields(input)[0]):])

	strategy, rest := cut(rest)
	id, rest := cut(rest)
	if strategy == "" || id == "" {
		return command.Command{}, usage("print <strategy> <id> <line1> [| <line2>]")
	}
	if !command.ValidStrategy(strategy) {
		return command.Command{}, usage("unknown strategy %q (on_id, on_next, on_next_or_id, on_shift)", strategy)
	}

	var lines model.Lines
	first, second, hasSecond := strings.Cut(rest, "|")
	first = strings.TrimSpace(first)
	if !(hasSecond && first == "") {
		lines[0] = segment(first)
	}
	if hasSecond {
		lines[1] = segment(strings.TrimSpace(second))
	}
	return command.Print(strategy, lines, id), nil
}

// segment maps a bare "-" to nil, meaning "leave this line as it is".
func segment(s string) *string {
	if s == KeepLine {
		return nil
	}
	return &s
}

func cut(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
