// Package console is an interactive prompt that sends commands to a running
// matrix.
package console

import (
	"context"
	"fmt"
	"io"

	"github.com/chzyer/readline"

	"lcdmatrix/internal/command"
)

// Sender delivers a command; *sender.Client implements it.
type Sender interface {
	Send(ctx context.Context, c command.Command) error
}

// Console handles interactive mode.
type Console struct {
	sender Sender
	target string
	rl     *readline.Instance
}

// New creates a console sending to target through s.
func New(s Sender, target string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lcdmatrix> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{sender: s, target: target, rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads lines until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context) {
	defer c.rl.Close()

	fmt.Fprintf(c.rl.Stdout(), "Connected to %s. Type 'help' for commands.\n", c.target)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}
		if quit := Execute(ctx, c.sender, c.rl.Stdout(), line); quit {
			return
		}
	}
}

// Execute runs one console line and reports whether the console should
// stop.
func Execute(ctx context.Context, s Sender, out io.Writer, line string) bool {
	action, cmd, err := Parse(line)
	if err != nil {
		fmt.Fprintln(out, err)
		return false
	}

	switch action {
	case ActionHelp:
		printHelp(out)
	case ActionQuit:
		fmt.Fprintln(out, "Bye.")
		return true
	case ActionSend:
		if err := s.Send(ctx, cmd); err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "sent %s\n", cmd.Kind)
	}
	return false
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, `
Commands:
  print <strategy> <id> <line1> [| <line2>]
                       - show text; strategy is on_id, on_next, on_next_or_id or on_shift.
                         A line given as "-" is left as it is.
  lock id <id>         - keep the display bound to <id> out of rotation
  lock index <n>       - same, by slot index
  unlock id|index ...  - return a display to rotation
  pin id|index ...     - keep a display out of shifting
  unpin id|index ...   - return a display to the shift chain
  selftest             - show address and location on every display
  exit                 - power off every display
  help                 - this text
  quit                 - leave the console

Nothing is acknowledged; "sent" only means the command left this host.`)
}
