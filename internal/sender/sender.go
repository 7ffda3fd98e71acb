// Package sender is the client side of the command channel. Each command
// goes out on its own connection, followed by the empty end-of-messages
// line, and nothing is read back.
package sender

import (
	"context"
	"fmt"
	"net"
	"time"

	"lcdmatrix/internal/command"
	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/model"
)

// DefaultTimeout bounds dial plus write.
const DefaultTimeout = 5 * time.Second

// Client sends commands to one matrix.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// New returns a client for addr ("host:port"). A missing port means 80.
func New(addr string) *Client {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "80")
	}
	return &Client{addr: addr, timeout: DefaultTimeout}
}

// SetTimeout changes the per-command deadline.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Addr returns the target address.
func (c *Client) Addr() string { return c.addr }

// Send encodes cmd and delivers it. A nil error only means the bytes left
// this host.
func (c *Client) Send(ctx context.Context, cmd command.Command) error {
	return c.SendBatch(ctx, cmd)
}

// SendBatch delivers several commands over a single connection.
func (c *Client) SendBatch(ctx context.Context, cmds ...command.Command) error {
	var buf []byte
	for _, cmd := range cmds {
		b, err := command.Encode(cmd)
		if err != nil {
			return err
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}
	buf = append(buf, '\n')

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("sender: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("sender: write %s: %w", c.addr, err)
	}
	appLog.Debug("commands sent", "addr", c.addr, "count", len(cmds), "bytes", len(buf))
	return nil
}

// Print sends lines with the given strategy.
func (c *Client) Print(ctx context.Context, strategy string, lines model.Lines, id string) error {
	return c.Send(ctx, command.Print(strategy, lines, id))
}

func (c *Client) LockByID(ctx context.Context, id string) error {
	return c.Send(ctx, command.Targeted(command.KindLock, matrix.ByID(id)))
}

func (c *Client) LockByIndex(ctx context.Context, index int) error {
	return c.Send(ctx, command.Targeted(command.KindLock, matrix.ByIndex(index)))
}

func (c *Client) UnlockByID(ctx context.Context, id string) error {
	return c.Send(ctx, command.Targeted(command.KindUnlock, matrix.ByID(id)))
}

func (c *Client) UnlockByIndex(ctx context.Context, index int) error {
	return c.Send(ctx, command.Targeted(command.KindUnlock, matrix.ByIndex(index)))
}

func (c *Client) SelfTest(ctx context.Context) error {
	return c.Send(ctx, command.Command{Kind: command.KindSelfTest})
}

func (c *Client) Exit(ctx context.Context) error {
	return c.Send(ctx, command.Command{Kind: command.KindExit})
}
