package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lcdmatrix/internal/command"
	"lcdmatrix/internal/console"
	"lcdmatrix/internal/sender"
)

func sendCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <command...>",
		Short: "Send one command to a running matrix",
		Long: `Send one command and exit. The command uses the console syntax:

  lcdmatrix send print on_next value "Some Value | 19"
  lcdmatrix send lock index 0
  lcdmatrix send unlock id printer
  lcdmatrix send selftest`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseSendArgs(args)
			if err != nil {
				return err
			}
			client := sender.New(addr)
			client.SetTimeout(timeout)
			if err := client.Send(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", c.Kind, client.Addr())
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1", "Matrix address (host[:port], port defaults to 80)")
	cmd.Flags().DurationVar(&timeout, "timeout", sender.DefaultTimeout, "Dial and write timeout")
	return cmd
}

func consoleCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive prompt for a running matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sender.New(addr)
			c, err := console.New(client, client.Addr())
			if err != nil {
				return err
			}
			c.Run(cmd.Context())
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1", "Matrix address (host[:port], port defaults to 80)")
	return cmd
}

// parseSendArgs joins the arguments and reads them as one console line.
func parseSendArgs(args []string) (command.Command, error) {
	action, c, err := console.Parse(strings.Join(args, " "))
	if err != nil {
		return c, err
	}
	if action != console.ActionSend {
		return c, errors.New("nothing to send")
	}
	return c, nil
}
