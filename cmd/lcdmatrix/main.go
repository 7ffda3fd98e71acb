package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "/etc/lcdmatrix/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lcdmatrix",
		Short: "Route text streams onto a matrix of 1602 LCDs",
		Long: `lcdmatrix drives a set of HD44780 1602 character displays on one I2C bus
and routes incoming text updates onto them.

Clients connect over TCP, write one JSON command per line and finish
with an empty line. Nothing is ever written back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		sendCmd(),
		consoleCmd(),
		versionCmd(),
	)
	return rootCmd
}
