package ctl

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
)

// Connection flags, shared by every command.
var (
	portName string
	baudRate int

	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "cr14ctl",
	Short: "Talk to a CR14 tag reader served by cr14d",
	Long: `cr14ctl opens a session on a cr14d reader and reads or writes tags.

Reach the daemon over its WebSocket with --url ws://host:8080, or over the
UART bridge with --port /dev/ttyUSB0. Commands that only watch for tags
open a read-only session; the others take the reader for writing, and fail
while another client holds it.

UIDs are written most significant byte first (d0:02:0d:...). Block data is
given and shown in the order the bytes are stored on the tag.

With --username, the password comes from CR14_PASSWORD or is asked for.`,
	Version:      "1.0.0",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if portName != "" && wsURL != "" {
			return errors.New("--port and --url are mutually exclusive")
		}
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&wsURL, "url", "u", "", "cr14d address, ws://host:port or wss://host:port")
	f.StringVar(&wsUsername, "username", "", "Basic auth user for --url")
	f.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Accept any TLS certificate on wss://")
	f.StringVarP(&portName, "port", "p", "", "Serial port wired to the daemon's UART bridge")
	f.IntVarP(&baudRate, "baud", "b", 115200, "Bridge baud rate")
	f.DurationVarP(&timeout, "timeout", "t", 0, "Give up after this long (0 waits forever)")
}

func Execute() error {
	return rootCmd.Execute()
}
