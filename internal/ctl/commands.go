package ctl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// anyTag as the UID argument waits for the first tag in the field.
const anyTag = "any"

var (
	uidOnce    bool
	dumpBlocks int
)

var uidCmd = &cobra.Command{
	Use:   "uid",
	Short: "Report tags entering the field",
	Long: `Print the UID, manufacturer, model and serial number of every tag the
reader reports. With --once, wait for a single tag and exit.`,
	Args: cobra.NoArgs,
	RunE: runUID,
}

var readCmd = &cobra.Command{
	Use:   "read UID ADDR...",
	Short: "Read blocks from a tag",
	Long: `Read one or more blocks. Addresses are decimal or 0x hex, and ranges
such as 7-9 are expanded. Block 255 is the system block.

Use "any" as the UID to act on the first tag found.`,
	Example: "  cr14ctl -u ws://reader:8080 read d0020d9a12345678 5 6\n  cr14ctl -p /dev/ttyUSB0 read any 0-15",
	Args:    cobra.MinimumNArgs(2),
	RunE:    runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write UID ADDR=HEX...",
	Short: "Write blocks to a tag and verify them",
	Long: `Write one or more blocks. Each block is 4 bytes of hex in storage order.
The reader reads every block back; a mismatch is reported as an error.`,
	Example: "  cr14ctl -u ws://reader:8080 write any 7=ffffffff 8=ffffffff",
	Args:    cobra.MinimumNArgs(2),
	RunE:    runWrite,
}

var dumpCmd = &cobra.Command{
	Use:   "dump UID",
	Short: "Dump the first blocks of a tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

var eraseCmd = &cobra.Command{
	Use:     "erase UID ADDR...",
	Short:   "Reset blocks to ffffffff",
	Example: "  cr14ctl -p /dev/ttyUSB0 erase any 7-9",
	Args:    cobra.MinimumNArgs(2),
	RunE:    runErase,
}

var counterCmd = &cobra.Command{
	Use:   "counter UID",
	Short: "Print the binary counters in blocks 5 and 6",
	Args:  cobra.ExactArgs(1),
	RunE:  runCounter,
}

func init() {
	uidCmd.Flags().BoolVar(&uidOnce, "once", false, "Exit after the first tag")
	dumpCmd.Flags().IntVar(&dumpBlocks, "blocks", 16, "Number of blocks to read from address 0 (16 covers 512-bit tags)")

	rootCmd.AddCommand(uidCmd, readCmd, writeCmd, eraseCmd, dumpCmd, counterCmd)
}

// withClient opens a connection, applies --timeout and runs fn.
func withClient(cmd *cobra.Command, readWrite bool, fn func(c *Client, out io.Writer) error) error {
	conn, connInfo, err := Dial(readWrite)
	if err != nil {
		return err
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(cmd.ErrOrStderr(), "Connection: %s\n", connInfo)

	var expired atomic.Bool
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			expired.Store(true)
			conn.Close()
		})
		defer t.Stop()
	}

	err = fn(NewClient(conn), out)
	if expired.Load() {
		return fmt.Errorf("timed out after %v", timeout)
	}
	return err
}

func resolveUID(c *Client, arg string, stderr io.Writer) (protocol.UID, error) {
	if arg != anyTag {
		return protocol.ParseUID(arg)
	}
	fmt.Fprintln(stderr, "Waiting for a tag")
	uid, err := c.WaitUID()
	if err != nil {
		return uid, err
	}
	fmt.Fprintf(stderr, "UID: %s\n", uid.Colon())
	return uid, nil
}

func runUID(cmd *cobra.Command, args []string) error {
	return withClient(cmd, uidOnce, func(c *Client, out io.Writer) error {
		if uidOnce {
			fmt.Fprintln(cmd.ErrOrStderr(), "Waiting for a tag")
			uid, err := c.WaitUID()
			if err != nil {
				return err
			}
			describeUID(out, uid)
			return nil
		}

		fmt.Fprintln(cmd.ErrOrStderr(), "Exit with control-C")
		for {
			uid, err := c.NextUID()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, ErrSessionClosed) {
					return nil
				}
				return err
			}
			describeUID(out, uid)
			fmt.Fprintln(out)
		}
	})
}

func runRead(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddrs(args[1:])
	if err != nil {
		return err
	}
	return withClient(cmd, true, func(c *Client, out io.Writer) error {
		uid, err := resolveUID(c, args[0], cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		blocks, err := c.ReadBlocks(uid, addrs)
		if err != nil {
			return err
		}
		printBlocks(out, addrs, blocks)
		return nil
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	addrs, data, err := parseWrites(args[1:])
	if err != nil {
		return err
	}
	return withClient(cmd, true, func(c *Client, out io.Writer) error {
		uid, err := resolveUID(c, args[0], cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		got, err := c.WriteBlocks(uid, addrs, data)
		if got != nil {
			printBlocks(out, addrs, got)
		}
		return err
	})
}

func runErase(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddrs(args[1:])
	if err != nil {
		return err
	}
	data := make([]protocol.Block, len(addrs))
	for i := range data {
		data[i] = protocol.Block{0xFF, 0xFF, 0xFF, 0xFF}
	}
	return withClient(cmd, true, func(c *Client, out io.Writer) error {
		uid, err := resolveUID(c, args[0], cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if _, err := c.WriteBlocks(uid, addrs, data); err != nil {
			return err
		}
		fmt.Fprintf(out, "Erased %d blocks\n", len(addrs))
		return nil
	})
}

func runDump(cmd *cobra.Command, args []string) error {
	if dumpBlocks < 1 || dumpBlocks > 256 {
		return fmt.Errorf("--blocks must be between 1 and 256, got %d", dumpBlocks)
	}
	return withClient(cmd, true, func(c *Client, out io.Writer) error {
		uid, err := resolveUID(c, args[0], cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		for start := 0; start < dumpBlocks; start += protocol.MaxCount {
			end := min(start+protocol.MaxCount, dumpBlocks)
			addrs := make([]byte, 0, end-start)
			for a := start; a < end; a++ {
				addrs = append(addrs, byte(a))
			}
			blocks, err := c.ReadBlocks(uid, addrs)
			if err != nil {
				return err
			}
			printBlocks(out, addrs, blocks)
		}
		return nil
	})
}

func runCounter(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(c *Client, out io.Writer) error {
		uid, err := resolveUID(c, args[0], cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		addrs := []byte{5, 6}
		blocks, err := c.ReadBlocks(uid, addrs)
		if err != nil {
			return err
		}
		for i, blk := range blocks {
			fmt.Fprintf(out, "%d counter=%d (%s)\n", addrs[i], binary.LittleEndian.Uint32(blk[:]), blk)
		}
		return nil
	})
}
