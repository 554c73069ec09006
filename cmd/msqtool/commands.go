package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-megacan/internal/client"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func parseTable(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || v > msproto.MaxTable {
		return 0, fmt.Errorf("invalid table %q (0..%d)", s, msproto.MaxTable)
	}
	return uint8(v), nil
}

func parseOffset(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil || v > msproto.MaxOffset {
		return 0, fmt.Errorf("invalid offset %q (0..%d)", s, msproto.MaxOffset)
	}
	return uint16(v), nil
}

// parseHex accepts "0a0b", "0a 0b" and "0a:0b".
func parseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
	}
	return b, nil
}

func newSignatureCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signature",
		Short: "Print the device signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				s, err := c.Signature(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func newRevisionCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revision",
		Short: "Print the device revision string",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				s, err := c.Revision(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func newProtocolCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "protocol",
		Short: "Negotiate the protocol version and blocking factors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				p, err := c.Protocol(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d table_blocking_factor=%d write_blocking_factor=%d\n",
					p.Version, p.TableBlockingFactor, p.WriteBlockingFactor)
				return nil
			})
		},
	}
}

func newReadCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <table> <offset> <length>",
		Short: "Read table bytes and print them as hex",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseTable(args[0])
			if err != nil {
				return err
			}
			off, err := parseOffset(args[1])
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(args[2])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid length %q", args[2])
			}
			return o.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				b, err := c.Read(ctx, table, off, n)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(b))
				return nil
			})
		},
	}
}

func newWriteCmd(o *rootOptions) *cobra.Command {
	var burn bool
	cmd := &cobra.Command{
		Use:   "write <table> <offset> <hex>",
		Short: "Write bytes to a table",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseTable(args[0])
			if err != nil {
				return err
			}
			off, err := parseOffset(args[1])
			if err != nil {
				return err
			}
			data, err := parseHex(args[2])
			if err != nil {
				return err
			}
			return o.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Write(ctx, table, off, data); err != nil {
					return err
				}
				if !burn {
					return nil
				}
				return burnTable(ctx, cmd, c, table)
			})
		},
	}
	cmd.Flags().BoolVar(&burn, "burn", false, "burn the table after writing")
	return cmd
}

func burnTable(ctx context.Context, cmd *cobra.Command, c *client.Client, table uint8) error {
	ok, err := c.Burn(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("device rejected the burn")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "table %d burned\n", table)
	return nil
}

func newBurnCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "burn <table>",
		Short: "Persist a table to flash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseTable(args[0])
			if err != nil {
				return err
			}
			return o.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				return burnTable(ctx, cmd, c, table)
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "msqtool %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
