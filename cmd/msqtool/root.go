package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-megacan/internal/client"
	"github.com/kstaniek/go-megacan/internal/logging"
)

type rootOptions struct {
	iface    string
	connect  string
	target   uint8
	hostID   uint8
	timeout  time.Duration
	logLevel string
}

// open attaches to the bus: a cannelloni endpoint when --connect is set,
// otherwise the SocketCAN interface.
func (o *rootOptions) open(ctx context.Context) (client.Conn, error) {
	if o.connect != "" {
		return client.DialCannelloni(ctx, o.connect, o.timeout)
	}
	return client.DialSocketCAN(ctx, o.iface)
}

// withClient opens the bus, runs fn and closes the bus.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	c := client.New(conn, o.target,
		client.WithHostID(o.hostID),
		client.WithTimeout(o.timeout),
		client.WithLogger(logging.L()))
	return fn(ctx, c)
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "msqtool",
		Short:         "msqtool talks to Megasquirt CAN devices",
		Long:          `Reads, writes and burns tables and queries identity and protocol information of a Megasquirt device over SocketCAN or a cannelloni TCP endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if o.target > 15 || o.hostID > 15 {
				return fmt.Errorf("device ids are 0..15")
			}
			logging.Set(logging.New("text", logging.ParseLevel(o.logLevel), cmd.ErrOrStderr()))
			return nil
		},
	}
	f := root.PersistentFlags()
	f.StringVarP(&o.iface, "iface", "i", "can0", "SocketCAN interface")
	f.StringVarP(&o.connect, "connect", "c", "", "cannelloni endpoint host:port (overrides --iface)")
	f.Uint8VarP(&o.target, "target", "t", 1, "target device id")
	f.Uint8Var(&o.hostID, "host-id", 0, "id replies are addressed to")
	f.DurationVar(&o.timeout, "timeout", client.DefaultTimeout, "per-request timeout")
	f.StringVar(&o.logLevel, "log-level", "warn", "log level: debug|info|warn|error")

	root.AddCommand(
		newSignatureCmd(o),
		newRevisionCmd(o),
		newProtocolCmd(o),
		newReadCmd(o),
		newWriteCmd(o),
		newBurnCmd(o),
		newDumpCmd(o),
		newVersionCmd(),
	)
	return root
}
