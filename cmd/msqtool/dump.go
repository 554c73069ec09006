package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

// describe renders a frame in candump notation followed by its decoded
// Megasquirt header or realtime group.
func describe(fr can.Frame) string {
	if fr.IsExtended() {
		h := msproto.DecodeHeader(fr.ID())
		return fmt.Sprintf("%-28s %s", fr.String(), h)
	}
	if id := fr.ID(); id >= msproto.BroadcastBaseID && id < msproto.BroadcastBaseID+32 {
		return fmt.Sprintf("%-28s rt group %d", fr.String(), id-msproto.BroadcastBaseID)
	}
	return fr.String()
}

func dumpFrames(ctx context.Context, w io.Writer, recv func(context.Context) (can.Frame, error), count int) error {
	for n := 0; count <= 0 || n < count; n++ {
		fr, err := recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintln(w, describe(fr))
	}
	return nil
}

func newDumpCmd(o *rootOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print bus traffic with decoded headers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			conn, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			return dumpFrames(ctx, cmd.OutOrStdout(), conn.Receive, count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after n frames (0 = until interrupted)")
	return cmd
}
