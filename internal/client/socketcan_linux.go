//go:build linux

package client

import (
	"context"
	"errors"
	"fmt"

	"go.einride.tech/can/pkg/socketcan"

	"github.com/kstaniek/go-megacan/internal/can"
)

// DialSocketCAN opens a raw CAN socket on iface.
func DialSocketCAN(ctx context.Context, iface string) (Conn, error) {
	nc, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("client: socketcan dial %s: %w", iface, err)
	}
	tx := socketcan.NewTransmitter(nc)
	rx := socketcan.NewReceiver(nc)
	read := func() (can.Frame, error) {
		for rx.Receive() {
			if rx.HasErrorFrame() {
				continue
			}
			return can.FromEinride(rx.Frame()), nil
		}
		if err := rx.Err(); err != nil {
			return can.Frame{}, err
		}
		return can.Frame{}, errors.New("socketcan: receiver stopped")
	}
	send := func(ctx context.Context, fr can.Frame) error {
		return tx.TransmitFrame(ctx, fr.Einride())
	}
	return newStreamConn(read, send, nc.Close), nil
}
