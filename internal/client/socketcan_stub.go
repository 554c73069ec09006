//go:build !linux

package client

import (
	"context"
	"errors"
)

// DialSocketCAN is only available on linux.
func DialSocketCAN(context.Context, string) (Conn, error) {
	return nil, errors.New("client: socketcan is only supported on linux")
}
