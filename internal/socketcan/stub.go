//go:build !linux

package socketcan

import "errors"

// ErrTxOverflow lets bus error classification compile on every platform.
var ErrTxOverflow = errors.New("socketcan tx overflow")
