//go:build !linux

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-megacan/internal/bus"
)

func initSocketCANBackend(ctx context.Context, cfg *appConfig, rx rxFunc, l *slog.Logger, wg *sync.WaitGroup) (bus.Sink, func(), error) {
	return nil, func() {}, errors.New("socketcan backend unsupported on this platform")
}
