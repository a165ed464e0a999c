package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-usbcan-gateway/internal/link"
)

// linkBackend is a constructed host link whose reader has not started yet.
type linkBackend struct {
	ep link.Endpoint
	// start launches the reader; onFatal is called if the link is lost for good.
	start   func(onFatal func(error))
	ready   <-chan struct{}
	addr    func() string
	cleanup func()
}

// initLink builds the configured host link. recv receives whole downlink
// records once start is called.
func initLink(ctx context.Context, cfg *appConfig, recv func([]byte), l *slog.Logger, wg *sync.WaitGroup) (*linkBackend, error) {
	switch cfg.link {
	case "serial":
		return initSerialLink(ctx, cfg, recv, l, wg)
	case "tcp":
		return initTCPLink(ctx, cfg, recv, l, wg)
	default:
		return nil, fmt.Errorf("unknown link %q (use serial|tcp)", cfg.link)
	}
}
