package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-usbcan-gateway/internal/server"
)

// initTCPLink builds the TCP host link. Nothing listens until start.
func initTCPLink(ctx context.Context, cfg *appConfig, recv func([]byte), l *slog.Logger, wg *sync.WaitGroup) (*linkBackend, error) {
	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithReceive(recv),
		server.WithLogger(l),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	return &linkBackend{
		ep: srv,
		start: func(onFatal func(error)) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Serve(ctx); err != nil {
					onFatal(err)
				}
			}()
		},
		ready: srv.Listening(),
		addr:  srv.Addr,
		cleanup: func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				l.Warn("tcp_shutdown_error", "error", err)
			}
		},
	}, nil
}
