package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-usbcan-gateway/internal/link"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/serial"
)

// sleepFn allows tests to intercept backoff and settle sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialLink opens the serial device carrying the host link. The
// endpoint is usable at once; start launches the RX loop.
func initSerialLink(ctx context.Context, cfg *appConfig, recv func([]byte), l *slog.Logger, wg *sync.WaitGroup) (*linkBackend, error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	ep := serial.NewEndpoint(ctx, sp)
	ready := make(chan struct{})
	close(ready)
	return &linkBackend{
		ep: ep,
		start: func(onFatal func(error)) {
			metrics.SetLinkConnected(true)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := serialRxLoop(ctx, sp, recv, l); err != nil {
					onFatal(err)
				}
			}()
		},
		ready:   ready,
		addr:    func() string { return cfg.serialDev },
		cleanup: func() { _ = sp.Close(); ep.Close(); metrics.SetLinkConnected(false) },
	}, nil
}

// serialRxLoop reads the downlink stream and hands whole records to recv. It
// returns an error only when the device is gone.
func serialRxLoop(ctx context.Context, sp serial.Port, recv func([]byte), l *slog.Logger) error {
	defer l.Info("serial_rx_end")
	var ra link.Reassembler
	buf := make([]byte, serialReadBufSize)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := sp.Read(buf)
		if n > 0 {
			ra.Feed(buf[:n], recv)
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil { // shutting down
				return nil
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				metrics.IncError(metrics.ErrSerialRead)
				return fmt.Errorf("serial link lost: %w", err)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout with no data
			}
			metrics.IncError(metrics.ErrSerialRead)
			l.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}
