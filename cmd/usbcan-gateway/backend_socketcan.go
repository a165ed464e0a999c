package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-usbcan-gateway/internal/can"
	"github.com/kstaniek/go-usbcan-gateway/internal/canhw"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/socketcan"
	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// canChannel is one CAN controller bound to a SocketCAN interface.
type canChannel struct {
	iface string
	dev   socketcan.Dev
	port  *socketcan.Port
	ctrl  *canhw.Controller
}

// initControllers opens one controller per configured interface, in wire
// channel order. On error every channel opened so far is closed.
func initControllers(ctx context.Context, cfg *appConfig, uplink wire.Allocator, cong canhw.Congestion, l *slog.Logger) ([]*canChannel, func(), error) {
	var chans []*canChannel
	cleanup := func() {
		for _, ch := range chans {
			_ = ch.port.Close()
		}
	}
	for i, iface := range cfg.canIfs {
		dev, err := openSocketCANDevice(iface)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("socketcan open %s: %w", iface, err)
		}
		port := socketcan.NewPort(ctx, dev, cfg.canTxSlots)
		ctrl, err := canhw.New(canhw.Config{Name: iface, Channel: i, FilterBank: 2 * i}, port, uplink, cong)
		if err != nil {
			_ = port.Close()
			cleanup()
			return nil, func() {}, err
		}
		port.SetPendingHandler(ctrl.OnRxPending)
		l.Info("socketcan_open", "if", iface, "channel", i+1, "tx_slots", cfg.canTxSlots)
		chans = append(chans, &canChannel{iface: iface, dev: dev, port: port, ctrl: ctrl})
	}
	return chans, cleanup, nil
}

// startCANRx launches the receive loop of ch. Each kernel frame is delivered
// to the port, which raises the controller's receive notification.
func startCANRx(ctx context.Context, ch *canChannel, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end", "if", ch.iface)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := ch.dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "if", ch.iface, "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
				continue
			}
			ch.port.Deliver(fr)
			backoff = rxBackoffMin
		}
	}()
}
