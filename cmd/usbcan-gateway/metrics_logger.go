package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"can_rx", snap.CANRx,
					"can_tx", snap.CANTx,
					"uplink_batches", snap.Batches,
					"uplink_bytes", snap.UplinkBytes,
					"uplink_drops", snap.UplinkDrops,
					"uplink_pending", snap.Pending,
					"sensor", snap.Sensor,
					"downlink", snap.Downlink,
					"downlink_drops", snap.DownlinkDrops,
					"connects", snap.Connects,
					"malformed", snap.Malformed,
					"halts", snap.Halts,
					"diag_state", snap.DiagState,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
