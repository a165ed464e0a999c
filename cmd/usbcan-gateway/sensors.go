package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-usbcan-gateway/internal/imu"
	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

// startSensors polls the configured IIO devices into the uplink stream after
// the settle delay.
func startSensors(ctx context.Context, cfg *appConfig, uplink wire.Allocator, l *slog.Logger, wg *sync.WaitGroup) int {
	devs := []struct {
		dir string
		dev wire.SensorDevice
	}{
		{cfg.imuAccelDir, wire.Accelerometer},
		{cfg.imuGyroDir, wire.Gyroscope},
	}
	n := 0
	for _, d := range devs {
		if d.dir == "" {
			continue
		}
		s := imu.NewSampler(d.dev, uplink)
		dir, dev := d.dir, d.dev
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cfg.imuSettle > 0 {
				sleepFn(cfg.imuSettle)
			}
			l.Info("imu_start", "dir", dir, "device", dev, "period", cfg.imuPeriod)
			imu.PollIIO(ctx, dir, cfg.imuPeriod, s)
		}()
		n++
	}
	return n
}
