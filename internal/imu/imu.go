// Package imu turns three-axis sensor readings into uplink sensor records.
package imu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-usbcan-gateway/internal/fault"
	"github.com/kstaniek/go-usbcan-gateway/internal/logging"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

// Sampler writes readings of one sensor device into the uplink stream.
type Sampler struct {
	dev    wire.SensorDevice
	uplink wire.Allocator
}

// NewSampler returns a sampler for dev.
func NewSampler(dev wire.SensorDevice, uplink wire.Allocator) *Sampler {
	return &Sampler{dev: dev, uplink: uplink}
}

// OnSample records one reading. It reports false when the record was dropped.
func (s *Sampler) OnSample(x, y, z int16) bool {
	if fault.Halted() {
		return false
	}
	if !wire.WriteSensor(s.uplink, wire.SensorSample{Device: s.dev, X: x, Y: y, Z: z}) {
		return false
	}
	metrics.IncSensor()
	return true
}

// iioPrefix maps a device to the Linux IIO channel name prefix.
func iioPrefix(dev wire.SensorDevice) string {
	if dev == wire.Gyroscope {
		return "in_anglvel_"
	}
	return "in_accel_"
}

// readAxis reads one raw IIO channel value.
func readAxis(dir, name string) (int16, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return int16(v), nil
}

// ReadIIO reads the raw x/y/z channels of an IIO device directory.
func ReadIIO(dir string, dev wire.SensorDevice) (x, y, z int16, err error) {
	p := iioPrefix(dev)
	if x, err = readAxis(dir, p+"x_raw"); err != nil {
		return
	}
	if y, err = readAxis(dir, p+"y_raw"); err != nil {
		return
	}
	z, err = readAxis(dir, p+"z_raw")
	return
}

// PollIIO samples an IIO device directory every period until ctx is done.
// Read errors are logged once per failure streak and polling continues.
func PollIIO(ctx context.Context, dir string, period time.Duration, s *Sampler) {
	l := logging.Component("imu").With("dir", dir, "device", s.dev)
	t := time.NewTicker(period)
	defer t.Stop()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		x, y, z, err := ReadIIO(dir, s.dev)
		if err != nil {
			if !failing {
				l.Warn("imu_read_error", "error", err)
				failing = true
			}
			continue
		}
		failing = false
		s.OnSample(x, y, z)
	}
}
