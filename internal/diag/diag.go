// Package diag tracks link congestion for the status indicator.
package diag

import (
	"log/slog"
	"sync/atomic"

	"github.com/kstaniek/go-usbcan-gateway/internal/logging"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
)

// State is the indicator state derived on each Update.
type State int

const (
	Healthy State = iota
	UplinkFull
	DownlinkFull
	BothFull
	UserControlled
)

var stateNames = [...]string{"healthy", "uplink_full", "downlink_full", "both_full", "user_controlled"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// HoldTicks is how long (in ticks, one tick per millisecond) a congestion
// signal stays visible after its last occurrence.
const HoldTicks = 5000

// Indicator collects congestion signals from producers and is updated by the
// main loop. Signal methods are safe from any goroutine.
type Indicator struct {
	uplink   atomic.Uint32
	downlink atomic.Uint32
	user     atomic.Bool

	// main loop only
	last     State
	lastTick uint32
	started  bool
	log      *slog.Logger
}

// New returns a healthy indicator.
func New() *Indicator {
	return &Indicator{log: logging.Component("diag")}
}

// UplinkCongested restarts the uplink-full hold.
func (d *Indicator) UplinkCongested() { d.uplink.Store(HoldTicks) }

// DownlinkCongested restarts the downlink-full hold.
func (d *Indicator) DownlinkCongested() { d.downlink.Store(HoldTicks) }

// setUserControlled freezes the derived state. No downlink record drives it
// yet; Reset hands control back.
func (d *Indicator) setUserControlled(on bool) { d.user.Store(on) }

// Reset clears both holds and returns control from the host.
func (d *Indicator) Reset() {
	d.uplink.Store(0)
	d.downlink.Store(0)
	d.user.Store(false)
}

// decay lowers c by n without going below zero and reports whether any hold
// remains.
func decay(c *atomic.Uint32, n uint32) bool {
	for {
		v := c.Load()
		if v == 0 {
			return false
		}
		next := uint32(0)
		if v > n {
			next = v - n
		}
		if c.CompareAndSwap(v, next) {
			return next > 0
		}
	}
}

// Update advances the holds to tick and returns the current state.
func (d *Indicator) Update(tick uint32) State {
	elapsed := uint32(1)
	if d.started {
		elapsed = tick - d.lastTick
	}
	d.started = true
	d.lastTick = tick

	var s State
	if d.user.Load() {
		s = UserControlled
	} else {
		up := decay(&d.uplink, elapsed)
		down := decay(&d.downlink, elapsed)
		switch {
		case up && down:
			s = BothFull
		case up:
			s = UplinkFull
		case down:
			s = DownlinkFull
		default:
			s = Healthy
		}
	}
	if s != d.last {
		d.log.Debug("diag_state", "from", d.last, "to", s, "tick", tick)
		d.last = s
		metrics.SetDiagState(int(s))
	}
	return s
}

// State returns the state computed by the last Update.
func (d *Indicator) State() State { return d.last }
