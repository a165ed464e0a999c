// Package gateway runs the cooperative main loop that moves uplink batches
// to the host and downlink frames to the CAN controllers.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-usbcan-gateway/internal/diag"
	"github.com/kstaniek/go-usbcan-gateway/internal/fault"
	"github.com/kstaniek/go-usbcan-gateway/internal/logging"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
)

// Transmitter is the link side of the loop.
type Transmitter interface {
	TryTransmit() bool
}

// Pump is one controller's transmit side.
type Pump interface {
	Pump() bool
}

// Pending reports queued uplink batches for the loop gauge.
type Pending interface {
	Pending() int
}

// sleepFn allows tests to observe idle sleeps.
var sleepFn = time.Sleep

// Gateway interleaves the link with every controller pump.
type Gateway struct {
	link    Transmitter
	pumps   []Pump
	diag    *diag.Indicator
	uplink  Pending
	idle    time.Duration
	start   time.Time
	lastTck uint32
	log     *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithIdleSleep sets the pause taken after an iteration that moved nothing.
func WithIdleSleep(d time.Duration) Option { return func(g *Gateway) { g.idle = d } }

// WithDiag attaches the indicator updated once per millisecond tick.
func WithDiag(d *diag.Indicator) Option { return func(g *Gateway) { g.diag = d } }

// WithUplinkGauge samples the uplink backlog into metrics on each tick.
func WithUplinkGauge(p Pending) Option { return func(g *Gateway) { g.uplink = p } }

// New builds the loop. All producers must be wired before Run.
func New(link Transmitter, pumps []Pump, opts ...Option) *Gateway {
	g := &Gateway{
		link:  link,
		pumps: pumps,
		idle:  100 * time.Microsecond,
		log:   logging.Component("gateway"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Step runs one round: the link gets a transmit attempt before every
// controller pump and once more at the end. It reports whether anything moved.
func (g *Gateway) Step() bool {
	progress := false
	for _, p := range g.pumps {
		if g.link.TryTransmit() {
			progress = true
		}
		if p.Pump() {
			progress = true
		}
	}
	if g.link.TryTransmit() {
		progress = true
	}
	return progress
}

// tick returns milliseconds since Run started, wrapping at 2^32.
func (g *Gateway) tick() uint32 { return uint32(time.Since(g.start).Milliseconds()) }

// Run loops until ctx is done or the device halts. A halt is returned as an
// error wrapping fault.ErrHalted.
func (g *Gateway) Run(ctx context.Context) error {
	g.start = time.Now()
	g.log.Info("gateway_run", "pumps", len(g.pumps), "idle_sleep", g.idle)
	for {
		if fault.Halted() {
			s, _ := fault.Latched()
			return fmt.Errorf("%w: %s", fault.ErrHalted, s)
		}
		select {
		case <-ctx.Done():
			g.log.Info("gateway_stop")
			return nil
		default:
		}
		moved := g.Step()
		if t := g.tick(); t != g.lastTck {
			g.lastTck = t
			if g.diag != nil {
				g.diag.Update(t)
			}
			if g.uplink != nil {
				metrics.SetUplinkPending(g.uplink.Pending())
			}
		}
		if !moved && g.idle > 0 {
			sleepFn(g.idle)
		}
	}
}
