// Package link is the host-link device: it owns the uplink batch buffer,
// hands completed batches to the endpoint and dispatches received downlink
// packets.
package link

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/kstaniek/go-usbcan-gateway/internal/batch"
	"github.com/kstaniek/go-usbcan-gateway/internal/fault"
	"github.com/kstaniek/go-usbcan-gateway/internal/logging"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

// ErrEndpointBusy is returned by an endpoint asked to transmit while a
// previous packet is still in flight.
var ErrEndpointBusy = errors.New("link: endpoint busy")

// Endpoint is the packet transport to the host.
type Endpoint interface {
	// Ready reports that no packet is in flight and a host is attached.
	Ready() bool
	// Transmit queues a copy of p without blocking.
	Transmit(p []byte) error
}

// Diag receives uplink congestion and connect resets.
type Diag interface {
	UplinkCongested()
	Reset()
}

// Flusher discards queued downlink frames.
type Flusher interface {
	Flush() int
}

// Config tunes connect handling.
type Config struct {
	// FlushDownlinkOnConnect also discards frames waiting in the downlink
	// frame queues when a connect command is processed.
	FlushDownlinkOnConnect bool
}

// Cdc binds the uplink buffer and the downlink dispatcher to one endpoint.
type Cdc struct {
	cfg        Config
	ep         Endpoint
	diag       Diag
	up         *batch.Buffer
	disp       wire.Dispatcher
	flushers   []Flusher
	connecting atomic.Bool
	log        *slog.Logger
}

// New builds the link device. Register downlink handlers and flushers before
// any producer goroutine starts.
func New(cfg Config, ep Endpoint, d Diag) *Cdc {
	c := &Cdc{cfg: cfg, ep: ep, diag: d, log: logging.Component("link")}
	c.up = batch.New(c.onUplinkFull)
	c.disp.Register(wire.DownlinkControl, wire.HandlerFunc(c.handleControl))
	c.disp.OnRecord(func(wire.DownlinkID) { metrics.IncDownlink() })
	return c
}

// Uplink returns the buffer producers write records into.
func (c *Cdc) Uplink() *batch.Buffer { return c.up }

// Register routes downlink records with the given id to h.
func (c *Cdc) Register(id wire.DownlinkID, h wire.Handler) { c.disp.Register(id, h) }

// AddFlusher registers a downlink queue cleared on connect when configured.
func (c *Cdc) AddFlusher(f Flusher) { c.flushers = append(c.flushers, f) }

// Connecting reports a connect command not yet processed by TryTransmit.
func (c *Cdc) Connecting() bool { return c.connecting.Load() }

func (c *Cdc) onUplinkFull() {
	metrics.IncUplinkDrop()
	if c.diag != nil {
		c.diag.UplinkCongested()
	}
}

func (c *Cdc) handleControl(r *wire.Reader) error {
	cmd, err := r.ReadControl()
	if err != nil {
		return err
	}
	switch cmd {
	case wire.CommandConnect:
		c.connecting.Store(true)
	}
	return nil
}

// OnReceive dispatches one downlink packet. A packet that cannot be framed
// halts the device.
func (c *Cdc) OnReceive(packet []byte) {
	if fault.Halted() {
		return
	}
	if err := c.disp.Dispatch(packet); err != nil {
		metrics.IncMalformed()
		fault.Check(err)
	}
}

// TryTransmit hands the oldest ready batch to the endpoint. It reports false
// when the endpoint is busy, nothing is ready, or a connect was processed
// instead.
func (c *Cdc) TryTransmit() bool {
	if fault.Halted() || !c.ep.Ready() {
		return false
	}
	if c.connecting.CompareAndSwap(true, false) {
		c.connect()
		return false
	}
	bt := c.up.PopReady()
	if bt == nil {
		return false
	}
	p := bt.Bytes()
	if err := c.ep.Transmit(p); err != nil {
		// The batch stays sealed at the head and is retried next iteration.
		if errors.Is(err, ErrEndpointBusy) {
			metrics.IncError(metrics.ErrLinkBusy)
		} else {
			c.log.Warn("link_transmit_error", "error", err)
		}
		return false
	}
	metrics.AddUplinkBatch(len(p))
	c.up.Reset(bt)
	return true
}

func (c *Cdc) connect() {
	if !c.up.Clear() {
		// A producer is mid-write; finish the connect on a later iteration.
		c.connecting.Store(true)
		return
	}
	if c.diag != nil {
		c.diag.Reset()
	}
	flushed := 0
	if c.cfg.FlushDownlinkOnConnect {
		for _, f := range c.flushers {
			flushed += f.Flush()
		}
	}
	metrics.IncConnect()
	c.log.Info("link_connect", "flushed_frames", flushed)
}
