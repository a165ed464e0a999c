package canhw

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-usbcan-gateway/internal/fault"
	"github.com/kstaniek/go-usbcan-gateway/internal/logging"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/ring"
	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

// QueueSize is the per-controller downlink frame queue capacity.
const QueueSize = 16

// ErrRxEmpty is reported when a receive notification finds the FIFO empty.
var ErrRxEmpty = errors.New("canhw: rx fifo empty on pending notification")

// Filter is one mask filter routing matches to RX FIFO 0. A zero Mask
// accepts every identifier of the given kind.
type Filter struct {
	Index    int
	Extended bool
	ID       uint32
	Mask     uint32
}

// Port is the narrow register-level view of one CAN controller.
type Port interface {
	// ReadRx returns the oldest RX FIFO element and its get index.
	ReadRx() (Element, uint32, bool)
	// AckRx releases the FIFO slot at index.
	AckRx(index uint32)
	TxFreeSlots() int
	// WriteTx places e in the next free TX slot and requests transmission.
	WriteTx(e Element) error
	ConfigureFilter(f Filter) error
	Start() error
	EnableRxNotification() error
}

// Congestion receives the downlink-full signal.
type Congestion interface {
	DownlinkCongested()
}

// Config selects a controller's wire channel and filter bank.
type Config struct {
	Name       string
	Channel    int // 0-based; CAN1 is 0
	FilterBank int
}

// Controller binds one hardware port to the uplink stream and its downlink
// frame queue. OnRxPending and HandleDownlink run on producer goroutines;
// Pump and Flush belong to the main loop.
type Controller struct {
	name   string
	port   Port
	uplink wire.Allocator
	upID   wire.UplinkID
	downID wire.DownlinkID
	txq    *ring.Ring[Element]
	cong   Congestion
	log    *slog.Logger
}

// New configures two accept-all filters (standard and extended), starts the
// port and arms the receive notification.
func New(cfg Config, port Port, uplink wire.Allocator, cong Congestion) (*Controller, error) {
	if cfg.Channel < 0 || cfg.Channel >= wire.CANChannels {
		return nil, fmt.Errorf("canhw: channel %d out of range", cfg.Channel)
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("can%d", cfg.Channel+1)
	}
	c := &Controller{
		name:   cfg.Name,
		port:   port,
		uplink: uplink,
		upID:   wire.UplinkCAN(cfg.Channel),
		downID: wire.DownlinkCAN(cfg.Channel),
		txq:    ring.New[Element](QueueSize),
		cong:   cong,
		log:    logging.Component("canhw").With("can", cfg.Name),
	}
	for _, f := range []Filter{
		{Index: cfg.FilterBank},
		{Index: cfg.FilterBank + 1, Extended: true},
	} {
		if err := port.ConfigureFilter(f); err != nil {
			return nil, fmt.Errorf("%s: configure filter %d: %w", cfg.Name, f.Index, err)
		}
	}
	if err := port.Start(); err != nil {
		return nil, fmt.Errorf("%s: start: %w", cfg.Name, err)
	}
	if err := port.EnableRxNotification(); err != nil {
		return nil, fmt.Errorf("%s: enable rx notification: %w", cfg.Name, err)
	}
	c.log.Info("can_open", "uplink_id", c.upID, "downlink_id", c.downID)
	return c, nil
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// DownlinkID returns the wire id this controller accepts frames on.
func (c *Controller) DownlinkID() wire.DownlinkID { return c.downID }

// QueueLen returns the number of frames waiting for a TX slot.
func (c *Controller) QueueLen() int { return c.txq.Len() }

// OnRxPending moves the oldest received frame into the uplink stream. The
// FIFO slot is released whether or not the record fit.
func (c *Controller) OnRxPending() bool {
	if fault.Halted() {
		return false
	}
	e, idx, ok := c.port.ReadRx()
	if !ok {
		fault.Check(fmt.Errorf("%s: %w", c.name, ErrRxEmpty))
		return false
	}
	rec := DecodeRx(e)
	written := wire.WriteCAN(c.uplink, c.upID, &rec)
	c.port.AckRx(idx)
	if written {
		metrics.IncCANRx()
	}
	return written
}

// HandleDownlink decodes one CAN record from r into the frame queue. When the
// queue is full the record is still consumed and then dropped.
func (c *Controller) HandleDownlink(r *wire.Reader) error {
	rec, err := r.ReadCAN()
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	if c.txq.EnqueueMany(func(e *Element) { *e = EncodeTx(&rec) }, 1) {
		return nil
	}
	metrics.IncDownlinkDrop()
	if c.cong != nil {
		c.cong.DownlinkCongested()
	}
	return nil
}

// Pump writes queued frames into however many TX slots are free and reports
// whether any frame was handed to the hardware. A rejected write drops that
// frame only; the frames behind it stay queued for the next round.
func (c *Controller) Pump() bool {
	if fault.Halted() {
		return false
	}
	free := c.port.TxFreeSlots()
	if free <= 0 {
		return false
	}
	sent := 0
	var werr error
	for sent < free && werr == nil {
		if !c.txq.DequeueMany(func(e Element) { werr = c.port.WriteTx(e) }, 1) {
			break
		}
		if werr == nil {
			sent++
		}
	}
	if werr != nil {
		metrics.IncDownlinkDrop()
		if c.cong != nil {
			c.cong.DownlinkCongested()
		}
		c.log.Warn("can_tx_error", "error", werr, "queued", c.txq.Len())
	}
	if sent > 0 {
		metrics.AddCANTx(sent)
	}
	return sent > 0
}

// Flush discards every queued frame and returns how many were dropped.
func (c *Controller) Flush() int {
	n := c.txq.Drain()
	if n > 0 {
		c.log.Debug("can_flush", "frames", n)
	}
	return n
}

var _ wire.Handler = (*Controller)(nil)
