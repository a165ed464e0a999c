package socketcan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-usbcan-gateway/internal/can"
	"github.com/kstaniek/go-usbcan-gateway/internal/canhw"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/ring"
	"github.com/kstaniek/go-usbcan-gateway/internal/transport"
)

var (
	ErrTxOverflow = errors.New("socketcan tx overflow")
	ErrNotStarted = errors.New("socketcan port not started")
	ErrStarted    = errors.New("socketcan port already started")
)

// RxFIFOSize is the receive FIFO depth of a port.
const RxFIFOSize = 64

// Dev is the minimal device interface needed by Port.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	SetFilters([]can.Filter) error
	Close() error
}

// Port presents a SocketCAN device as a controller port: received frames
// land in an RX FIFO and raise the pending handler; transmit elements are
// written through a bounded asynchronous writer whose capacity plays the
// role of the hardware TX slots.
type Port struct {
	ctx   context.Context
	dev   Dev
	slots int

	rx    *ring.Ring[canhw.Element]
	rxGet uint32 // next FIFO get index; reader goroutine only

	mu      sync.Mutex
	filters []can.Filter

	tx      *transport.AsyncTx[can.Frame]
	started atomic.Bool
	notify  atomic.Bool
	pending func() bool
}

// NewPort wraps dev with txSlots concurrent transmit slots.
func NewPort(ctx context.Context, dev Dev, txSlots int) *Port {
	if txSlots <= 0 {
		txSlots = 1
	}
	return &Port{
		ctx:   ctx,
		dev:   dev,
		slots: txSlots,
		rx:    ring.New[canhw.Element](RxFIFOSize),
	}
}

// SetPendingHandler installs the receive notification target, normally a
// controller's OnRxPending. Call before frames are delivered.
func (p *Port) SetPendingHandler(fn func() bool) { p.pending = fn }

// ConfigureFilter stages a filter; filters are applied by Start.
func (p *Port) ConfigureFilter(f canhw.Filter) error {
	if p.started.Load() {
		return fmt.Errorf("filter %d: %w", f.Index, ErrStarted)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, can.FilterFor(f))
	return nil
}

// Start applies the staged filters and starts the transmit writer.
func (p *Port) Start() error {
	p.mu.Lock()
	fs := append([]can.Filter(nil), p.filters...)
	p.mu.Unlock()
	if err := p.dev.SetFilters(fs); err != nil {
		return err
	}
	if p.started.Swap(true) {
		return ErrStarted
	}
	p.tx = transport.NewAsyncTx(p.ctx, p.slots, p.dev.WriteFrame, transport.Hooks{
		OnError: func(err error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	})
	return nil
}

// EnableRxNotification arms the pending handler.
func (p *Port) EnableRxNotification() error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	p.notify.Store(true)
	return nil
}

// Deliver places a received frame into the RX FIFO and raises the pending
// notification until the FIFO drains. Error frames are ignored. It returns
// false when the FIFO overflowed and the frame was lost.
func (p *Port) Deliver(fr can.Frame) bool {
	if fr.IsError() {
		return true
	}
	if !p.rx.EnqueueMany(func(e *canhw.Element) { *e = can.ToElement(fr) }, 1) {
		metrics.IncError(metrics.ErrSocketCANRxOvf)
		return false
	}
	if p.notify.Load() && p.pending != nil {
		for p.rx.Len() > 0 {
			before := p.rxGet
			p.pending()
			if p.rxGet == before {
				break // handler halted without consuming
			}
		}
	}
	return true
}

// ReadRx returns the oldest FIFO element.
func (p *Port) ReadRx() (canhw.Element, uint32, bool) {
	var e canhw.Element
	ok := p.rx.DequeueMany(func(v canhw.Element) { e = v }, 1)
	if !ok {
		return e, 0, false
	}
	return e, p.rxGet, true
}

// AckRx releases the FIFO slot at index.
func (p *Port) AckRx(index uint32) {
	if index == p.rxGet {
		p.rxGet++
	}
}

// TxFreeSlots returns the transmit slots not occupied by in-flight frames.
func (p *Port) TxFreeSlots() int {
	if p.tx == nil {
		return 0
	}
	return max(p.slots-p.tx.InFlight(), 0)
}

// WriteTx converts e to a kernel frame and queues it for transmission.
func (p *Port) WriteTx(e canhw.Element) error {
	if p.tx == nil {
		return ErrNotStarted
	}
	return p.tx.Send(can.FromElement(e))
}

// Close stops the writer and closes the device.
func (p *Port) Close() error {
	if p.tx != nil {
		p.tx.Close()
	}
	return p.dev.Close()
}

var _ canhw.Port = (*Port)(nil)
