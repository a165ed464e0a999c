package serial

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-usbcan-gateway/internal/link"
	"github.com/kstaniek/go-usbcan-gateway/internal/logging"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/transport"
)

// Endpoint transmits uplink packets over a serial port one at a time, like a
// bulk IN endpoint with a single transfer outstanding.
type Endpoint struct {
	tx *transport.AsyncTx[[]byte]
}

// NewEndpoint starts the writer goroutine for sp.
func NewEndpoint(parent context.Context, sp Port) *Endpoint {
	send := func(p []byte) error {
		n, err := sp.Write(p)
		if err == nil && n != len(p) {
			err = fmt.Errorf("short write %d of %d", n, len(p))
		}
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrLinkBusy)
			return link.ErrEndpointBusy
		},
	}
	return &Endpoint{tx: transport.NewAsyncTx(parent, 1, send, hooks)}
}

// Ready reports that the previous packet has been written.
func (e *Endpoint) Ready() bool { return !e.tx.Closed() && e.tx.InFlight() == 0 }

// Transmit queues a copy of p.
func (e *Endpoint) Transmit(p []byte) error {
	return transport.SendIdle[[]byte](e.tx, append([]byte(nil), p...), link.ErrEndpointBusy)
}

// Close stops the writer and waits for pending goroutine exit.
func (e *Endpoint) Close() { e.tx.Close() }

var _ link.Endpoint = (*Endpoint)(nil)
