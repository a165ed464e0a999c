package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-usbcan-gateway/internal/link"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/transport"
)

const readChunk = 4096

// session is one attached host.
type session struct {
	id     uint64
	conn   net.Conn
	tx     *transport.AsyncTx[[]byte]
	logger *slog.Logger
}

func (s *Server) newSession(ctx context.Context, conn net.Conn, id uint64, logger *slog.Logger) *session {
	ss := &session{id: id, conn: conn, logger: logger}
	send := func(p []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		n, err := conn.Write(p)
		if err == nil && n != len(p) {
			err = io.ErrShortWrite
		}
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			logger.Warn("host_write_error", "error", wrap)
			// the reader sees the closed conn and detaches the session
			_ = conn.Close()
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrLinkBusy)
			return link.ErrEndpointBusy
		},
	}
	ss.tx = transport.NewAsyncTx(ctx, 1, send, hooks)
	return ss
}

// startReader pumps downlink bytes from the host into the receive callback
// until the connection ends, then detaches the session.
func (s *Server) startReader(ctxDone <-chan struct{}, ss *session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			ss.tx.Close()
			_ = ss.conn.Close()
			s.active.CompareAndSwap(ss, nil)
			metrics.SetLinkConnected(false)
			s.totalDisconnected.Add(1)
			ss.logger.Info("host_disconnected")
		}()
		var ra link.Reassembler
		buf := make([]byte, readChunk)
		for {
			select {
			case <-ctxDone:
				return
			default:
			}
			_ = ss.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := ss.conn.Read(buf)
			if n > 0 && s.receive != nil {
				ra.Feed(buf[:n], func(p []byte) { s.receive(p) })
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
		}
	}()
}
