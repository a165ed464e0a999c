// Package transport holds the non-blocking writer plumbing shared by the
// host-link endpoints and the SocketCAN port.
package transport

// Sink is a non-blocking transmit target that reports its backlog.
type Sink[T any] interface {
	Send(T) error
	InFlight() int
}

// SendIdle sends v only when s has nothing in flight, otherwise it returns
// busy. Endpoints with a single outstanding transfer use it.
func SendIdle[T any](s Sink[T], v T, busy error) error {
	if s.InFlight() > 0 {
		return busy
	}
	return s.Send(v)
}

var (
	_ Sink[[]byte] = (*AsyncTx[[]byte])(nil)
)
