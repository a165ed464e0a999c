package link

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-usbcan-gateway/internal/batch"
	"github.com/kstaniek/go-usbcan-gateway/internal/fault"
	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

type fakeEndpoint struct {
	busy    bool
	err     error
	packets [][]byte
}

func (e *fakeEndpoint) Ready() bool { return !e.busy }

func (e *fakeEndpoint) Transmit(p []byte) error {
	if e.err != nil {
		return e.err
	}
	e.packets = append(e.packets, append([]byte(nil), p...))
	return nil
}

type fakeDiag struct{ congested, resets int }

func (d *fakeDiag) UplinkCongested() { d.congested++ }
func (d *fakeDiag) Reset()           { d.resets++ }

type fakeFlusher struct{ n, calls int }

func (f *fakeFlusher) Flush() int { f.calls++; return f.n }

func haltCapture(t *testing.T) *[]fault.State {
	t.Helper()
	var got []fault.State
	fault.Reset()
	fault.SetHandler(func(s fault.State) { got = append(got, s) })
	t.Cleanup(func() { fault.SetHandler(nil); fault.Reset() })
	return &got
}

func fillBatches(t *testing.T, b *batch.Buffer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, ok := b.Allocate(batch.BatchSize - 1)
		require.True(t, ok)
		res.Commit()
	}
}

func TestTryTransmitSendsBatchesInOrder(t *testing.T) {
	ep := &fakeEndpoint{}
	c := New(Config{}, ep, &fakeDiag{})
	require.True(t, wire.WriteSensor(c.Uplink(), wire.SensorSample{X: 1}))
	require.True(t, c.TryTransmit())
	require.False(t, c.TryTransmit(), "nothing ready")
	require.Len(t, ep.packets, 1)
	require.Equal(t, batch.Sentinel, ep.packets[0][0])
	require.Len(t, ep.packets[0], 1+wire.SensorRecordSize)
	require.Zero(t, c.Uplink().Pending())
}

func TestTryTransmitWaitsForEndpoint(t *testing.T) {
	ep := &fakeEndpoint{busy: true}
	c := New(Config{}, ep, nil)
	fillBatches(t, c.Uplink(), 1)
	require.False(t, c.TryTransmit())
	require.Equal(t, 1, c.Uplink().Pending())
	ep.busy = false
	require.True(t, c.TryTransmit())
}

func TestTransmitErrorKeepsBatch(t *testing.T) {
	ep := &fakeEndpoint{err: ErrEndpointBusy}
	c := New(Config{}, ep, nil)
	fillBatches(t, c.Uplink(), 1)
	require.False(t, c.TryTransmit())
	require.Equal(t, 1, c.Uplink().Pending())
	ep.err = nil
	require.True(t, c.TryTransmit())
	require.Len(t, ep.packets, 1)
	require.Len(t, ep.packets[0], batch.BatchSize)
}

func TestConnectDiscardsPendingBatches(t *testing.T) {
	ep := &fakeEndpoint{}
	d := &fakeDiag{}
	c := New(Config{}, ep, d)
	fillBatches(t, c.Uplink(), 3)

	c.OnReceive([]byte{wire.EncodeControl(wire.CommandConnect)})
	require.True(t, c.Connecting())
	require.False(t, c.TryTransmit(), "connect consumes the iteration")
	require.False(t, c.Connecting())
	require.Zero(t, c.Uplink().Pending())
	require.Nil(t, c.Uplink().PopReady())
	require.Equal(t, 1, d.resets)
	require.False(t, c.TryTransmit())
	require.Empty(t, ep.packets)
}

func TestConnectFlushesDownlinkWhenConfigured(t *testing.T) {
	for _, flush := range []bool{false, true} {
		f := &fakeFlusher{n: 4}
		c := New(Config{FlushDownlinkOnConnect: flush}, &fakeEndpoint{}, nil)
		c.AddFlusher(f)
		c.OnReceive([]byte{wire.EncodeControl(wire.CommandConnect)})
		c.TryTransmit()
		if flush {
			require.Equal(t, 1, f.calls)
		} else {
			require.Zero(t, f.calls)
		}
	}
}

func TestConnectDeferredWhileWriterInFlight(t *testing.T) {
	c := New(Config{}, &fakeEndpoint{}, nil)
	res, ok := c.Uplink().Allocate(4)
	require.True(t, ok)
	c.OnReceive([]byte{wire.EncodeControl(wire.CommandConnect)})
	require.False(t, c.TryTransmit())
	require.True(t, c.Connecting(), "connect retried until the writer commits")
	res.Commit()
	require.False(t, c.TryTransmit())
	require.False(t, c.Connecting())
	require.Zero(t, c.Uplink().Pending())
}

func TestUplinkFullSignalsDiag(t *testing.T) {
	d := &fakeDiag{}
	c := New(Config{}, &fakeEndpoint{}, d)
	fillBatches(t, c.Uplink(), batch.Capacity)
	require.False(t, wire.WriteSensor(c.Uplink(), wire.SensorSample{}))
	require.Equal(t, 1, d.congested)
}

func TestOnReceiveDispatchesToHandlers(t *testing.T) {
	c := New(Config{}, &fakeEndpoint{}, nil)
	var got []wire.CANRecord
	c.Register(wire.DownlinkCAN2, wire.HandlerFunc(func(r *wire.Reader) error {
		rec, err := r.ReadCAN()
		got = append(got, rec)
		return err
	}))
	rec := wire.CANRecord{ID: 0x7E0, Len: 2, Data: [8]byte{1, 2}}
	buf := make([]byte, 2*rec.Size())
	n := rec.Encode(buf, uint8(wire.DownlinkCAN2))
	n += rec.Encode(buf[n:], uint8(wire.DownlinkCAN2))
	c.OnReceive(buf[:n])
	require.Equal(t, []wire.CANRecord{rec, rec}, got)
}

func TestProtocolViolationHalts(t *testing.T) {
	got := haltCapture(t)
	c := New(Config{}, &fakeEndpoint{}, nil)
	c.OnReceive([]byte{0x30}) // unknown control command
	require.True(t, fault.Halted())
	require.Len(t, *got, 1)
	require.Contains(t, (*got)[0].Expr, "protocol violation")

	fillBatches(t, c.Uplink(), 1)
	require.False(t, c.TryTransmit(), "halted device never transmits")
	c.OnReceive([]byte{wire.EncodeControl(wire.CommandConnect)})
	require.False(t, c.Connecting(), "interrupts are masked after a halt")
}

func TestUnframeableHeaderHaltsAfterLeadingRecords(t *testing.T) {
	got := haltCapture(t)
	c := New(Config{}, &fakeEndpoint{}, nil)
	var seen []uint32
	c.Register(wire.DownlinkCAN1, wire.HandlerFunc(func(r *wire.Reader) error {
		rec, err := r.ReadCAN()
		seen = append(seen, rec.ID)
		return err
	}))
	rec := wire.CANRecord{ID: 0x10}
	stream := make([]byte, 2*rec.Size()+1)
	n := rec.Encode(stream, uint8(wire.DownlinkCAN1))
	rec.ID = 0x11
	n += rec.Encode(stream[n:], uint8(wire.DownlinkCAN1))
	stream[n] = byte(wire.DownlinkLED)

	var r Reassembler
	r.Feed(stream[:n+1], c.OnReceive)
	require.Equal(t, []uint32{0x10, 0x11}, seen)
	require.True(t, fault.Halted())
	require.Len(t, *got, 1)
	require.Zero(t, r.Buffered())
}

func TestEndpointErrorIsNotBusy(t *testing.T) {
	ep := &fakeEndpoint{err: errors.New("closed")}
	c := New(Config{}, ep, nil)
	fillBatches(t, c.Uplink(), 1)
	require.False(t, c.TryTransmit())
	require.Equal(t, 1, c.Uplink().Pending())
}
