package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-usbcan-gateway/internal/batch"
	"github.com/kstaniek/go-usbcan-gateway/internal/can"
	"github.com/kstaniek/go-usbcan-gateway/internal/diag"
	"github.com/kstaniek/go-usbcan-gateway/internal/gateway"
	"github.com/kstaniek/go-usbcan-gateway/internal/link"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
	"github.com/kstaniek/go-usbcan-gateway/internal/serial"
	"github.com/kstaniek/go-usbcan-gateway/internal/socketcan"
	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

// testLogger returns a no-op slog.Logger for tests.
func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSerialPort implements serial.Port for tests.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.idx >= len(f.reads) {
		f.mu.Unlock()
		// after delivering all data, block briefly then return EOF repeatedly
		time.Sleep(5 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	f.mu.Unlock()
	return copy(p, chunk), nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// fakeCANDev implements socketcan.Dev; ReadFrame serves rx then blocks until Close.
type fakeCANDev struct {
	rx      chan can.Frame
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	tx      []can.Frame
	filters []can.Filter
}

func newFakeCANDev() *fakeCANDev {
	return &fakeCANDev{rx: make(chan can.Frame, 8), closed: make(chan struct{})}
}

func (d *fakeCANDev) ReadFrame(fr *can.Frame) error {
	select {
	case f := <-d.rx:
		*fr = f
		return nil
	case <-d.closed:
		return errors.New("closed")
	}
}

func (d *fakeCANDev) WriteFrame(fr can.Frame) error {
	d.mu.Lock()
	d.tx = append(d.tx, fr)
	d.mu.Unlock()
	return nil
}

func (d *fakeCANDev) SetFilters(fs []can.Filter) error { d.filters = fs; return nil }
func (d *fakeCANDev) Close() error                     { d.once.Do(func() { close(d.closed) }); return nil }

func (d *fakeCANDev) sent() []can.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]can.Frame(nil), d.tx...)
}

func withFakes(t *testing.T, sp serial.Port, devs map[string]*fakeCANDev) {
	t.Helper()
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return sp, nil }
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) {
		if d, ok := devs[iface]; ok {
			return d, nil
		}
		return nil, errors.New("no such interface")
	}
	t.Cleanup(func() {
		openSerialPort = serial.Open
		openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
	})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestSerialLinkEndToEnd wires a serial link and one CAN channel the way run
// does, then moves a frame in each direction.
func TestSerialLinkEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	down := wire.CANRecord{ID: 0x123, Len: 2, Data: [8]byte{0xAA, 0xBB}}
	buf := make([]byte, 1+down.Size())
	buf[0] = wire.EncodeControl(wire.CommandConnect)
	down.Encode(buf[1:], uint8(wire.DownlinkCAN1))
	sp := &fakeSerialPort{reads: [][]byte{buf[:2], buf[2:]}}
	dev := newFakeCANDev()
	withFakes(t, sp, map[string]*fakeCANDev{"vcan0": dev})

	cfg := validConfig()
	cfg.canIfs = []string{"vcan0"}
	var wg sync.WaitGroup
	d := diag.New()
	var lk *link.Cdc
	be, err := initLink(ctx, cfg, func(p []byte) { lk.OnReceive(p) }, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initLink: %v", err)
	}
	lk = link.New(link.Config{}, be.ep, d)
	chans, closeCAN, err := initControllers(ctx, cfg, lk.Uplink(), d, testLogger())
	if err != nil {
		t.Fatalf("initControllers: %v", err)
	}
	if len(dev.filters) != 2 {
		t.Fatalf("expected 2 filters, got %d", len(dev.filters))
	}
	lk.Register(chans[0].ctrl.DownlinkID(), chans[0].ctrl)
	gw := gateway.New(lk, []gateway.Pump{chans[0].ctrl})
	startCANRx(ctx, chans[0], testLogger(), &wg)
	be.start(func(err error) { t.Errorf("link lost: %v", err) })
	defer func() {
		cancel()
		closeCAN()
		be.cleanup()
		wg.Wait()
	}()

	beforeRx := metrics.Snap().CANRx
	waitUntil(t, "downlink frame on the bus", func() bool {
		gw.Step()
		return len(dev.sent()) == 1
	})
	got := dev.sent()[0]
	if got.CANID != 0x123 || got.Len != 2 || got.Data[0] != 0xAA || got.Data[1] != 0xBB {
		t.Fatalf("unexpected bus frame: %+v", got)
	}

	dev.rx <- can.Frame{CANID: 0x1ABCDE | can.CAN_EFF_FLAG, Len: 1, Data: [8]byte{7}}
	var up []byte
	waitUntil(t, "uplink packet", func() bool {
		gw.Step()
		if w := sp.written(); len(w) > 0 {
			up = w[0]
			return true
		}
		return false
	})
	if up[0] != batch.Sentinel {
		t.Fatalf("missing sentinel: % x", up)
	}
	rec, n, err := wire.DecodeCAN(up[1:])
	if err != nil || n != len(up)-1 {
		t.Fatalf("decode uplink: n=%d err=%v", n, err)
	}
	if !rec.Extended || rec.ID != 0x1ABCDE || rec.Len != 1 || rec.Data[0] != 7 {
		t.Fatalf("unexpected uplink record: %+v", rec)
	}
	if wire.UplinkID(up[1]&0x0F) != wire.UplinkCAN1 {
		t.Fatalf("unexpected uplink id in header 0x%02x", up[1])
	}
	if metrics.Snap().CANRx <= beforeRx {
		t.Fatalf("expected CANRx to increase")
	}
}

func TestInitControllersUnknownInterface(t *testing.T) {
	ok := newFakeCANDev()
	withFakes(t, &fakeSerialPort{}, map[string]*fakeCANDev{"vcan0": ok})
	cfg := validConfig()
	cfg.canIfs = []string{"vcan0", "missing"}
	_, _, err := initControllers(context.Background(), cfg, batch.New(nil), diag.New(), testLogger())
	if err == nil {
		t.Fatalf("expected error for missing interface")
	}
	select {
	case <-ok.closed:
	default:
		t.Fatalf("opened channel not closed on failure")
	}
}

func TestInitLinkUnknown(t *testing.T) {
	cfg := validConfig()
	cfg.link = "usb"
	if _, err := initLink(context.Background(), cfg, func([]byte) {}, testLogger(), &sync.WaitGroup{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMDNSInstanceName(t *testing.T) {
	orig := machineID
	t.Cleanup(func() { machineID = orig })

	cfg := validConfig()
	cfg.mdnsName = "bench-1"
	if got := mdnsInstanceName(cfg); got != "bench-1" {
		t.Fatalf("explicit name ignored: %s", got)
	}
	cfg.mdnsName = ""
	machineID = func() (string, error) { return "0123456789abcdef", nil }
	if got := mdnsInstanceName(cfg); got != "usbcan-gw-01234567" {
		t.Fatalf("machine id name = %s", got)
	}
	machineID = func() (string, error) { return "", errors.New("no id") }
	if got := mdnsInstanceName(cfg); !strings.HasPrefix(got, "usbcan-gw-") || got == "usbcan-gw-01234567" {
		t.Fatalf("hostname fallback = %s", got)
	}
}
