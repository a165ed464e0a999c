package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-usbcan-gateway/internal/diag"
	"github.com/kstaniek/go-usbcan-gateway/internal/fault"
	"github.com/kstaniek/go-usbcan-gateway/internal/gateway"
	"github.com/kstaniek/go-usbcan-gateway/internal/link"
	"github.com/kstaniek/go-usbcan-gateway/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("usbcan-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

// run builds every core object, starts the producers and drives the main
// loop until a signal arrives or the device halts.
func run(cfg *appConfig) error {
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	installFaultHandler(l)
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	d := diag.New()
	var lk *link.Cdc
	be, err := initLink(ctx, cfg, func(p []byte) { lk.OnReceive(p) }, l, &wg)
	if err != nil {
		l.Error("link_init_error", "error", err)
		return err
	}
	defer be.cleanup()
	lk = link.New(link.Config{FlushDownlinkOnConnect: cfg.flushOnConnect}, be.ep, d)

	chans, closeCAN, err := initControllers(ctx, cfg, lk.Uplink(), d, l)
	if err != nil {
		fault.Check(err)
		return err
	}
	defer closeCAN()
	pumps := make([]gateway.Pump, 0, len(chans))
	for _, ch := range chans {
		lk.Register(ch.ctrl.DownlinkID(), ch.ctrl)
		lk.AddFlusher(ch.ctrl)
		pumps = append(pumps, ch.ctrl)
	}
	gw := gateway.New(lk, pumps,
		gateway.WithIdleSleep(cfg.idleSleep),
		gateway.WithDiag(d),
		gateway.WithUplinkGauge(lk.Uplink()),
	)

	// Everything is wired; producers may start.
	for _, ch := range chans {
		startCANRx(ctx, ch, l, &wg)
	}
	startSensors(ctx, cfg, lk.Uplink(), l, &wg)
	linkErr := make(chan error, 1)
	be.start(func(err error) {
		select {
		case linkErr <- err:
		default:
		}
	})
	if cfg.link == "tcp" {
		startMDNSWhenListening(ctx, cfg, be, l)
	}

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-be.ready:
		default:
			return false
		}
		return ctx.Err() == nil && !fault.Halted()
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Run(ctx) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	var result error
	gwDone := false
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-linkErr:
		l.Error("link_lost", "error", err)
		result = err
	case err := <-gwErr:
		gwDone = true
		l.Error("gateway_halted", "error", err)
		result = err
	}
	cancel()
	if !gwDone {
		if err := <-gwErr; err != nil && result == nil {
			result = err
		}
	}
	return result
}

// startMDNSWhenListening advertises the TCP link once its listener is bound.
func startMDNSWhenListening(ctx context.Context, cfg *appConfig, be *linkBackend, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	go func() {
		select {
		case <-be.ready:
		case <-ctx.Done():
			return
		}
		var portNum int
		if _, p, err := net.SplitHostPort(be.addr()); err == nil {
			portNum, _ = strconv.Atoi(p)
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstanceName(cfg), "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()
}
