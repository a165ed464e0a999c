package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_usbcan-gw._tcp"

// machineID is a hook for tests.
var machineID = func() (string, error) { return machineid.ProtectedID("usbcan-gateway") }

// mdnsInstanceName returns the configured name, else one derived from the
// protected machine id, else from the hostname.
func mdnsInstanceName(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	if id, err := machineID(); err == nil && len(id) >= 8 {
		return "usbcan-gw-" + id[:8]
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("usbcan-gw-%s", host)
}

// startMDNS registers the TCP link via mDNS and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	meta := []string{
		"link=" + cfg.link,
		fmt.Sprintf("can=%d", len(cfg.canIfs)),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(mdnsInstanceName(cfg), mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
