package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-usbcan-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from controller receive FIFOs.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames handed to controller transmit slots.",
	})
	UplinkDroppedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_dropped_records_total",
		Help: "Total uplink records dropped because the batch buffer was full.",
	})
	UplinkBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_batches_total",
		Help: "Total batches handed to the host link.",
	})
	UplinkBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_bytes_total",
		Help: "Total bytes handed to the host link, sentinels included.",
	})
	SensorSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sensor_samples_total",
		Help: "Total sensor records written to the uplink stream.",
	})
	DownlinkRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downlink_records_total",
		Help: "Total downlink records dispatched.",
	})
	DownlinkDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downlink_dropped_frames_total",
		Help: "Total downlink CAN frames dropped because a frame queue was full.",
	})
	LinkConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_connects_total",
		Help: "Total connect commands processed.",
	})
	FaultHalts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fault_halts_total",
		Help: "Total fatal halts (protocol or invariant violations).",
	})
	DiagState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diag_state",
		Help: "Diagnostic indicator state (0 healthy, 1 uplink full, 2 downlink full, 3 both, 4 user).",
	})
	UplinkPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uplink_pending_batches",
		Help: "Batches opened but not yet released, sampled by the main loop.",
	})
	LinkConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "link_connected",
		Help: "1 while a host link endpoint is attached.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_packets_total",
		Help: "Total downlink packets rejected as protocol violations.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialWrite    = "serial_write"
	ErrSerialRead     = "serial_read"
	ErrLinkBusy       = "link_busy"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANRxOvf = "socketcan_rx_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx        uint64
	localCANTx        uint64
	localUplinkDrop   uint64
	localBatches      uint64
	localUplinkBytes  uint64
	localSensor       uint64
	localDownlink     uint64
	localDownlinkDrop uint64
	localConnects     uint64
	localHalts        uint64
	localErrors       uint64
	localMalformed    uint64
	localDiagState    uint64
	localPending      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx         uint64
	CANTx         uint64
	UplinkDrops   uint64
	Batches       uint64
	UplinkBytes   uint64
	Sensor        uint64
	Downlink      uint64
	DownlinkDrops uint64
	Connects      uint64
	Halts         uint64
	Errors        uint64 // sum across error labels
	Malformed     uint64
	DiagState     uint64
	Pending       uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:         atomic.LoadUint64(&localCANRx),
		CANTx:         atomic.LoadUint64(&localCANTx),
		UplinkDrops:   atomic.LoadUint64(&localUplinkDrop),
		Batches:       atomic.LoadUint64(&localBatches),
		UplinkBytes:   atomic.LoadUint64(&localUplinkBytes),
		Sensor:        atomic.LoadUint64(&localSensor),
		Downlink:      atomic.LoadUint64(&localDownlink),
		DownlinkDrops: atomic.LoadUint64(&localDownlinkDrop),
		Connects:      atomic.LoadUint64(&localConnects),
		Halts:         atomic.LoadUint64(&localHalts),
		Errors:        atomic.LoadUint64(&localErrors),
		Malformed:     atomic.LoadUint64(&localMalformed),
		DiagState:     atomic.LoadUint64(&localDiagState),
		Pending:       atomic.LoadUint64(&localPending),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func AddCANTx(n int) {
	CANTxFrames.Add(float64(n))
	atomic.AddUint64(&localCANTx, uint64(n))
}

func IncUplinkDrop() {
	UplinkDroppedRecords.Inc()
	atomic.AddUint64(&localUplinkDrop, 1)
}

// AddUplinkBatch records one transmitted batch of n bytes.
func AddUplinkBatch(n int) {
	UplinkBatches.Inc()
	UplinkBytes.Add(float64(n))
	atomic.AddUint64(&localBatches, 1)
	atomic.AddUint64(&localUplinkBytes, uint64(n))
}

func IncSensor() {
	SensorSamples.Inc()
	atomic.AddUint64(&localSensor, 1)
}

func IncDownlink() {
	DownlinkRecords.Inc()
	atomic.AddUint64(&localDownlink, 1)
}

func IncDownlinkDrop() {
	DownlinkDroppedFrames.Inc()
	atomic.AddUint64(&localDownlinkDrop, 1)
}

func IncConnect() {
	LinkConnects.Inc()
	atomic.AddUint64(&localConnects, 1)
}

func IncHalt() {
	FaultHalts.Inc()
	atomic.AddUint64(&localHalts, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedPackets.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func SetDiagState(s int) {
	DiagState.Set(float64(s))
	atomic.StoreUint64(&localDiagState, uint64(s))
}

func SetUplinkPending(n int) {
	UplinkPending.Set(float64(n))
	atomic.StoreUint64(&localPending, uint64(n))
}

func SetLinkConnected(up bool) {
	if up {
		LinkConnected.Set(1)
		return
	}
	LinkConnected.Set(0)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialRead, ErrLinkBusy,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead, ErrSocketCANRxOvf,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
