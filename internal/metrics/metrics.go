package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bus-side counters, one pair per backend.
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_serial_rx_frames_total",
		Help: "CAN frames decoded from the UART gateway.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_serial_tx_frames_total",
		Help: "CAN frames written to the UART gateway.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_socketcan_rx_frames_total",
		Help: "CAN frames read from the SocketCAN interface.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_socketcan_tx_frames_total",
		Help: "CAN frames written to the SocketCAN interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_tcp_rx_frames_total",
		Help: "CAN frames received from virtual bus peers.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_tcp_tx_frames_total",
		Help: "CAN frames sent to virtual bus peers.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_hub_dropped_frames_total",
		Help: "Frames dropped by the virtual bus hub due to slow peers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_hub_kicked_clients_total",
		Help: "Peers disconnected by the kick backpressure policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_hub_rejected_clients_total",
		Help: "Peer connections rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "megacan_hub_active_clients",
		Help: "Currently connected virtual bus peers.",
	})
	HubPeerQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "megacan_hub_peer_queue_max",
		Help: "Deepest peer outbound queue at the last fan-out.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_malformed_frames_total",
		Help: "Rejected malformed wire frames (bad length, checksum, truncation).",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "megacan_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "megacan_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
)

// Protocol engine counters.
var (
	DeviceFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "megacan_device_frames_total",
		Help: "Frames processed by the protocol engine by disposition.",
	}, []string{"kind"})
	DeviceMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "megacan_device_messages_total",
		Help: "Extended messages handled by message type.",
	}, []string{"type"})
	RejectedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_rejected_requests_total",
		Help: "Requests answered with zero-filled data.",
	})
	Burns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "megacan_burns_total",
		Help: "Burn commands by result.",
	}, []string{"result"})
	RxOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_rx_queue_overflow_total",
		Help: "Frames dropped because the receive queue was full.",
	})
	HWOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "megacan_hw_rx_overflow_total",
		Help: "Frames lost before reaching the receive queue, by mailbox.",
	}, []string{"mailbox"})
	TxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_tx_failures_total",
		Help: "Protocol replies the transport failed to send.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "megacan_rx_queue_depth",
		Help: "Frames waiting in the receive queue at the last poll.",
	})
	NeedsBurn = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "megacan_table_needs_burn",
		Help: "1 when the hot flash table has unburned writes.",
	})
	FlashDataLost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "megacan_flash_data_lost",
		Help: "1 when unburned writes were discarded by a table switch.",
	})
	RTBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_rt_broadcast_frames_total",
		Help: "Realtime broadcast group frames sent.",
	})
	TelemetryPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megacan_telemetry_published_total",
		Help: "Realtime messages forwarded to MQTT.",
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
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrEEPROM         = "eeprom"
	ErrTelemetry      = "telemetry"
	ErrProtocol       = "protocol"
	ErrBusTx          = "bus_tx"
)

// Frame dispositions for DeviceFrames.
const (
	FrameExtended = "extended"
	FrameStandard = "standard"
	FrameNotMine  = "not_mine"
	FrameImmed    = "standard_immediate"
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
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrors so the periodic logger does not scrape Prometheus in-process.
var (
	localSerialRx, localSerialTx       atomic.Uint64
	localSocketCANRx, localSocketCANTx atomic.Uint64
	localTCPRx, localTCPTx             atomic.Uint64
	localHubDrop, localHubKick         atomic.Uint64
	localHubReject, localHubClients    atomic.Uint64
	localErrors, localMalformed        atomic.Uint64
	localExtended, localStandard       atomic.Uint64
	localNotMine, localRejected        atomic.Uint64
	localBurnOK, localBurnFail         atomic.Uint64
	localRxOverflow, localHWOverflow   atomic.Uint64
	localTxFail, localRTBcast          atomic.Uint64
	localQueueDepth, localTelemetry    atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx      uint64
	SerialTx      uint64
	SocketCANRx   uint64
	SocketCANTx   uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	Errors        uint64 // sum across error labels
	Malformed     uint64
	Extended      uint64
	Standard      uint64
	NotMine       uint64
	Rejected      uint64
	BurnsOK       uint64
	BurnsFailed   uint64
	RxOverflow    uint64
	HWOverflow    uint64
	TxFailures    uint64
	RTBroadcasts  uint64
	QueueDepth    uint64
	TelemetrySent uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:      localSerialRx.Load(),
		SerialTx:      localSerialTx.Load(),
		SocketCANRx:   localSocketCANRx.Load(),
		SocketCANTx:   localSocketCANTx.Load(),
		TCPRx:         localTCPRx.Load(),
		TCPTx:         localTCPTx.Load(),
		HubDrops:      localHubDrop.Load(),
		HubKicks:      localHubKick.Load(),
		HubRejects:    localHubReject.Load(),
		HubClients:    localHubClients.Load(),
		Errors:        localErrors.Load(),
		Malformed:     localMalformed.Load(),
		Extended:      localExtended.Load(),
		Standard:      localStandard.Load(),
		NotMine:       localNotMine.Load(),
		Rejected:      localRejected.Load(),
		BurnsOK:       localBurnOK.Load(),
		BurnsFailed:   localBurnFail.Load(),
		RxOverflow:    localRxOverflow.Load(),
		HWOverflow:    localHWOverflow.Load(),
		TxFailures:    localTxFail.Load(),
		RTBroadcasts:  localRTBcast.Load(),
		QueueDepth:    localQueueDepth.Load(),
		TelemetrySent: localTelemetry.Load(),
	}
}

func IncSerialRx() { SerialRxFrames.Inc(); localSerialRx.Add(1) }
func IncSerialTx() { SerialTxFrames.Inc(); localSerialTx.Add(1) }

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() { SocketCANRxFrames.Inc(); localSocketCANRx.Add(1) }

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() { SocketCANTxFrames.Inc(); localSocketCANTx.Add(1) }

func IncTCPRx() { TCPRxFrames.Inc(); localTCPRx.Add(1) }

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncHubDrop()   { HubDroppedFrames.Inc(); localHubDrop.Add(1) }
func IncHubKick()   { HubKickedClients.Inc(); localHubKick.Add(1) }
func IncHubReject() { HubRejectedClients.Inc(); localHubReject.Add(1) }

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func SetHubQueueMax(n int) { HubPeerQueueMax.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() { MalformedFrames.Inc(); localMalformed.Add(1) }

// IncDeviceFrame counts a frame taken off the receive queue (or handled
// immediately) by disposition.
func IncDeviceFrame(kind string) {
	DeviceFrames.WithLabelValues(kind).Inc()
	switch kind {
	case FrameExtended:
		localExtended.Add(1)
	case FrameStandard, FrameImmed:
		localStandard.Add(1)
	case FrameNotMine:
		localNotMine.Add(1)
	}
}

func IncDeviceMessage(typ string) { DeviceMessages.WithLabelValues(typ).Inc() }

func IncRejectedRequest() { RejectedRequests.Inc(); localRejected.Add(1) }

func IncBurn(ok bool) {
	if ok {
		Burns.WithLabelValues("ok").Inc()
		localBurnOK.Add(1)
		return
	}
	Burns.WithLabelValues("failed").Inc()
	localBurnFail.Add(1)
}

func IncRxOverflow() { RxOverflow.Inc(); localRxOverflow.Add(1) }

func IncHWOverflow(mailbox string) {
	HWOverflow.WithLabelValues(mailbox).Inc()
	localHWOverflow.Add(1)
}

func IncTxFailure() { TxFailures.Inc(); localTxFail.Add(1) }

func IncRTBroadcast() { RTBroadcasts.Inc(); localRTBcast.Add(1) }

func IncTelemetry() { TelemetryPublished.Inc(); localTelemetry.Add(1) }

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
	localQueueDepth.Store(uint64(n))
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// SetTableState mirrors the flash cache flags.
func SetTableState(needsBurn, dataLost bool) {
	boolGauge(NeedsBurn, needsBurn)
	boolGauge(FlashDataLost, dataLost)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
		ErrEEPROM, ErrTelemetry, ErrProtocol, ErrBusTx,
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
	if fn == nil { // not set yet: report ready so the endpoint does not flap
		return true
	}
	return fn()
}
