// Package metrics defines the Prometheus instruments exported by tftpd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tftpd"

// Metrics holds every collector. All methods are safe on a nil *Metrics so
// components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	packetsIn         *prometheus.CounterVec
	packetsOut        *prometheus.CounterVec
	errorsSent        *prometheus.CounterVec
	bytesUploaded     prometheus.Counter
	bytesDownloaded   prometheus.Counter
	activeConnections prometheus.Gauge
	loggedInUsers     prometheus.Gauge
	frameErrors       prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		packetsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Frames received from peers, by opcode",
		}, []string{"opcode"}),

		packetsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent to peers, by opcode",
		}, []string{"opcode"}),

		errorsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_sent_total",
			Help:      "ERROR packets sent to peers, by error code",
		}, []string{"code"}),

		bytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes persisted from completed uploads",
		}),

		bytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes queued for download by RRQ and DIRQ",
		}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open TCP connections",
		}),

		loggedInUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "logged_in_users",
			Help:      "Connections with a logged-in user",
		}),

		frameErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Frames dropped by the decoder",
		}),
	}
}

// PacketReceived counts an inbound frame.
func (m *Metrics) PacketReceived(opcode string) {
	if m == nil {
		return
	}
	m.packetsIn.WithLabelValues(opcode).Inc()
}

// PacketSent counts an outbound packet.
func (m *Metrics) PacketSent(opcode string) {
	if m == nil {
		return
	}
	m.packetsOut.WithLabelValues(opcode).Inc()
}

// ErrorSent counts an ERROR packet by code label.
func (m *Metrics) ErrorSent(code string) {
	if m == nil {
		return
	}
	m.errorsSent.WithLabelValues(code).Inc()
}

// Uploaded adds persisted upload bytes.
func (m *Metrics) Uploaded(n int) {
	if m == nil {
		return
	}
	m.bytesUploaded.Add(float64(n))
}

// Downloaded adds bytes queued for a download.
func (m *Metrics) Downloaded(n int) {
	if m == nil {
		return
	}
	m.bytesDownloaded.Add(float64(n))
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// SetLoggedIn sets the logged-in user gauge.
func (m *Metrics) SetLoggedIn(n int) {
	if m == nil {
		return
	}
	m.loggedInUsers.Set(float64(n))
}

// FrameError counts a frame rejected by the decoder.
func (m *Metrics) FrameError() {
	if m == nil {
		return
	}
	m.frameErrors.Inc()
}
