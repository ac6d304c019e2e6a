package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.PacketReceived("RRQ")
	m.PacketReceived("RRQ")
	m.PacketSent("DATA")
	m.ErrorSent("file_not_found")
	m.Uploaded(10)
	m.Downloaded(1000)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetLoggedIn(3)
	m.FrameError()

	if got := testutil.ToFloat64(m.packetsIn.WithLabelValues("RRQ")); got != 2 {
		t.Errorf("packets_received_total{RRQ} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.bytesUploaded); got != 10 {
		t.Errorf("uploaded_bytes_total = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.activeConnections); got != 1 {
		t.Errorf("active_connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.loggedInUsers); got != 3 {
		t.Errorf("logged_in_users = %v, want 3", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.PacketReceived("ACK")
	m.PacketSent("ACK")
	m.ErrorSent("not_defined")
	m.Uploaded(1)
	m.Downloaded(1)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetLoggedIn(0)
	m.FrameError()
}
