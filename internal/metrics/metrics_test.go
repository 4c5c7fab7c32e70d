package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"walletnet/internal/status"
)

func TestPrometheus_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus("walletnet", reg)
	require.NoError(t, err)

	p.Observe("broadcast", 20*time.Millisecond, true)
	p.Observe("broadcast", 30*time.Millisecond, false)
	p.Observe("header", time.Millisecond, true)

	require.Equal(t, 1.0, testutil.ToFloat64(p.attempts.WithLabelValues("broadcast", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.attempts.WithLabelValues("broadcast", "failure")))
	require.Equal(t, 3, testutil.CollectAndCount(p.attempts))

	_, err = NewPrometheus("walletnet", reg)
	require.Error(t, err)
}

func TestStatusGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	g, err := NewStatusGauge("walletnet", reg)
	require.NoError(t, err)

	g.SetServer("wss://a:1", status.Online)
	g.SetAggregate(status.Connecting)
	require.Equal(t, 2.0, testutil.ToFloat64(g.servers.WithLabelValues("wss://a:1")))
	require.Equal(t, 1.0, testutil.ToFloat64(g.aggregate))
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.Observe("x", time.Second, true)
}
