package metrics_test

import (
	"testing"
	"time"

	"github.com/heartsync/callsig/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.AttemptStarted("caller")
		m.StateChanged("idle", "outgoing")
		m.Failed("CaptureDenied")
		m.RemoteCandidate("applied")
		m.Connected("caller", time.Second)
	})
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry, "chat")

	m.AttemptStarted("caller")
	m.AttemptStarted("caller")
	m.StateChanged("outgoing", "connected")
	m.Failed("NegotiationFailed")
	m.RemoteCandidate("applied")
	m.Connected("caller", 300*time.Millisecond)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "callsig_attempts_total")
	assert.Contains(t, names, "callsig_setup_duration_seconds")

	count, err := testutil.GatherAndCount(registry, "callsig_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(registry, "callsig_connected")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	m.StateChanged("connected", "ended")
	value, err := testutil.GatherAndCount(registry, "callsig_state_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, value)
}
