package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDispatch("cat", OutcomeReplied)
		m.RequestSent()
		m.RequestResolved(ReplyOK)
		m.UnknownReply()
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.ObserveValidation("OKAY")
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDispatch("cat", OutcomeReplied)
	m.ObserveDispatch("cat", OutcomeReplied)
	m.ObserveDispatch("x", OutcomeDeferred)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dispatched.WithLabelValues("cat", OutcomeReplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatched.WithLabelValues("x", OutcomeDeferred)))

	m.RequestSent()
	m.RequestSent()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Pending))
	m.RequestResolved(ReplyTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pending))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replies.WithLabelValues(ReplyTimeout)))

	m.UnknownReply()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replies.WithLabelValues(ReplyUnknownTag)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
