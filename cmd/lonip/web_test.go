package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/pkg/metrics"
	"github.com/sambigeara/lonip/pkg/types"
)

func TestWebServerStartStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).Packet(metrics.DirectionIn, types.MsgTypeData)

	w := newWebServer("127.0.0.1:0", reg)
	require.NoError(t, w.Start())
	require.True(t, w.running())
	require.NoError(t, w.Start(), "starting twice is a no-op")
	require.NoError(t, w.Stop())
	require.False(t, w.running())
	require.NoError(t, w.Stop())
}

func TestWebServerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).Packet(metrics.DirectionIn, types.MsgTypeData)

	w := newWebServer("127.0.0.1:0", reg)
	rec := httptest.NewRecorder()
	w.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "lonip_packets_total")
}

func TestWebServerWithoutAddress(t *testing.T) {
	w := newWebServer("", prometheus.NewRegistry())
	require.ErrorIs(t, w.Start(), errNoMetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
}
