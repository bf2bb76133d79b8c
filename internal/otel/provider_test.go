package otel

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap/zaptest"

	"github.com/Ongy/conntracker/internal/config"
	"github.com/Ongy/conntracker/internal/telemetry"
)

func TestInitProvider_Exporters(t *testing.T) {
	ctx := context.Background()
	cfg := &config.OTELConfig{ServiceName: "conntracker", Insecure: true}
	logger := zaptest.NewLogger(t)

	for _, name := range []string{config.TraceExporterOTLP, config.TraceExporterStdout, config.TraceExporterNone} {
		t.Run(name, func(t *testing.T) {
			tp, err := InitProvider(ctx, cfg, name, resource.Empty(), logger)
			require.NoError(t, err)
			require.NotNil(t, tp)
			assert.NoError(t, ShutdownProviders(ctx, tp, nil))
		})
	}

	_, err := InitProvider(ctx, cfg, "jaeger", resource.Empty(), logger)
	assert.ErrorContains(t, err, `unknown trace exporter "jaeger"`)
}

func TestTraceExporterOptions(t *testing.T) {
	secure := &config.OTELConfig{Insecure: false}
	insecure := &config.OTELConfig{Insecure: true}

	// timeout + endpoint, plus insecure when requested
	assert.Len(t, traceExporterOptions(secure, "collector:4318"), 2)
	assert.Len(t, traceExporterOptions(insecure, "collector:4318"), 3)
	// URLs carry their own scheme
	assert.Len(t, traceExporterOptions(insecure, "https://collector:4318/v1/traces"), 2)
	assert.Len(t, metricExporterOptions(insecure, "collector:4318"), 3)
}

func TestNewResource(t *testing.T) {
	cfg := &config.OTELConfig{ServiceName: "ct", ResourceAttributes: "deployment.environment=lab"}
	res, err := NewResource(context.Background(), cfg, "1.2.3")
	require.NoError(t, err)

	values := map[string]string{}
	for _, kv := range res.Attributes() {
		values[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ct", values["service.name"])
	assert.Equal(t, "1.2.3", values["service.version"])
	assert.Equal(t, "lab", values["deployment.environment"])
}

func TestMeterProvider_ServedOverHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := zaptest.NewLogger(t)

	registry := NewRegistry()
	mp, err := InitMeterProvider(ctx, &config.OTELConfig{}, resource.Empty(), registry, logger)
	require.NoError(t, err)
	defer func() { assert.NoError(t, ShutdownProviders(context.Background(), nil, mp)) }()

	tp, err := InitProvider(ctx, &config.OTELConfig{}, config.TraceExporterNone, resource.Empty(), logger)
	require.NoError(t, err)
	sink, err := NewSink(mp, tp)
	require.NoError(t, err)
	sink.IncrementCounter(telemetry.CounterInClose)
	sink.AddToGauge(telemetry.GaugeActive, 3)

	server, err := NewMetricsServer("127.0.0.1:0", registry, logger)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	base := "http://" + server.Addr()

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(body)
	assert.Contains(t, text, "connections_created_in_close")
	assert.Contains(t, text, "connections_active")
	assert.Contains(t, text, "go_goroutines")

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/metrics", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	cancel()
	assert.NoError(t, <-done)
}

func TestNewMetricsServer_PortInUse(t *testing.T) {
	logger := zaptest.NewLogger(t)
	first, err := NewMetricsServer("127.0.0.1:0", NewRegistry(), logger)
	require.NoError(t, err)
	defer first.listener.Close()

	_, err = NewMetricsServer(first.Addr(), NewRegistry(), logger)
	assert.Error(t, err)
}
