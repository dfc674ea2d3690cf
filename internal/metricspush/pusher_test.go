package metricspush

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"

	"github.com/smallbiznis/cashup/internal/config"
)

func TestNewPusherDisabledOrMisconfigured(t *testing.T) {
	cases := []struct {
		name string
		push config.PushConfig
	}{
		{name: "disabled", push: config.PushConfig{Enabled: false, Exporter: exporterPrometheusRemoteWrite, Endpoint: "http://collector:9090/api/v1/write"}},
		{name: "no exporter", push: config.PushConfig{Enabled: true, Endpoint: "http://collector:9090/api/v1/write"}},
		{name: "no endpoint", push: config.PushConfig{Enabled: true, Exporter: exporterPrometheusRemoteWrite}},
		{name: "unknown exporter", push: config.PushConfig{Enabled: true, Exporter: "statsd", Endpoint: "http://collector:8125"}},
		{name: "bad remote write url", push: config.PushConfig{Enabled: true, Exporter: exporterPrometheusRemoteWrite, Endpoint: "::not-a-url"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pusher := NewPusher(config.Config{Push: tc.push}, zap.NewNop())
			assert.Nil(t, pusher)
		})
	}
}

func TestNewPusherSelectsExporter(t *testing.T) {
	remote := NewPusher(config.Config{Push: config.PushConfig{
		Enabled:  true,
		Exporter: "Prometheus_Remote_Write",
		Endpoint: "http://collector:9090/api/v1/write",
	}}, zap.NewNop())
	require.NotNil(t, remote)
	assert.IsType(t, &RemoteWritePusher{}, remote)

	gateway := NewPusher(config.Config{
		AppName:     "cashup",
		Environment: "test",
		Push: config.PushConfig{
			Enabled:  true,
			Exporter: exporterPrometheusPushgateway,
			Endpoint: "http://pushgateway:9091",
		},
	}, zap.NewNop())
	require.NotNil(t, gateway)
	assert.IsType(t, &PushgatewayPusher{}, gateway)
}

func TestRecorderCountsKPIs(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newKPIMetrics(registry)
	setRecorder(&recorder{metrics: metrics})
	t.Cleanup(func() { setRecorder(noopRecorder{}) })

	RecordWorkflowStarted("sandbox")
	RecordWorkflowStarted("sandbox")
	RecordWorkflowFinalized("Matched")
	RecordMatchOutcome("PartiallyMatched", "ShortPayment")
	RecordERPPost("sandbox", "posted")
	RecordExtraction("pattern", 0)
	RecordExtraction("cloud", 0.015)
	RecordCommunication("Confirmation", "Sent")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.workflowsStarted.WithLabelValues("sandbox")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.workflowsFinalized.WithLabelValues("Matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.matchOutcomes.WithLabelValues("PartiallyMatched", "ShortPayment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.erpPosts.WithLabelValues("sandbox", "posted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.extractionRuns.WithLabelValues("pattern")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.extractionRuns.WithLabelValues("cloud")))
	assert.InDelta(t, 0.015, testutil.ToFloat64(metrics.extractionCost.WithLabelValues("cloud")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.communications.WithLabelValues("Confirmation", "Sent")))

	// The zero-cost pattern run must not create a cost series; only the
	// cloud run is present.
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.extractionCost, "cashup_kpi_extraction_cost_estimate_total"))
}

func TestRecorderNormalizesEmptyLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newKPIMetrics(registry)
	setRecorder(&recorder{metrics: metrics})
	t.Cleanup(func() { setRecorder(noopRecorder{}) })

	RecordWorkflowStarted("   ")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.workflowsStarted.WithLabelValues("unknown")))
}

func TestRecordWithoutRecorderIsNoop(t *testing.T) {
	setRecorder(noopRecorder{})

	assert.NotPanics(t, func() {
		RecordWorkflowStarted("sandbox")
		RecordWorkflowFinalized("Matched")
		RecordMatchOutcome("Matched", "None")
		RecordERPPost("sandbox", "posted")
		RecordExtraction("pattern", 0.01)
		RecordCommunication("Confirmation", "Sent")
	})
}

func TestBuildRemoteWriteSeriesFlattensCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashup_kpi_workflows_started_total",
		Help: "test counter",
	}, []string{"erp_system"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "cashup_request_seconds",
		Help: "test histogram",
	})
	registry.MustRegister(counter, histogram)

	counter.WithLabelValues("sandbox").Add(3)
	histogram.Observe(0.2)

	families, err := registry.Gather()
	require.NoError(t, err)

	series := buildRemoteWriteSeries(families, 1700000000000)
	require.Len(t, series, 1, "histograms must be excluded")

	labels := map[string]string{}
	for _, label := range series[0].Labels {
		labels[label.Name] = label.Value
	}
	assert.Equal(t, "cashup_kpi_workflows_started_total", labels["__name__"])
	assert.Equal(t, "sandbox", labels["erp_system"])

	// Label names arrive sorted, as remote write requires.
	for i := 1; i < len(series[0].Labels); i++ {
		assert.Less(t, series[0].Labels[i-1].Name, series[0].Labels[i].Name)
	}

	require.Len(t, series[0].Samples, 1)
	assert.Equal(t, 3.0, series[0].Samples[0].Value)
	assert.Equal(t, int64(1700000000000), series[0].Samples[0].Timestamp)
}

func TestRemoteWritePusherSendsSnappyProtobuf(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cashup_kpi_erp_posts_total",
		Help: "test counter",
	})
	registry.MustRegister(counter)
	counter.Add(7)

	pusher := NewRemoteWritePusher(server.URL, "push-token")
	require.NoError(t, pusher.Push(context.Background(), registry))

	assert.Equal(t, "application/x-protobuf", gotHeader.Get("Content-Type"))
	assert.Equal(t, "snappy", gotHeader.Get("Content-Encoding"))
	assert.Equal(t, "0.1.0", gotHeader.Get("X-Prometheus-Remote-Write-Version"))
	assert.Equal(t, "Bearer push-token", gotHeader.Get("Authorization"))

	raw, err := snappy.Decode(nil, gotBody)
	require.NoError(t, err)
	var decoded prompb.WriteRequest
	require.NoError(t, proto.Unmarshal(raw, protoadapt.MessageV2Of(&decoded)))
	require.Len(t, decoded.Timeseries, 1)
	assert.Equal(t, 7.0, decoded.Timeseries[0].Samples[0].Value)
}

func TestRemoteWritePusherSurfacesHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "storage full", http.StatusInternalServerError)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "cashup_kpi_test_total", Help: "t"})
	registry.MustRegister(counter)
	counter.Inc()

	pusher := NewRemoteWritePusher(server.URL, "")
	err := pusher.Push(context.Background(), registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote write returned")
}

func TestRemoteWritePusherSkipsEmptyRegistry(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	pusher := NewRemoteWritePusher(server.URL, "")
	require.NoError(t, pusher.Push(context.Background(), prometheus.NewRegistry()))
	assert.False(t, called)
}

func TestPushgatewayPusherRequiresEndpointAndJob(t *testing.T) {
	registry := prometheus.NewRegistry()

	err := NewPushgatewayPusher("", "cashup", nil).Push(context.Background(), registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")

	err = NewPushgatewayPusher("http://pushgateway:9091", "  ", nil).Push(context.Background(), registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job")
}

func TestPushgatewayPusherGroupsByEnvironment(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "cashup_kpi_test_total", Help: "t"})
	registry.MustRegister(counter)
	counter.Inc()

	pusher := NewPushgatewayPusher(server.URL, "cashup", map[string]string{
		"environment": "test",
		"":            "dropped",
		"empty":       " ",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pusher.Push(ctx, registry))

	assert.True(t, strings.HasPrefix(gotPath, "/metrics/job/cashup"), "path %q", gotPath)
	assert.Contains(t, gotPath, "/environment/test")
	assert.NotContains(t, gotPath, "dropped")
}
