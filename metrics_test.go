package resilient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMeterProvider(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	return reader, provider
}

func TestOTelSink(t *testing.T) {
	reader, provider := setupTestMeterProvider(t)

	sink, err := NewOTelSink(provider.Meter("resilient"))
	require.NoError(t, err)

	sink(MetricsEntry{
		Address:  "https://api.notion.com/v1/pages/abc?x=1",
		Method:   http.MethodGet,
		Status:   http.StatusOK,
		Elapsed:  250 * time.Millisecond,
		Attempts: 2,
	})
	sink(MetricsEntry{
		Address: "https://api.notion.com/v1/pages/def",
		Method:  http.MethodGet,
		Status:  http.StatusOK,
		Elapsed: 50 * time.Millisecond,
	})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var foundDuration, foundRequests bool

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case metricHTTPClientRequestDuration:
				foundDuration = true

				hist, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok, "expected histogram data")
				require.Len(t, hist.DataPoints, 1, "paths must not split the series")

				dp := hist.DataPoints[0]
				assert.Equal(t, uint64(2), dp.Count)
				assert.InDelta(t, 0.3, dp.Sum, 0.0001)

				attrs := dp.Attributes.ToSlice()
				assertAttribute(t, attrs, attrHTTPRequestMethod, http.MethodGet)
				assertAttribute(t, attrs, attrHTTPResponseStatus, http.StatusOK)
				assertAttribute(t, attrs, attrServerAddress, "api.notion.com")

			case metricHTTPClientRequests:
				foundRequests = true

				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "expected sum data")
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(2), sum.DataPoints[0].Value)
			}
		}
	}

	assert.True(t, foundDuration, "duration histogram not recorded")
	assert.True(t, foundRequests, "request counter not recorded")
}

func TestOTelSink_WiredToClient(t *testing.T) {
	reader, provider := setupTestMeterProvider(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	sink, err := NewOTelSink(provider.Meter("resilient"))
	require.NoError(t, err)

	h := New()
	h.Client = ts.Client()
	h.Sink = sink

	_, err = h.FetchOK(context.Background(), ts.URL, nil)
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	require.Len(t, rm.ScopeMetrics, 1)

	for _, m := range rm.ScopeMetrics[0].Metrics {
		if m.Name != metricHTTPClientRequests {
			continue
		}

		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, sum.DataPoints, 1)
		assertAttribute(t, sum.DataPoints[0].Attributes.ToSlice(), attrHTTPResponseStatus, http.StatusNotFound)
	}
}

func TestLogSink(t *testing.T) {
	buf := new(bytes.Buffer)

	LogSink(zerolog.New(buf).Level(zerolog.DebugLevel))(MetricsEntry{
		Address:  "https://api.notion.com/v1/search",
		Method:   http.MethodPost,
		Status:   http.StatusOK,
		Elapsed:  42 * time.Millisecond,
		Attempts: 1,
	})

	out := buf.String()
	assert.Contains(t, out, "[api] POST https://api.notion.com/v1/search -> 200 (42ms)")
	assert.Contains(t, out, `"elapsed_ms":42`)
	assert.Contains(t, out, `"level":"debug"`)

	buf.Reset()
	LogSink(zerolog.New(buf).Level(zerolog.InfoLevel))(MetricsEntry{})
	assert.Empty(t, buf.String())
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "api.notion.com", hostOf("https://api.notion.com:443/v1/pages"))
	assert.Equal(t, "not a url", hostOf("not a url"))
}

func assertAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue any) {
	t.Helper()

	for _, kv := range attrs {
		if string(kv.Key) == key {
			switch ev := expectedValue.(type) {
			case int:
				assert.Equal(t, int64(ev), kv.Value.AsInt64(), "attribute %s value mismatch", key)
			case string:
				assert.Equal(t, ev, kv.Value.AsString(), "attribute %s value mismatch", key)
			default:
				t.Errorf("unsupported expected value type for attribute %s", key)
			}

			return
		}
	}

	t.Errorf("attribute %s not found", key)
}
