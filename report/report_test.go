package report

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alepar/aranet/aranet"
	"github.com/alepar/aranet/metrics"
)

var sample = aranet.Reading{
	CO2:         1000,
	Temperature: 12,
	Humidity:    50,
	Pressure:    1018.4,
	Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
}

func TestHTTPReport(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, "secret")
	require.NoError(t, h.Report(context.Background(), "living-room", sample))

	assert.Equal(t, "living-room", got["deviceId"])
	readings := got["readings"].(map[string]interface{})
	assert.Equal(t, 1000.0, readings["co2"])
	assert.Equal(t, 12.0, readings["temperature"])
	assert.Equal(t, 50.0, readings["humidity"])
	assert.Equal(t, 1018.4, readings["pressure"])
	assert.Equal(t, "2026-03-01T10:00:00.000Z", readings["timestamp"])
}

func TestHTTPReportNon200(t *testing.T) {
	for _, code := range []int{http.StatusCreated, http.StatusUnauthorized, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		err := NewHTTP(srv.URL, "k").Report(context.Background(), "d", sample)
		var re *ReportingError
		require.True(t, errors.As(err, &re), "status %d", code)
		assert.Equal(t, code, re.StatusCode)
		srv.Close()
	}
}

func TestHTTPReportTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTP(url, "k", WithHTTPClient(&http.Client{Timeout: time.Second})).Report(context.Background(), "d", sample)
	var re *ReportingError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "http", re.Sink)
	assert.NotNil(t, re.Err)
}

type stubReporter struct {
	err   error
	calls int
}

func (s *stubReporter) Report(ctx context.Context, deviceID string, r aranet.Reading) error {
	s.calls++
	return s.err
}

func TestMultiReportsToAll(t *testing.T) {
	failing := &stubReporter{err: errors.New("broker down")}
	ok := &stubReporter{}

	err := Multi{failing, ok}.Report(context.Background(), "d", sample)
	assert.EqualError(t, err, "broker down")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	first, second := errors.New("a"), errors.New("b")
	err = Multi{&stubReporter{err: first}, &stubReporter{err: second}}.Report(context.Background(), "d", sample)
	assert.True(t, errors.Is(err, first))
	assert.True(t, errors.Is(err, second))

	assert.NoError(t, Multi{ok}.Report(context.Background(), "d", sample))
}

func TestMQTTTopicAndOffline(t *testing.T) {
	m := NewMQTT("tcp://127.0.0.1:1", "test", "aranet")
	assert.Equal(t, "aranet/living-room/readings", m.Topic("living-room"))

	err := m.Report(context.Background(), "living-room", sample)
	var re *ReportingError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "mqtt", re.Sink)
}

func TestHTTPReportRecordsClientMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	mp, err := metrics.NewMeterProvider(reg)
	require.NoError(t, err)
	defer func() { _ = mp.Shutdown(context.Background()) }()

	h := NewHTTP(srv.URL, "secret", WithMeterProvider(mp))
	require.NoError(t, h.Report(context.Background(), "living-room", sample))

	families, err := reg.Gather()
	require.NoError(t, err)
	var durations []string
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "http_client") && strings.Contains(f.GetName(), "duration") {
			durations = append(durations, f.GetName())
		}
	}
	assert.NotEmpty(t, durations, "no http client duration series after a report")
}
