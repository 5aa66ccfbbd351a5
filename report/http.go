package report

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/alepar/aranet/aranet"
)

const requestTimeout = 30 * time.Second

// HTTP posts readings as JSON with a static API key header.
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
	meters   metric.MeterProvider
}

type Option func(h *HTTP)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) {
		h.client = c
	}
}

// WithMeterProvider sets where the client's request metrics go. Without it
// the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(h *HTTP) {
		h.meters = mp
	}
}

func NewHTTP(endpoint, apiKey string, opts ...Option) *HTTP {
	h := &HTTP{
		endpoint: endpoint,
		apiKey:   apiKey,
	}
	for _, o := range opts {
		o(h)
	}
	if h.client == nil {
		var topts []otelhttp.Option
		if h.meters != nil {
			topts = append(topts, otelhttp.WithMeterProvider(h.meters))
		}
		h.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport, topts...)}
	}
	return h
}

func (h *HTTP) Report(ctx context.Context, deviceID string, r aranet.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(NewPayload(deviceID, r))
	if err != nil {
		return &ReportingError{Sink: "http", Err: errors.Wrap(err, "marshal reading")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return &ReportingError{Sink: "http", Err: errors.Wrap(err, "cannot create request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return &ReportingError{Sink: "http", Err: errors.Wrap(err, "error posting reading")}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &ReportingError{Sink: "http", StatusCode: resp.StatusCode}
	}
	log.WithField("endpoint", h.endpoint).Debugf("reading posted")
	return nil
}
