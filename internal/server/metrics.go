package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the HTTP boundary. A
// private registry keeps the exposition free of ambient collectors
// registered elsewhere in the process.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	resident *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_http_requests_total",
			Help: "FHIR REST requests by tenant, interaction, and status code.",
		}, []string{"tenant", "interaction", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candle_http_request_duration_seconds",
			Help:    "FHIR REST request latency by tenant and interaction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant", "interaction"}),
		resident: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candle_resources_resident",
			Help: "Live resources currently held per tenant.",
		}, []string{"tenant"}),
	}
}

// Handler serves the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetResident records a tenant's live resource count.
func (m *Metrics) SetResident(tenant string, n int) {
	m.resident.WithLabelValues(tenant).Set(float64(n))
}

// Middleware observes one request. The interaction label comes from the
// matched route pattern so ids do not explode cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			tenant := c.Param("tenant")
			interaction := interactionFor(c.Request().Method, c.Path())
			m.requests.WithLabelValues(tenant, interaction, strconv.Itoa(status)).Inc()
			m.duration.WithLabelValues(tenant, interaction).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// interactionFor names the FHIR interaction behind a route pattern.
func interactionFor(method, path string) string {
	switch method + " " + path {
	case "POST /:tenant":
		return "transaction"
	case "GET /:tenant/metadata":
		return "capabilities"
	case "GET /:tenant/ws":
		return "websocket"
	case "GET /:tenant/:type", "POST /:tenant/:type/_search":
		return "search-type"
	case "POST /:tenant/:type":
		return "create"
	case "GET /:tenant/:type/:id":
		return "read"
	case "PUT /:tenant/:type/:id":
		return "update"
	case "DELETE /:tenant/:type/:id":
		return "delete"
	case "GET /:tenant/:type/:id/_history":
		return "history-instance"
	case "GET /:tenant/:type/:id/_history/:vid":
		return "vread"
	case "GET /:tenant/:type/:id/:child":
		return "compartment"
	}
	return "other"
}
