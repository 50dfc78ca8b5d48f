// Package metrics exposes Prometheus counters for sign-in outcomes, visitor
// events and HTTP traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lcpsych"

// Metrics holds the registered collectors
type Metrics struct {
	gatherer prometheus.Gatherer

	signinTotal         *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	invitationsTotal    *prometheus.CounterVec
	visitorEventsTotal  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry, which keeps tests independent.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		signinTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signin_total",
			Help:      "Single sign-on callbacks by outcome",
		}, []string{"outcome"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		invitationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_total",
			Help:      "Staff invitations by delivery result",
		}, []string{"result"}),
		visitorEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visitor_events_total",
			Help:      "Visitor behaviour events accepted by type",
		}, []string{"event_type"}),
	}

	for _, c := range []prometheus.Collector{
		m.signinTotal,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.invitationsTotal,
		m.visitorEventsTotal,
		collectors.NewGoCollector(),
	} {
		if err := registerCollector(reg, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// SignIn counts one callback outcome
func (m *Metrics) SignIn(outcome string) {
	if m == nil {
		return
	}
	m.signinTotal.WithLabelValues(outcome).Inc()
}

// Invitation counts one invitation by delivery result
func (m *Metrics) Invitation(result string) {
	if m == nil {
		return
	}
	m.invitationsTotal.WithLabelValues(result).Inc()
}

// VisitorEvent counts one stored visitor event
func (m *Metrics) VisitorEvent(eventType string) {
	if m == nil {
		return
	}
	m.visitorEventsTotal.WithLabelValues(eventType).Inc()
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
