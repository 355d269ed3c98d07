package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/warden/internal/breaker"
)

// breakerStateValue maps breaker states onto a gauge.
func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// newRegistry builds a private registry so several servers (and tests) never
// collide on global registration.
func (s *Server) newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_http_requests_total",
		Help: "Operations API requests by route and status code.",
	}, []string{"route", "code"})
	reg.MustRegister(s.httpRequests)

	if s.cfg.DLQ != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "warden_dlq_pending",
			Help: "Dead-lettered actions awaiting an operator decision.",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := s.cfg.DLQ.CountPending(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		}))
	}
	if s.cfg.Approvals != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "warden_approvals_pending",
			Help: "Approval requests waiting for an operator.",
		}, func() float64 { return float64(len(s.cfg.Approvals.Pending())) }))
	}
	if s.cfg.Scheduler != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "warden_tasks_running",
			Help: "Tasks currently executing.",
		}, func() float64 { return float64(s.cfg.Scheduler.Running()) }))
	}
	for _, b := range s.cfg.Breakers {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "warden_breaker_state",
			Help:        "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			ConstLabels: prometheus.Labels{"breaker": b.Name()},
		}, func() float64 { return breakerStateValue(b.State()) }))
	}
	if s.cfg.Audit != nil {
		reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "warden_audit_events_total",
				Help: "Audit events recorded since start.",
			}, func() float64 { return float64(s.cfg.Audit.Recorded()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "warden_policy_denies_total",
				Help: "Policy DENY decisions since start.",
			}, func() float64 { return float64(s.cfg.Audit.DenyCount()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "warden_audit_sink_errors_total",
				Help: "Audit sink write failures since start.",
			}, func() float64 { return float64(s.cfg.Audit.Errors()) }),
		)
	}
	if s.cfg.Bus != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "warden_bus_dropped_total",
			Help: "Bus events dropped because a subscriber was full.",
		}, func() float64 { return float64(s.cfg.Bus.Dropped()) }))
	}
	return reg
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed for the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// countRequests records the matched route pattern, never the raw path, so ids
// do not explode label cardinality.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.httpRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		s.cfg.Metrics.Request(r.Context(), route, time.Since(start).Seconds())
	})
}
