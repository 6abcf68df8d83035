// Package metrics holds the prometheus collectors shared by the service and
// the trainer.
package metrics

import (
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var objectives = map[float64]float64{
	0.25: 0.05,
	0.50: 0.05,
	0.75: 0.05,
	0.90: 0.05,
	0.95: 0.02,
	0.99: 0.01,
}

var fnDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "fn_duration_seconds",
	Help:       "Duration of individual go functions",
	Objectives: objectives,
}, []string{"function_name"})

var totalRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Number of incoming HTTP requests.",
	},
	[]string{"path"},
)

var responseStatus = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "response_status",
		Help: "Status of HTTP response",
	},
	[]string{"path", "status"},
)

var httpDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "http_response_time_seconds",
	Help:       "Duration of HTTP requests.",
	Objectives: objectives,
}, []string{"path"})

// Classifications counts predictions by predicted class.
var Classifications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "classifications_total",
		Help: "Number of classified images by predicted class.",
	},
	[]string{"class"},
)

// EpochLoss tracks the latest training and validation loss.
var EpochLoss = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "train_epoch_loss",
		Help: "Loss of the last completed epoch.",
	},
	[]string{"split"},
)

type Timer struct {
	timer *prometheus.Timer
}

func (t Timer) Stop() {
	t.timer.ObserveDuration()
}

// Start times the named function until Stop is called.
func Start(funcName string) Timer {
	return Timer{
		timer: prometheus.NewTimer(fnDuration.WithLabelValues(funcName)),
	}
}

// response writer to capture status code from header.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests and records status codes and latency per route
// template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		totalRequests.WithLabelValues(path).Inc()
		timer := prometheus.NewTimer(httpDuration.WithLabelValues(path))
		rw := &responseWriter{w, http.StatusOK}
		next.ServeHTTP(rw, r)
		timer.ObserveDuration()
		responseStatus.WithLabelValues(path, strconv.Itoa(rw.statusCode)).Inc()
	})
}

type PrometheusArgs struct {
	MetricsPort uint `arg:"--metrics-port,env:METRICS_PORT" default:"2112" help:"port serving /metrics, 0 disables it"`
}

// StartServer exposes /metrics on its own port.
func StartServer(port uint) {
	if port == 0 {
		return
	}
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	go func() {
		err := http.ListenAndServe(fmt.Sprintf(":%d", port), router)
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("metric server stopped unexpectedly: %v", err)
		}
	}()
}
