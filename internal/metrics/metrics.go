// Package metrics exposes Prometheus instrumentation for the license
// service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clublicense"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route and status class.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ReservationsTotal counts reservation outcomes: started, completed,
	// cancelled, expired, no_license.
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation lifecycle events by outcome.",
		},
		[]string{"outcome"},
	)

	SaleProfitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sale_profit_minor_units_total",
			Help:      "Club profit credited by completed sales, in minor currency units.",
		},
	)

	DebtChargedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debt_charged_minor_units_total",
			Help:      "Monthly debt charged to clubs, in minor currency units.",
		},
	)

	CommissionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commissions_created_total",
			Help:      "Agent commission records created.",
		},
	)

	// AgreementChargesTotal counts monthly wallet charges by result
	// (requested, failed).
	AgreementChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agreement_charges_total",
			Help:      "Monthly wallet agreement charges by result.",
		},
		[]string{"result"},
	)

	// WebhookEventsTotal counts provider events by provider and result
	// (applied, duplicate, ignored, unreconciled, rejected, retry).
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment provider webhook events by result.",
		},
		[]string{"provider", "result"},
	)

	PersistenceRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_retries_total",
			Help:      "Transactions retried after a persistence conflict.",
		},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job runs by job and result.",
		},
		[]string{"job", "result"},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_in_use_connections",
		Help:      "Database connections currently in use.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReservationsTotal,
		SaleProfitTotal,
		DebtChargedTotal,
		CommissionsCreatedTotal,
		AgreementChargesTotal,
		WebhookEventsTotal,
		PersistenceRetriesTotal,
		JobRunsTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats into gauges until ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per route pattern.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path() // route pattern, not the raw URL
			timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request().Method, path))
			err := next(c)
			timer.ObserveDuration()

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, statusBucket(status)).Inc()
			return err
		}
	}
}

// Handler serves the Prometheus exposition format.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
