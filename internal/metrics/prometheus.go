// Package metrics exposes queue and reminder outcomes to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vetcrm/notifier/internal/models"
)

const namespace = "vetcrm"

// Observer records dispatcher and reminder outcomes. It satisfies
// mailqueue.Observer and reminder.Observer.
type Observer struct {
	sent      prometheus.Counter
	retries   *prometheus.CounterVec
	failed    prometheus.Counter
	immediate *prometheus.CounterVec
	reminders *prometheus.CounterVec
	http      *prometheus.SummaryVec
}

// NewObserver registers the notifier metrics on reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_sent_total",
			Help:      "Queued emails delivered.",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_retry_scheduled_total",
			Help:      "Failed delivery attempts that were rescheduled, by attempt number.",
		}, []string{"attempt"}),
		failed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_failed_total",
			Help:      "Queued emails that exhausted their retries.",
		}),
		immediate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_immediate_total",
			Help:      "Emails sent bypassing the queue, by result.",
		}, []string{"result"}),
		reminders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Appointment reminders handled, by class and result.",
		}, []string{"class", "result"}),
		http: f.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "http_duration_seconds",
			Help:      "Duration of admin API requests.",
		}, []string{"path", "method", "status"}),
	}
}

func (o *Observer) EmailSent() { o.sent.Inc() }

func (o *Observer) EmailRetryScheduled(attempt int) {
	o.retries.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (o *Observer) EmailFailed() { o.failed.Inc() }

func (o *Observer) EmailSentImmediately(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.immediate.WithLabelValues(result).Inc()
}

func (o *Observer) ReminderSent(class models.ReminderClass) {
	o.reminders.WithLabelValues(string(class), "sent").Inc()
}

func (o *Observer) ReminderFailed(class models.ReminderClass) {
	o.reminders.WithLabelValues(string(class), "failed").Inc()
}

// Middleware records request durations labelled by route pattern.
func (o *Observer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		o.http.WithLabelValues(path, r.Method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

// StatsFunc returns current queue statistics.
type StatsFunc func(ctx context.Context) (models.QueueStats, error)

// QueueCollector reports queue counts by status at scrape time.
type QueueCollector struct {
	stats   StatsFunc
	timeout time.Duration
	desc    *prometheus.Desc
}

// NewQueueCollector builds a collector over stats. Register it on the same
// registry as the Observer.
func NewQueueCollector(stats StatsFunc) *QueueCollector {
	return &QueueCollector{
		stats:   stats,
		timeout: 5 * time.Second,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "email_queue", "entries"),
			"Email queue entries created in the last 24 hours, by status.",
			[]string{"status"}, nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	s, err := c.stats(ctx)
	if err != nil {
		slog.Warn("QueueCollector.Collect: stats failed", "error", err)
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for status, v := range map[string]int{
		"total":   s.Total,
		"pending": s.Pending,
		"sent":    s.Sent,
		"failed":  s.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v), status)
	}
}

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
