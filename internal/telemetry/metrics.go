package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Enqueued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_enqueued_total", Help: "Missed calls enrolled in recovery"})
	AttemptsSent    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_attempts_sent_total", Help: "Outreach messages dispatched"})
	SendFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_send_failures_total", Help: "Transient send failures left for the next cycle"})
	Recovered       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_recovered_total", Help: "Entries recovered by a customer reply"})
	Escalated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_escalated_total", Help: "Entries handed off to a human"})
	Expired         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_expired_total", Help: "Entries expired with escalation disabled"})
	OptOuts         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_opt_outs_total", Help: "STOP replies processed"})
	LockContention  = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_lock_contention_total", Help: "Entries skipped because another worker held the lease"})
	EntryFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_entry_failures_total", Help: "Entries marked failed by an unrecoverable processing error"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_rate_limit_rejects_total", Help: "Webhook requests rejected by the rate limiter"})
	ActiveEntries   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recovery_active_entries", Help: "Entries in an active workflow state"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Enqueued,
			AttemptsSent,
			SendFailures,
			Recovered,
			Escalated,
			Expired,
			OptOuts,
			LockContention,
			EntryFailures,
			RateLimitRejects,
			ActiveEntries,
		)
	})
	return promhttp.Handler()
}
