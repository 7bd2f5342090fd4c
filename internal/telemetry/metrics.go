package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salon-waitlist/internal/waitlist"
)

const (
	JobExpireOffers = "expire-offers"
	JobReactivate   = "reactivate-cooldowns"
	JobChainRetries = "chain-retries"
)

var (
	once sync.Once

	OffersExpired       = prometheus.NewCounter(prometheus.CounterOpts{Name: "waitlist_offers_expired_total", Help: "Offers expired by the reconciler"})
	OffersChained       = prometheus.NewCounter(prometheus.CounterOpts{Name: "waitlist_offers_chained_total", Help: "Freed slots handed to a next candidate"})
	EntriesReactivated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "waitlist_entries_reactivated_total", Help: "Entries returned from cooldown to waiting"})
	BatchErrors         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "waitlist_batch_errors_total", Help: "Rows that failed inside a batch"}, []string{"job"})
	BatchDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "waitlist_batch_duration_seconds", Help: "Batch run duration", Buckets: prometheus.DefBuckets}, []string{"job"})
	ChainRetryScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "waitlist_chain_retries_scheduled_total", Help: "Chain retries put back on the schedule"})
	ChainRetrySucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "waitlist_chain_retries_succeeded_total", Help: "Chain retries that reached the candidate service"})
	ChainRetryDead      = prometheus.NewCounter(prometheus.CounterOpts{Name: "waitlist_chain_retries_dead_letter_total", Help: "Chain retries moved to the DLQ"})
	ChainRetryDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "waitlist_chain_retry_depth", Help: "Chain retries scheduled or in flight"})
	TriggerRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "waitlist_trigger_rate_limit_rejects_total", Help: "Manual triggers rejected by the rate limiter"})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			OffersExpired,
			OffersChained,
			EntriesReactivated,
			BatchErrors,
			BatchDuration,
			ChainRetryScheduled,
			ChainRetrySucceeded,
			ChainRetryDead,
			ChainRetryDepth,
			TriggerRejects,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func ObserveOfferExpiry(res waitlist.OfferExpiryResult, took time.Duration) {
	OffersExpired.Add(float64(res.Processed))
	OffersChained.Add(float64(res.Chained))
	BatchErrors.WithLabelValues(JobExpireOffers).Add(float64(res.Errors))
	BatchDuration.WithLabelValues(JobExpireOffers).Observe(took.Seconds())
}

func ObserveReactivation(res waitlist.ReactivationResult, took time.Duration) {
	EntriesReactivated.Add(float64(res.Reactivated))
	BatchErrors.WithLabelValues(JobReactivate).Add(float64(res.Errors))
	BatchDuration.WithLabelValues(JobReactivate).Observe(took.Seconds())
}
