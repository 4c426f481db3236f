package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	locksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_locks_total",
			Help: "Total successful payment locks",
		},
	)

	submissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_submissions_total",
			Help: "Total transaction hashes accepted for verification",
		},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_verifications_total",
			Help: "Verifier outcomes by result",
		},
		[]string{"result"},
	)

	verifyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "verifier_queue_depth",
			Help: "Jobs waiting for a verifier worker",
		},
	)
)

// TrackLock counts a successful payment lock.
func TrackLock() { locksTotal.Inc() }

// TrackSubmission counts an accepted transaction submission.
func TrackSubmission() { submissionsTotal.Inc() }

// TrackVerification counts a verifier outcome.  Result is "confirmed" or a
// failure reason tag.
func TrackVerification(result string) {
	verificationsTotal.WithLabelValues(result).Inc()
}

// SetVerifyQueueDepth records the current verifier backlog.
func SetVerifyQueueDepth(n int) { verifyQueueDepth.Set(float64(n)) }
