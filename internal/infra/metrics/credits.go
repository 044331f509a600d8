package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(creditsDeducted, creditChargesTotal) }

var (
	creditsDeducted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credits_deducted_total",
		Help: "Credits removed from user balances.",
	})

	creditChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_charges_total",
			Help: "Charge attempts by result.",
		},
		[]string{"result"}, // 'ok' | 'insufficient' | 'duplicate'
	)
)

func ObserveCharge(result string, amount int64) {
	creditChargesTotal.WithLabelValues(norm(result)).Inc()
	if result == "ok" {
		creditsDeducted.Add(float64(amount))
	}
}
