package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(extractionsTotal) }

var extractionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "file_extractions_total",
		Help: "Per-file text extraction attempts by format and result.",
	},
	[]string{"format", "result"}, // result: 'ok' | 'error' | 'unsupported'
)

func IncExtraction(format, result string) {
	extractionsTotal.WithLabelValues(norm(format), norm(result)).Inc()
}
