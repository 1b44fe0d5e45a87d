package metrics

import (
	kitmetrics "github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"

	"flowcore/internal/storage"
)

// StoreInstruments registers the storage request metrics on reg and returns
// them in the form storage.NewInstrumentingMiddleware takes.
func StoreInstruments(reg prometheus.Registerer) (kitmetrics.Counter, kitmetrics.Histogram) {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "request_count",
		Help:      "storage request count",
	}, storage.MethodErrorLabels)
	sv := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "request_duration",
		Help:      "storage request duration",
	}, storage.MethodErrorLabels)
	reg.MustRegister(cv, sv)
	return kitprometheus.NewCounter(cv), kitprometheus.NewSummary(sv)
}
