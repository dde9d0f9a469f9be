package custody

import (
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_operations_total",
			Help: "Bank operations by result",
		},
		[]string{"op", "result"},
	)

	valuationUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_valuation_usd",
			Help: "Aggregate valuation accumulator in USD",
		},
	)
)

// RegisterMetrics registers the bank collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{operationsTotal, valuationUSD} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = errorKind(err)
	}

	operationsTotal.WithLabelValues(op, result).Inc()
}

func observeValuation(v *uint256.Int) {
	f, _ := FormatUSD(v).Float64()
	valuationUSD.Set(f)
}
