package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LoanMetrics struct {
	transitions   *prometheus.CounterVec
	declined      prometheus.Counter
	rpcRequests   *prometheus.CounterVec
	activeLoans   prometheus.Gauge
	borrowedCount prometheus.Gauge
}

var (
	loanOnce     sync.Once
	loanRegistry *LoanMetrics
)

func Loan() *LoanMetrics {
	loanOnce.Do(func() {
		loanRegistry = &LoanMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loan_transitions_total",
				Help: "Count of loan lifecycle transitions by type.",
			}, []string{"transition"}),
			declined: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "loan_tokens_declined_total",
				Help: "Count of tokens declined during loan admission.",
			}),
			rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loan_rpc_requests_total",
				Help: "Count of JSON-RPC requests by method and outcome.",
			}, []string{"method", "outcome"}),
			activeLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "loan_active",
				Help: "Number of loans currently in the Active state.",
			}),
			borrowedCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "loan_tokens_borrowed",
				Help: "Number of tokens currently possessed by borrowers.",
			}),
		}
		prometheus.MustRegister(
			loanRegistry.transitions,
			loanRegistry.declined,
			loanRegistry.rpcRequests,
			loanRegistry.activeLoans,
			loanRegistry.borrowedCount,
		)
	})
	return loanRegistry
}

// ObserveTransition records a completed lifecycle transition.
func (m *LoanMetrics) ObserveTransition(transition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition).Inc()
}

// ObserveDeclined adds the number of tokens folded into a declined list.
func (m *LoanMetrics) ObserveDeclined(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.declined.Add(float64(count))
}

// ObserveRPC records the outcome of a JSON-RPC call.
func (m *LoanMetrics) ObserveRPC(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}

// AddActive adjusts the Active-state loan gauge by delta.
func (m *LoanMetrics) AddActive(delta int) {
	if m == nil {
		return
	}
	m.activeLoans.Add(float64(delta))
}

// AddBorrowed adjusts the borrowed-token gauge by delta.
func (m *LoanMetrics) AddBorrowed(delta int) {
	if m == nil {
		return
	}
	m.borrowedCount.Add(float64(delta))
}
