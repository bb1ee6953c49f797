package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 模型门面指标
type Metrics struct {
	InvokeTotal      *prometheus.CounterVec
	InvokeDuration   *prometheus.HistogramVec
	FirstToken       *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec
	QuotaRejections  *prometheus.CounterVec
	StatusTransition *prometheus.CounterVec
}

// NewMetrics 创建指标实例；reg 为 nil 时注册到默认 Registerer
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		InvokeTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_invoke_total",
				Help:      "Total model invocations",
			},
			[]string{"kind", "type", "status"},
		),
		InvokeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_invoke_duration_seconds",
				Help:      "Model invocation duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind", "type"},
		),
		FirstToken: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_first_token_seconds",
				Help:      "Latency to the first streamed token in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_tokens_total",
				Help:      "Total tokens by direction",
			},
			[]string{"direction"},
		),
		QuotaRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_quota_rejections_total",
				Help:      "Invocations rejected by the daily server quota",
			},
			[]string{"server_id"},
		),
		StatusTransition: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_status_transitions_total",
				Help:      "Model health status transitions",
			},
			[]string{"to"},
		),
	}
}
