package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics Agent 指标
type Metrics struct {
	VersionsTotal *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	ToolCalls     *prometheus.CounterVec
	Replans       prometheus.Counter
}

// NewMetrics 创建指标实例；reg 为 nil 时注册到默认 Registerer
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		VersionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "linsight_version_transitions_total",
				Help:      "Session version status transitions",
			},
			[]string{"status"},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "linsight_step_duration_seconds",
				Help:      "Execution time of a leaf task",
				Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "linsight_tool_calls_total",
				Help:      "Tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		Replans: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "linsight_replans_total",
				Help:      "Replanning attempts after a failed step",
			},
		),
	}
}
