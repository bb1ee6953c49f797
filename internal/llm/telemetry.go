package llm

import (
	"context"
	"errors"

	"linsight/internal/shared/model"
	"linsight/pkg/logging"
)

// TelemetrySink 调用遥测接收方
type TelemetrySink interface {
	Record(ctx context.Context, kind model.ProviderKind, inv *model.ModelInvoke)
}

// InvokeStore 遥测持久化所需的存储子集
type InvokeStore interface {
	CreateModelInvoke(ctx context.Context, inv *model.ModelInvoke) error
}

// FanOut 依次分发给多个接收方
type FanOut []TelemetrySink

func (f FanOut) Record(ctx context.Context, kind model.ProviderKind, inv *model.ModelInvoke) {
	for _, s := range f {
		s.Record(ctx, kind, inv)
	}
}

// LogSink 写结构化日志
type LogSink struct {
	Log *logging.Logger
}

func (s LogSink) Record(ctx context.Context, _ model.ProviderKind, inv *model.ModelInvoke) {
	var err error
	if inv.Error != "" {
		err = errors.New(inv.Error)
	}
	s.Log.WithContext(ctx).ModelInvokeLog(inv.ModelID, inv.ServerID, string(inv.Status), inv.IsStream,
		inv.EndTime.Sub(inv.StartTime), err)
}

// MetricsSink 更新 Prometheus 指标
type MetricsSink struct {
	Metrics *Metrics
}

func (s MetricsSink) Record(_ context.Context, kind model.ProviderKind, inv *model.ModelInvoke) {
	m := s.Metrics
	m.InvokeTotal.WithLabelValues(string(kind), string(inv.ModelType), string(inv.Status)).Inc()
	m.InvokeDuration.WithLabelValues(string(kind), string(inv.ModelType)).Observe(inv.EndTime.Sub(inv.StartTime).Seconds())
	if inv.IsStream && inv.FirstTokenLatency > 0 {
		m.FirstToken.WithLabelValues(string(kind)).Observe(float64(inv.FirstTokenLatency) / 1000)
	}
	if inv.Usage.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues("prompt").Add(float64(inv.Usage.PromptTokens))
	}
	if inv.Usage.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues("completion").Add(float64(inv.Usage.CompletionTokens))
	}
}

// StoreSink 持久化 ModelInvoke；写入失败只记日志
type StoreSink struct {
	Store InvokeStore
	Log   *logging.Logger
}

func (s StoreSink) Record(ctx context.Context, _ model.ProviderKind, inv *model.ModelInvoke) {
	if err := s.Store.CreateModelInvoke(context.WithoutCancel(ctx), inv); err != nil {
		s.Log.WithError(err).Warn("persist model invoke failed", "model_id", inv.ModelID)
	}
}
