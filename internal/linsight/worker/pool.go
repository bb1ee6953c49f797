// Package worker 执行队列消费者
//
// 多个 goroutine 并行从执行队列弹出 SessionVersion ID，交给 Runner 执行。
// 版本状态检查（非 Queued 跳过）由 Runner 负责，Pool 只管调度与存活监控：
//   - 单次执行超过 AliveWarning 记录告警，不中断执行
//   - 队列读取失败时退避 1s 重试
//   - Stop 或 ctx 取消后等待在途执行返回
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"linsight/internal/config"
	"linsight/internal/shared/queue"
	"linsight/pkg/logging"
)

// Runner 执行单个 SessionVersion
type Runner interface {
	Execute(ctx context.Context, versionID string) error
}

// Config Pool 配置
type Config struct {
	QueueName    string
	Workers      int
	PopTimeout   time.Duration
	AliveWarning time.Duration
	RetryBackoff time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		QueueName:    queue.NameLinsight,
		Workers:      2,
		PopTimeout:   5 * time.Second,
		AliveWarning: time.Hour,
		RetryBackoff: time.Second,
	}
}

// ConfigFrom 从统一配置构建
func ConfigFrom(c config.LinsightConfig) Config {
	cfg := DefaultConfig()
	if c.QueueName != "" {
		cfg.QueueName = c.QueueName
	}
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.PopTimeout > 0 {
		cfg.PopTimeout = c.PopTimeout
	}
	if c.AliveWarning > 0 {
		cfg.AliveWarning = c.AliveWarning
	}
	return cfg
}

// ============================================================================
// 指标
// ============================================================================

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Metrics Pool 指标
type Metrics struct {
	QueueDepth   prometheus.Gauge
	Busy         prometheus.Gauge
	RunsTotal    *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	AliveWarning prometheus.Counter
}

// NewMetrics 创建指标实例；reg 为 nil 时注册到默认 Registerer
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "linsight_queue_depth",
			Help:      "Versions waiting in the execution queue",
		}),
		Busy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "linsight_workers_busy",
			Help:      "Workers currently executing a version",
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "linsight_versions_total",
			Help:      "Versions popped and executed by outcome",
		}, []string{"status"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "linsight_version_duration_seconds",
			Help:      "Wall time of a version execution",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		}),
		AliveWarning: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "linsight_alive_warnings_total",
			Help:      "Executions that exceeded the alive warning threshold",
		}),
	}
}

// ============================================================================
// Pool
// ============================================================================

// Pool 执行队列消费者池
type Pool struct {
	queue   queue.Queue
	runner  Runner
	cfg     Config
	log     *logging.Logger
	metrics *Metrics

	mu      sync.Mutex // 保护 running/stopCh
	running bool
	stopCh  chan struct{}
}

// Option Pool 选项
type Option func(*Pool)

// WithLogger 设置日志
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithMetrics 设置指标
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New 创建 Pool
func New(q queue.Queue, runner Runner, cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.QueueName == "" {
		cfg.QueueName = def.QueueName
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = def.PopTimeout
	}
	if cfg.AliveWarning <= 0 {
		cfg.AliveWarning = def.AliveWarning
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	p := &Pool{
		queue:  q,
		runner: runner,
		cfg:    cfg,
		log:    logging.Default("worker"),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics("linsight", prometheus.NewRegistry())
	}
	return p
}

// Start 启动消费循环，阻塞至 ctx 取消或 Stop，并等待在途执行结束
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	stopCh := p.stopCh
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.log.Info("worker pool started", "queue", p.cfg.QueueName, "workers", p.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.consume(ctx, slot)
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	p.running = false
	p.stopCh = make(chan struct{})
	p.mu.Unlock()
	p.log.Info("worker pool stopped", "queue", p.cfg.QueueName)
}

// Stop 停止消费
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		select {
		case <-p.stopCh:
		default:
			close(p.stopCh)
		}
	}
}

// consume 单个 worker 的弹出循环
func (p *Pool) consume(ctx context.Context, slot int) {
	log := p.log.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := p.queue.Pop(ctx, p.cfg.QueueName, p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("pop failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.RetryBackoff):
			}
			continue
		}
		p.observeDepth(ctx)
		if id == "" {
			continue
		}
		p.run(ctx, id)
	}
}

// run 执行一个版本；panic 视为失败，不拖垮 worker
func (p *Pool) run(ctx context.Context, versionID string) {
	log := p.log.WithContext(ctx).WithVersionID(versionID)
	start := time.Now()
	p.metrics.Busy.Inc()
	defer p.metrics.Busy.Dec()

	alive := time.AfterFunc(p.cfg.AliveWarning, func() {
		p.metrics.AliveWarning.Inc()
		log.Warn("version still running", "alive", time.Since(start).Round(time.Second).String())
	})
	defer alive.Stop()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("panic during execution")
				log.Error("execution panicked", "panic", r)
			}
		}()
		return p.runner.Execute(logging.ContextWithVersionID(ctx, versionID), versionID)
	}()

	elapsed := time.Since(start)
	p.metrics.RunDuration.Observe(elapsed.Seconds())
	if err != nil {
		p.metrics.RunsTotal.WithLabelValues(StatusFailed).Inc()
		log.WithError(err).WithDuration(elapsed).Error("execution failed")
		return
	}
	p.metrics.RunsTotal.WithLabelValues(StatusSuccess).Inc()
	log.WithDuration(elapsed).Info("execution finished")
}

func (p *Pool) observeDepth(ctx context.Context) {
	n, err := p.queue.Len(ctx, p.cfg.QueueName)
	if err != nil {
		return
	}
	p.metrics.QueueDepth.Set(float64(n))
}
