// Package app 组件装配
//
// API Server、Worker 与 linsightctl 共用同一套装配：
// 基础设施 → 模型门面 → 工具注册表 → SOP 库 → Agent → 编排服务 → 知识库重建。
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"linsight/internal/config"
	"linsight/internal/knowledge/rebuild"
	"linsight/internal/linsight/agent"
	"linsight/internal/linsight/session"
	"linsight/internal/linsight/tools"
	"linsight/internal/llm"
	"linsight/internal/shared/infra"
	"linsight/internal/sop"
	"linsight/pkg/docker"
	"linsight/pkg/logging"
)

// Options 装配选项
type Options struct {
	// Registerer 指标注册表；nil 时使用默认 Registerer
	Registerer prometheus.Registerer

	// Infra 预先构建的基础设施；nil 时按配置初始化
	Infra *infra.Infrastructure
}

// App 装配结果
type App struct {
	Config   *config.Config
	Infra    *infra.Infrastructure
	Models   *llm.Facade
	Tools    *tools.Registry
	SOPs     *sop.Service
	Agent    *agent.Agent
	Sessions *session.Service
	Rebuild  *rebuild.Worker

	log     *logging.Logger
	closers []func() error
	bg      sync.WaitGroup // 后台 SOP 重建
}

// Build 按配置装配全部组件
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := cfg.LLM.MetricsPrefix
	a := &App{Config: cfg, log: logging.New(withComponent(cfg.Log, "app"))}

	inf := opts.Infra
	if inf == nil {
		var err error
		inf, err = infra.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, inf.Close)
	}
	a.Infra = inf

	// 模型门面：遥测同时写日志、指标和调用记录
	llmMetrics := llm.NewMetrics(ns, reg)
	facadeLog := logging.New(withComponent(cfg.Log, "llm"))
	a.Models = llm.NewFacade(inf.Storage, llm.Options{
		Registry:   llm.DefaultRegistry(),
		HTTPClient: &http.Client{},
		Sink: llm.FanOut{
			llm.LogSink{Log: facadeLog},
			llm.MetricsSink{Metrics: llmMetrics},
			llm.StoreSink{Store: inf.Storage, Log: facadeLog},
		},
		Cache:          inf.Cache,
		Objects:        inf.Objects,
		Metrics:        llmMetrics,
		Log:            facadeLog,
		RequestTimeout: cfg.LLM.RequestTimeout,
		RemarkMaxLen:   cfg.LLM.RemarkMaxLen,
		EmbedBatchSize: cfg.Knowledge.EmbedBatchSize,
	})

	// 工具
	a.Tools = tools.NewRegistry(logging.New(withComponent(cfg.Log, "tools")))
	tools.RegisterBuiltins(a.Tools, tools.BuiltinDeps{
		Objects:   inf.Objects,
		Index:     inf.Index,
		Embedders: a.Models,
	})
	a.Tools.Register(tools.MCPToolID, tools.MCPFactory(nil, &http.Client{}, nil))
	if cfg.Sandbox.Enabled {
		dc, err := docker.NewClient()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("sandbox: %w", err)
		}
		a.closers = append(a.closers, dc.Close)
		a.Tools.Register(tools.CodeInterpreterToolID, tools.CodeInterpreterFactory(dc, tools.SandboxOptions{
			Image:    cfg.Sandbox.Image,
			MemoryMB: cfg.Sandbox.MemoryMB,
			Timeout:  cfg.Sandbox.Timeout,
			Objects:  inf.Objects,
		}))
	}

	a.SOPs = sop.New(inf.Storage, inf.Index, a.Models, inf.Locker,
		sop.WithLogger(logging.New(withComponent(cfg.Log, "sop"))))

	a.Agent = agent.New(agent.Deps{
		Store:   inf.Storage,
		SOPs:    a.SOPs,
		Models:  a.Models,
		Tools:   a.Tools,
		Bus:     inf.Bus,
		Objects: inf.Objects,
		Log:     logging.New(withComponent(cfg.Log, "agent")),
		Metrics: agent.NewMetrics(ns, reg),
	}, agent.ConfigFrom(cfg.Linsight))

	a.Sessions = session.New(session.Deps{
		Store:     inf.Storage,
		Bus:       inf.Bus,
		Queue:     inf.Queue,
		Objects:   inf.Objects,
		SOPs:      a.SOPs,
		Generator: a.Agent,
		Log:       logging.New(withComponent(cfg.Log, "session")),
	}, session.ConfigFrom(cfg.Linsight))

	a.Rebuild = rebuild.New(rebuild.Deps{
		Store:     inf.Storage,
		Index:     inf.Index,
		Embedders: a.Models,
		Queue:     inf.Queue,
		Locker:    inf.Locker,
		Metrics:   rebuild.NewMetrics(ns, reg),
		Log:       logging.New(withComponent(cfg.Log, "kb-rebuild")),
	}, rebuild.ConfigFrom(cfg.Knowledge, cfg.Linsight.PopTimeout))

	// 向量模型变更：知识库投递重建，SOP 集合后台重建
	a.Models.OnEmbeddingModelChange(a.Rebuild.EmbeddingModelChanged)
	a.Models.OnEmbeddingModelChange(a.rebuildSOPIndex)

	log.Printf("[App] components ready: env=%s sandbox=%v", cfg.Env, cfg.Sandbox.Enabled)
	return a, nil
}

// rebuildSOPIndex 后台重建 SOP 向量集合，不阻塞配置保存
func (a *App) rebuildSOPIndex(ctx context.Context, _, newModelID string) error {
	ctx = context.WithoutCancel(ctx)
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		if err := a.SOPs.RebuildVectorIndex(ctx, newModelID); err != nil {
			a.log.WithError(err).Error("sop vector rebuild failed", "embedding_model_id", newModelID)
		}
	}()
	return nil
}

// Close 等待后台任务并释放资源（逆序）
func (a *App) Close() error {
	a.bg.Wait()
	var lastErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			lastErr = err
		}
	}
	a.closers = nil
	return lastErr
}

func withComponent(c logging.Config, component string) logging.Config {
	c.Component = component
	return c
}
