// Package main Worker 入口
//
// 消费执行队列并运行 Agent；同进程内运行知识库重建循环。
// 指标通过 --metrics-addr 暴露。
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linsight/internal/app"
	"linsight/internal/config"
	"linsight/internal/linsight/worker"
	"linsight/pkg/logging"
)

func main() {
	configDir := flag.String("config", "", "配置文件目录")
	metricsAddr := flag.String("metrics-addr", ":9102", "指标监听地址，为空不监听")
	workers := flag.Int("workers", 0, "并发执行数，0 表示使用配置")
	flag.Parse()
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	cfg := config.Load()
	if *workers > 0 {
		cfg.Linsight.Workers = *workers
	}
	log.Printf("Starting Linsight Worker... [env=%s workers=%d]", cfg.Env, cfg.Linsight.Workers)
	log.Printf("Config: %s", cfg.String())
	if cfg.RedisURL == "" {
		log.Println("WARNING: Redis not configured, worker only sees its own in-process queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	pool := worker.New(a.Infra.Queue, a.Agent, worker.ConfigFrom(cfg.Linsight),
		worker.WithLogger(logging.New(withComponent(cfg.Log, "worker"))),
		worker.WithMetrics(worker.NewMetrics(cfg.LLM.MetricsPrefix, nil)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := a.Rebuild.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Knowledge rebuild worker stopped: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down worker, waiting for running versions...")
	pool.Stop()
	cancel()
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("Worker stopped")
}

func withComponent(c logging.Config, component string) logging.Config {
	c.Component = component
	return c
}
