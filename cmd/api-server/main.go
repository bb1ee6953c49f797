// Package main API Server 入口
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"linsight/internal/apiserver/auth"
	"linsight/internal/apiserver/server"
	"linsight/internal/app"
	"linsight/internal/config"
	"linsight/internal/linsight/worker"
	"linsight/pkg/logging"
)

func main() {
	configDir := flag.String("config", "", "配置文件目录")
	flag.Parse()
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	// 加载配置（.env 凭据 + YAML + 环境变量覆盖）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	authCfg := auth.ConfigFrom(cfg.Auth)
	h := server.NewHandler(server.Deps{
		Sessions:  a.Sessions,
		SOPs:      a.SOPs,
		Models:    a.Models,
		Knowledge: a.Infra.Storage,
		Rebuilder: a.Rebuild,
		Versions:  a.Infra.Storage,
		Queue:     a.Infra.Queue,
		Queues:    []string{cfg.Linsight.QueueName, cfg.Knowledge.QueueName},
		Auth:      authCfg,
		Metrics:   server.NewMetrics(cfg.LLM.MetricsPrefix, nil),
		Gatherer:  prometheus.DefaultGatherer,
		Log:       logging.New(withComponent(cfg.Log, "api")),
	})

	// 未配置 Redis 时队列在进程内，由本进程消费
	if cfg.RedisURL == "" {
		log.Println("Redis not configured, running embedded worker")
		pool := worker.New(a.Infra.Queue, a.Agent, worker.ConfigFrom(cfg.Linsight),
			worker.WithLogger(logging.New(withComponent(cfg.Log, "worker"))),
			worker.WithMetrics(worker.NewMetrics(cfg.LLM.MetricsPrefix, nil)))
		go pool.Start(ctx)
		go func() {
			if err := a.Rebuild.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Knowledge rebuild worker stopped: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     h.Router(),
		ReadTimeout: 15 * time.Second,
		// SSE 与 WebSocket 为长连接，不设置 WriteTimeout
		IdleTimeout: 60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s (queues: %s, %s)", cfg.APIPort, cfg.Linsight.QueueName, cfg.Knowledge.QueueName)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

func withComponent(c logging.Config, component string) logging.Config {
	c.Component = component
	return c
}
