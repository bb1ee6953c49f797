// Package cli linsightctl 命令行
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"linsight/internal/app"
	"linsight/internal/config"
)

var (
	// Version 构建时注入
	Version = "0.1.0"

	configDir string

	cfg *config.Config
	a   *app.App

	// 测试替换
	loadConfig = config.Load
	buildApp   = func(ctx context.Context, c *config.Config) (*app.App, error) {
		// 命令行不暴露指标，使用独立注册表
		return app.Build(ctx, c, app.Options{Registerer: prometheus.NewRegistry()})
	}
)

// noInfra 不需要连接存储的命令
var noInfra = map[string]bool{"help": true, "version": true, "token": true}

var rootCmd = &cobra.Command{
	Use:   "linsightctl",
	Short: "Linsight 运维命令行",
	Long: `linsightctl 管理 SOP 库、执行队列与知识库重建。

与 API Server / Worker 共用同一份配置（--config 或 CONFIG_DIR）。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configDir != "" {
			config.SetConfigDir(configDir)
		}
		cfg = loadConfig()
		if noInfra[cmd.Name()] {
			return nil
		}
		var err error
		a, err = buildApp(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if a != nil {
			if err := a.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: close: %v\n", err)
			}
			a = nil
		}
	},
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "配置文件目录")

	rootCmd.AddCommand(sopCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(kbCmd)
	rootCmd.AddCommand(tokenCmd)
}
