// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	UserIDKey    ContextKey = "user_id"
	VersionIDKey ContextKey = "session_version_id"
	TaskIDKey    ContextKey = "task_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"` // json or text
	Output    string `json:"output" yaml:"output"` // stdout, stderr, or file path
	Component string `json:"component" yaml:"-"`
}

// New 创建新的日志器
//
// Output 为文件路径时同时写 stdout 和文件
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: parseLevel(cfg.Level) == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Output {
	case "stdout", "":
		handler = newHandler(cfg.Format, os.Stdout, opts)
	case "stderr":
		handler = newHandler(cfg.Format, os.Stderr, opts)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			handler = newHandler(cfg.Format, os.Stdout, opts)
		} else {
			handler = slogmulti.Fanout(
				newHandler(cfg.Format, os.Stdout, opts),
				slog.NewJSONHandler(f, opts),
			)
		}
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    os.Getenv("LOG_OUTPUT"),
		Component: component,
	})
}

// Discard 丢弃所有输出的日志器（测试用）
func Discard(component string) *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		component: component,
	}
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{TraceIDKey, UserIDKey, VersionIDKey, TaskIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

// WithVersionID 添加 SessionVersion ID
func (l *Logger) WithVersionID(versionID string) *Logger {
	return l.with(slog.String(string(VersionIDKey), versionID))
}

// WithTaskID 添加 Task ID
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.with(slog.String(string(TaskIDKey), taskID))
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// ContextWithVersionID 把 SessionVersion ID 写入上下文
func ContextWithVersionID(ctx context.Context, versionID string) context.Context {
	return context.WithValue(ctx, VersionIDKey, versionID)
}

// ContextWithTaskID 把 Task ID 写入上下文
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// ContextWithUserID 把用户 ID 写入上下文
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// TaskLog 任务日志
func (l *Logger) TaskLog(action, versionID, taskID string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String(string(VersionIDKey), versionID),
		slog.String(string(TaskIDKey), taskID),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Task event", attrs...)
}

// ModelInvokeLog 模型调用日志
func (l *Logger) ModelInvokeLog(modelID, serverID, status string, stream bool, latency time.Duration, err error) {
	attrs := []any{
		slog.String("model_id", modelID),
		slog.String("server_id", serverID),
		slog.String("status", status),
		slog.Bool("stream", stream),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Model invoke failed", attrs...)
		return
	}
	l.Logger.Debug("Model invoke", attrs...)
}
