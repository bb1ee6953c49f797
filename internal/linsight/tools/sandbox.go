package tools

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/model"
	"linsight/pkg/docker"
)

// CodeInterpreterToolID Python 代码解释器
const CodeInterpreterToolID = "code_interpreter"

const (
	sandboxWorkDir   = "/workspace"
	maxSandboxOutput = 8000
)

// Runner 运行一次性容器（docker.Client 实现）
type Runner interface {
	Run(ctx context.Context, cfg *docker.RunConfig) (*docker.RunResult, error)
}

// SandboxOptions 沙箱参数
type SandboxOptions struct {
	Image    string
	MemoryMB int64
	Timeout  time.Duration
	// Objects 非空时把已解析附件写入 /workspace/input
	Objects objstore.Store
}

// CodeInterpreterFactory 代码解释器工厂；预设 timeout_seconds 覆盖默认超时
func CodeInterpreterFactory(runner Runner, opts SandboxOptions) Factory {
	if opts.Image == "" {
		opts.Image = "python:3.12-slim"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return func(_ context.Context, b model.ToolBinding) ([]Tool, io.Closer, error) {
		o := opts
		if sec := b.PresetInt(PresetTimeout, 0); sec > 0 {
			o.Timeout = time.Duration(sec) * time.Second
		}
		return []Tool{&codeInterpreterTool{runner: runner, opts: o}}, nil, nil
	}
}

type codeInterpreterTool struct {
	runner Runner
	opts   SandboxOptions
}

func (t *codeInterpreterTool) Name() string { return CodeInterpreterToolID }

func (t *codeInterpreterTool) Description() string {
	return "Run a Python 3 script in an isolated sandbox without network access. Attached files are available under /workspace/input. Print results to stdout."
}

func (t *codeInterpreterTool) Schema() map[string]any {
	return objectSchema([]string{"code"}, map[string]any{
		"code": map[string]any{"type": "string", "description": "python source code"},
	})
}

func (t *codeInterpreterTool) Invoke(ctx context.Context, env *Env, args string) (*Result, error) {
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Code) == "" {
		return nil, fmt.Errorf("%w: code is empty", ErrInvalidArgs)
	}

	files := map[string][]byte{"main.py": []byte(in.Code)}
	if t.opts.Objects != nil && env != nil {
		for _, f := range env.Files {
			if !f.IsParsed() {
				continue
			}
			data, err := objstore.ReadAll(ctx, t.opts.Objects, f.MarkdownObjectKey)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", f.OriginalName, err)
			}
			files[path.Join("input", f.FileID+".md")] = data
		}
	}

	res, err := t.runner.Run(ctx, &docker.RunConfig{
		ContainerConfig: docker.ContainerConfig{
			Image:           t.opts.Image,
			Cmd:             []string{"python", "main.py"},
			WorkingDir:      sandboxWorkDir,
			MemoryMB:        t.opts.MemoryMB,
			NetworkDisabled: true,
			PidsLimit:       128,
		},
		Files:   files,
		Timeout: t.opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	return &Result{Content: formatRun(res, t.opts.Timeout)}, nil
}

func formatRun(res *docker.RunResult, timeout time.Duration) string {
	var b strings.Builder
	if res.TimedOut {
		fmt.Fprintf(&b, "execution timed out after %s\n", timeout)
	} else {
		fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	}
	if s := clip(res.Stdout); s != "" {
		b.WriteString("stdout:\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	if s := clip(res.Stderr); s != "" {
		b.WriteString("stderr:\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func clip(s string) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= maxSandboxOutput {
		return s
	}
	// 保留尾部，报错信息通常在最后
	return "...(truncated)\n" + strings.ToValidUTF8(s[len(s)-maxSandboxOutput:], "")
}
