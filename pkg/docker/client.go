// Package docker 封装 Docker API 客户端
//
// 使用官方 github.com/moby/moby/client 库
// 提供一次性沙箱容器的创建、文件注入、运行与回收，用于代码解释器工具
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// ContainerConfig 容器配置
type ContainerConfig struct {
	Name            string   // 容器名称
	Image           string   // 镜像名称
	Cmd             []string // 启动命令
	Env             []string // 环境变量
	WorkingDir      string   // 工作目录
	MemoryMB        int64    // 内存上限（MB），0 表示不限制
	NetworkDisabled bool     // 禁用网络
	PidsLimit       int64    // 进程数上限，0 表示不限制
}

// RunConfig 一次性运行配置
type RunConfig struct {
	ContainerConfig
	Files   map[string][]byte // 运行前写入 WorkingDir 的文件（相对路径）
	Timeout time.Duration     // 超时后强制结束
}

// RunResult 运行结果
type RunResult struct {
	ExitCode int64
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Client Docker客户端封装
type Client struct {
	cli *client.Client
}

// NewClient 创建Docker客户端
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping 检查Docker连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}

// EnsureImage 本地不存在时拉取镜像
func (c *Client) EnsureImage(ctx context.Context, image string) error {
	_, err := c.cli.ImageInspect(ctx, image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}
	resp, err := c.cli.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer resp.Close()
	return resp.Wait(ctx)
}

// CreateContainer 创建容器
func (c *Client) CreateContainer(ctx context.Context, cfg *ContainerConfig) (string, error) {
	hostCfg := &container.HostConfig{}
	if cfg.MemoryMB > 0 {
		hostCfg.Memory = cfg.MemoryMB * 1024 * 1024
	}
	if cfg.PidsLimit > 0 {
		limit := cfg.PidsLimit
		hostCfg.PidsLimit = &limit
	}
	if cfg.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	opts := client.ContainerCreateOptions{
		Name:  cfg.Name,
		Image: cfg.Image,
		Config: &container.Config{
			Cmd:             cfg.Cmd,
			Env:             cfg.Env,
			WorkingDir:      cfg.WorkingDir,
			NetworkDisabled: cfg.NetworkDisabled,
			AttachStdout:    true,
			AttachStderr:    true,
		},
		HostConfig: hostCfg,
	}

	result, err := c.cli.ContainerCreate(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return result.ID, nil
}

// CopyFiles 以 tar 流写入文件到容器目录
func (c *Client) CopyFiles(ctx context.Context, containerID, dir string, files map[string][]byte) error {
	if len(files) == 0 {
		return nil
	}
	archive, err := tarFiles(files)
	if err != nil {
		return err
	}
	_, err = c.cli.CopyToContainer(ctx, containerID, client.CopyToContainerOptions{
		DestinationPath: dir,
		Content:         archive,
	})
	if err != nil {
		return fmt.Errorf("failed to copy files into container: %w", err)
	}
	return nil
}

func tarFiles(files map[string][]byte) (io.Reader, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		clean := strings.TrimLeft(name, "/")
		if clean == "" || strings.Contains(clean, "..") {
			return nil, fmt.Errorf("invalid file name %q", name)
		}
		data := files[name]
		if err := tw.WriteHeader(&tar.Header{
			Name:    clean,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// StartContainer 启动容器
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	_, err := c.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

// KillContainer 强制结束容器
func (c *Client) KillContainer(ctx context.Context, containerID string) error {
	_, err := c.cli.ContainerKill(ctx, containerID, client.ContainerKillOptions{})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// RemoveContainer 删除容器
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	_, err := c.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// WaitContainer 等待容器退出
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	waitResult := c.cli.ContainerWait(ctx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	select {
	case err := <-waitResult.Error:
		if err != nil {
			return -1, err
		}
		return 0, nil
	case resp := <-waitResult.Result:
		return resp.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ContainerLogs 获取容器输出，按 stdout/stderr 拆分
func (c *Client) ContainerLogs(ctx context.Context, containerID string) (string, string, error) {
	rc, err := c.cli.ContainerLogs(ctx, containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     false,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("failed to read container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Run 创建一次性容器执行命令并回收
//
// 超时后强制结束容器，TimedOut=true，已产生的输出仍然返回。
// 容器在返回前一定被删除（使用独立的清理上下文）。
func (c *Client) Run(ctx context.Context, cfg *RunConfig) (*RunResult, error) {
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("linsight_sandbox_%d", time.Now().UnixNano())
	}
	if err := c.EnsureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	id, err := c.CreateContainer(ctx, &cfg.ContainerConfig)
	if err != nil {
		return nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = c.RemoveContainer(cleanupCtx, id, true)
	}()

	dir := cfg.WorkingDir
	if dir == "" {
		dir = "/"
	}
	if err := c.CopyFiles(ctx, id, dir, cfg.Files); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := c.StartContainer(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	waitCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	res := &RunResult{}
	code, err := c.WaitContainer(waitCtx, id)
	switch {
	case err == nil:
		res.ExitCode = code
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = c.KillContainer(killCtx, id)
		cancel()
	default:
		return nil, err
	}
	res.Duration = time.Since(start)

	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res.Stdout, res.Stderr, err = c.ContainerLogs(logCtx, id)
	if err != nil {
		return res, err
	}
	return res, nil
}
