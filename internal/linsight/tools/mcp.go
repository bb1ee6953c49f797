package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"regexp"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"linsight/internal/shared/model"
)

// MCPToolID MCP 服务绑定
//
// 预设：
//   - transport: "command" | "streamable" | "sse"
//   - command, args: transport=command 时的启动命令
//   - url: transport=streamable/sse 时的服务地址
//   - prefix: 工具名前缀（多个 MCP 服务存在同名工具时使用）
//   - tools: 允许使用的工具名列表，为空表示全部
const MCPToolID = "mcp"

// Dialer 根据绑定建立 MCP 传输
type Dialer func(ctx context.Context, b model.ToolBinding) (mcp.Transport, error)

// MCPFactory 返回 MCP 绑定的工厂；dial 为空时按预设建立传输
func MCPFactory(impl *mcp.Implementation, hc *http.Client, dial Dialer) Factory {
	if impl == nil {
		impl = &mcp.Implementation{Name: "linsight", Version: "v1"}
	}
	if dial == nil {
		dial = presetDialer(hc)
	}
	return func(ctx context.Context, b model.ToolBinding) ([]Tool, io.Closer, error) {
		transport, err := dial(ctx, b)
		if err != nil {
			return nil, nil, err
		}
		client := mcp.NewClient(impl, nil)
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("mcp connect: %w", err)
		}

		allow := presetStrings(b.Preset, "tools")
		prefix, _ := b.Preset["prefix"].(string)
		var tools []Tool
		for t, err := range session.Tools(ctx, nil) {
			if err != nil {
				session.Close()
				return nil, nil, fmt.Errorf("mcp list tools: %w", err)
			}
			if len(allow) > 0 && !contains(allow, t.Name) {
				continue
			}
			tools = append(tools, newMCPTool(session, t, prefix))
		}
		return tools, session, nil
	}
}

func presetDialer(hc *http.Client) Dialer {
	if hc == nil {
		hc = http.DefaultClient
	}
	return func(_ context.Context, b model.ToolBinding) (mcp.Transport, error) {
		kind, _ := b.Preset["transport"].(string)
		url, _ := b.Preset["url"].(string)
		switch kind {
		case "command", "stdio":
			command, _ := b.Preset["command"].(string)
			if command == "" {
				return nil, fmt.Errorf("mcp: command is empty")
			}
			return &mcp.CommandTransport{Command: exec.Command(command, presetStrings(b.Preset, "args")...)}, nil
		case "sse":
			if url == "" {
				return nil, fmt.Errorf("mcp: url is empty")
			}
			return &mcp.SSEClientTransport{Endpoint: url, HTTPClient: hc}, nil
		case "", "streamable":
			if url == "" {
				return nil, fmt.Errorf("mcp: url is empty")
			}
			return &mcp.StreamableClientTransport{Endpoint: url, HTTPClient: hc, MaxRetries: 2}, nil
		}
		return nil, fmt.Errorf("mcp: unsupported transport %q", kind)
	}
}

func presetStrings(preset map[string]any, key string) []string {
	switch v := preset[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// ============================================================================
// mcpTool
// ============================================================================

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

type mcpTool struct {
	session *mcp.ClientSession
	remote  string
	name    string
	desc    string
	schema  map[string]any
}

func newMCPTool(session *mcp.ClientSession, t *mcp.Tool, prefix string) *mcpTool {
	name := t.Name
	if prefix != "" {
		name = prefix + "_" + name
	}
	return &mcpTool{
		session: session,
		remote:  t.Name,
		name:    invalidNameChars.ReplaceAllString(name, "_"),
		desc:    t.Description,
		schema:  toSchemaMap(t.InputSchema),
	}
}

func toSchemaMap(s any) map[string]any {
	if m, ok := s.(map[string]any); ok {
		return m
	}
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if s == nil {
		return out
	}
	b, err := json.Marshal(s)
	if err != nil {
		return out
	}
	var m map[string]any
	if json.Unmarshal(b, &m) != nil || m == nil {
		return out
	}
	return m
}

func (t *mcpTool) Name() string           { return t.name }
func (t *mcpTool) Description() string    { return t.desc }
func (t *mcpTool) Schema() map[string]any { return t.schema }

func (t *mcpTool) Invoke(ctx context.Context, _ *Env, args string) (*Result, error) {
	var arguments map[string]any
	if err := decodeArgs(args, &arguments); err != nil {
		return nil, err
	}
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{Name: t.remote, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", t.remote, err)
	}

	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if b, err := json.Marshal(v); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(b))
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return nil, fmt.Errorf("mcp tool %s: %s", t.remote, text)
	}
	return &Result{Content: text}, nil
}
