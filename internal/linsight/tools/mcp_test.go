package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/internal/shared/model"
)

type upperInput struct {
	Text string `json:"text" jsonschema:"text to convert"`
}

// startMCPServer 启动内存 MCP 服务，返回客户端侧传输
func startMCPServer(t *testing.T) mcp.Transport {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "upper", Description: "Convert text to upper case."},
		func(_ context.Context, _ *mcp.CallToolRequest, in upperInput) (*mcp.CallToolResult, any, error) {
			if in.Text == "" {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: "text is required"}},
				}, nil, nil
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: strings.ToUpper(in.Text)}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "noop", Description: "Do nothing."},
		func(context.Context, *mcp.CallToolRequest, struct{}) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil, nil
		})

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Run(ctx, serverT) }()
	return clientT
}

func TestMCP_ResolveAndCall(t *testing.T) {
	ctx := context.Background()
	clientT := startMCPServer(t)

	r := newTestRegistry()
	r.Register(MCPToolID, MCPFactory(nil, nil, func(context.Context, model.ToolBinding) (mcp.Transport, error) {
		return clientT, nil
	}))

	set, err := r.Resolve(ctx, []model.ToolBinding{{
		ToolID: MCPToolID,
		Preset: map[string]any{"prefix": "svc", "tools": []any{"upper"}},
	}})
	require.NoError(t, err)
	defer set.Close()

	// 白名单生效，名称带前缀
	assert.Equal(t, []string{"svc_upper", UserInputToolID}, set.Names())
	tool, ok := set.Get("svc_upper")
	require.True(t, ok)
	assert.Equal(t, "object", tool.Schema()["type"])

	res, err := set.Invoke(ctx, nil, "svc_upper", `{"text":"hello"}`, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", res.Content)

	// 服务端返回 IsError 时作为错误回传
	_, err = set.Invoke(ctx, nil, "svc_upper", `{"text":""}`, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text is required")
}

func TestMCP_PresetDialer(t *testing.T) {
	dial := presetDialer(nil)
	tests := []struct {
		name    string
		preset  map[string]any
		wantErr bool
	}{
		{"默认 streamable", map[string]any{"url": "http://localhost:9000/mcp"}, false},
		{"sse", map[string]any{"transport": "sse", "url": "http://localhost:9000/sse"}, false},
		{"command", map[string]any{"transport": "command", "command": "mcp-server", "args": []any{"--stdio"}}, false},
		{"缺少地址", map[string]any{"transport": "sse"}, true},
		{"缺少命令", map[string]any{"transport": "command"}, true},
		{"未知传输", map[string]any{"transport": "grpc", "url": "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := dial(context.Background(), model.ToolBinding{ToolID: MCPToolID, Preset: tt.preset})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, tr)
		})
	}
}

func TestMCP_ConnectFailureIsToolInit(t *testing.T) {
	r := newTestRegistry()
	r.Register(MCPToolID, MCPFactory(nil, nil, nil))
	_, err := r.Resolve(context.Background(), []model.ToolBinding{{ToolID: MCPToolID, Preset: map[string]any{"transport": "sse"}}})
	assert.ErrorIs(t, err, ErrToolInit)
}
