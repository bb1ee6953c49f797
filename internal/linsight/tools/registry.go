package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"

	"linsight/internal/shared/model"
	"linsight/pkg/logging"
)

// Factory 将一个叶子绑定解析为若干工具；返回的 io.Closer 在 Set.Close 时释放（可为 nil）
type Factory func(ctx context.Context, b model.ToolBinding) ([]Tool, io.Closer, error)

// Registry tool_id → Factory
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	log       *logging.Logger
}

// NewRegistry 创建空注册表；内置用户输入工具总是可用
func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default("tools")
	}
	r := &Registry{factories: make(map[string]Factory), log: log}
	r.Register(UserInputToolID, Static(&userInputTool{}))
	return r
}

// Register 注册工厂，重复注册覆盖
func (r *Registry) Register(toolID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[toolID] = f
}

// Has 是否已注册
func (r *Registry) Has(toolID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[toolID]
	return ok
}

// IDs 已注册的 tool_id（排序）
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Static 返回固定工具的工厂
func Static(tools ...Tool) Factory {
	return func(context.Context, model.ToolBinding) ([]Tool, io.Closer, error) {
		return tools, nil, nil
	}
}

// Resolve 解析 SessionVersion 的全部绑定
//
// 任一绑定失败时释放已建立的连接并返回 ErrToolInit。
func (r *Registry) Resolve(ctx context.Context, bindings []model.ToolBinding) (*Set, error) {
	set := newSet()
	var leaves []model.ToolBinding
	for _, b := range bindings {
		leaves = append(leaves, b.Flatten()...)
	}
	leaves = append(leaves, model.ToolBinding{ToolID: UserInputToolID})

	for _, b := range leaves {
		if set.hasBinding(b.ToolID) {
			continue
		}
		r.mu.RLock()
		f, ok := r.factories[b.ToolID]
		r.mu.RUnlock()
		if !ok {
			set.Close()
			return nil, fmt.Errorf("%w: %w: %s", ErrToolInit, ErrUnknownTool, b.ToolID)
		}
		tools, closer, err := f(ctx, b)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrToolInit, b.ToolID, err)
		}
		if err := set.add(b, tools, closer); err != nil {
			set.Close()
			return nil, fmt.Errorf("%w: %w", ErrToolInit, err)
		}
	}
	r.log.WithContext(ctx).Debug("tools resolved", "bindings", len(leaves), "tools", len(set.order))
	return set, nil
}

// ============================================================================
// Set - 一次执行可用的工具
// ============================================================================

// Set 已解析的工具集合
type Set struct {
	tools     map[string]Tool
	order     []string
	owner     map[string]model.ToolBinding // 工具名 → 所属绑定
	byBinding map[string][]string          // tool_id → 工具名
	closers   []io.Closer
	closeOnce sync.Once
}

func newSet() *Set {
	return &Set{
		tools:     make(map[string]Tool),
		owner:     make(map[string]model.ToolBinding),
		byBinding: make(map[string][]string),
	}
}

// NewSet 直接由工具构建集合（测试与单工具场景）
func NewSet(tools ...Tool) (*Set, error) {
	s := newSet()
	for _, t := range tools {
		if err := s.add(model.ToolBinding{ToolID: t.Name()}, []Tool{t}, nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Set) hasBinding(toolID string) bool {
	_, ok := s.byBinding[toolID]
	return ok
}

func (s *Set) add(b model.ToolBinding, tools []Tool, closer io.Closer) error {
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		name := t.Name()
		if _, dup := s.tools[name]; dup {
			return fmt.Errorf("duplicate tool name %q (binding %s)", name, b.ToolID)
		}
		s.tools[name] = t
		s.order = append(s.order, name)
		s.owner[name] = b
		names = append(names, name)
	}
	s.byBinding[b.ToolID] = names
	return nil
}

// Get 按函数名查找
func (s *Set) Get(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Names 全部工具名（解析顺序）
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// BindingIDs 全部已解析的 tool_id
func (s *Set) BindingIDs() []string {
	ids := make([]string, 0, len(s.byBinding))
	for id := range s.byBinding {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Restrict 返回分配给任务的工具名；assigned 为空时返回全部。用户输入工具总是包含。
func (s *Set) Restrict(assigned []string) []string {
	if len(assigned) == 0 {
		return s.Names()
	}
	want := map[string]bool{UserInputToolID: true}
	for _, id := range assigned {
		want[id] = true
	}
	var out []string
	for _, name := range s.order {
		if want[s.owner[name].ToolID] || want[name] {
			out = append(out, name)
		}
	}
	return out
}

// LLMTools 转为模型原生工具定义
func (s *Set) LLMTools(names []string) []llms.Tool {
	out := make([]llms.Tool, 0, len(names))
	for _, name := range names {
		t, ok := s.tools[name]
		if !ok {
			continue
		}
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return out
}

// Timeout 工具调用超时：绑定预设 timeout_seconds，否则 def
func (s *Set) Timeout(name string, def time.Duration) time.Duration {
	if b, ok := s.owner[name]; ok {
		if sec := b.PresetInt(PresetTimeout, 0); sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return def
}

// MaxIterations 一组工具的循环上限：取各绑定预设 max_iterations 的最大值，否则 def
func (s *Set) MaxIterations(names []string, def int) int {
	best := 0
	for _, name := range names {
		if b, ok := s.owner[name]; ok {
			if n := b.PresetInt(PresetMaxIterations, 0); n > best {
				best = n
			}
		}
	}
	if best > 0 {
		return best
	}
	return def
}

// Invoke 按名称调用，应用绑定超时
func (s *Set) Invoke(ctx context.Context, env *Env, name, args string, def time.Duration) (*Result, error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	// 用户输入的等待时长由调用方控制
	if name != UserInputToolID {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout(name, def))
		defer cancel()
	}
	return t.Invoke(ctx, env, args)
}

// Close 释放连接，可重复调用
func (s *Set) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
