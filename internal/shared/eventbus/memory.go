package eventbus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"linsight/internal/shared/model"
)

// ============================================================================
// MemoryBus - 进程内 Bus 实现（开发与测试）
// ============================================================================

type memPartition struct {
	events  []model.MessageData
	notify  chan struct{}
	inputs  map[string]chan UserInput // task_id → 单槽
	version *model.SessionVersion
}

// MemoryBus 进程内事件总线；不持久化，不过期
type MemoryBus struct {
	mu    sync.Mutex
	parts map[string]*memPartition
}

// NewMemoryBus 创建内存事件总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{parts: make(map[string]*memPartition)}
}

func (b *MemoryBus) part(versionID string) *memPartition {
	p, ok := b.parts[versionID]
	if !ok {
		p = &memPartition{notify: make(chan struct{}), inputs: make(map[string]chan UserInput)}
		b.parts[versionID] = p
	}
	return p
}

func (b *MemoryBus) slot(p *memPartition, taskID string) chan UserInput {
	ch, ok := p.inputs[taskID]
	if !ok {
		ch = make(chan UserInput, 1)
		p.inputs[taskID] = ch
	}
	return ch
}

func (b *MemoryBus) Publish(_ context.Context, versionID string, msg model.MessageData) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.part(versionID)
	p.events = append(p.events, msg)
	close(p.notify)
	p.notify = make(chan struct{})
	return strconv.Itoa(len(p.events)), nil
}

func (b *MemoryBus) Read(ctx context.Context, versionID, cursor string, wait time.Duration) ([]Event, error) {
	from := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, err
		}
		from = n
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		b.mu.Lock()
		p := b.part(versionID)
		if from < len(p.events) {
			out := make([]Event, 0, len(p.events)-from)
			for i := from; i < len(p.events); i++ {
				out = append(out, Event{ID: strconv.Itoa(i + 1), Message: p.events[i]})
			}
			b.mu.Unlock()
			return out, nil
		}
		notify := p.notify
		b.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return []Event{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *MemoryBus) SetUserInput(_ context.Context, versionID, taskID string, in UserInput) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.slot(b.part(versionID), taskID)
	// 丢弃未消费的旧值
	select {
	case <-ch:
	default:
	}
	ch <- in
	return nil
}

func (b *MemoryBus) WaitUserInput(ctx context.Context, versionID, taskID string, timeout time.Duration) (*UserInput, error) {
	b.mu.Lock()
	ch := b.slot(b.part(versionID), taskID)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in := <-ch:
		return &in, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) SetVersionInfo(_ context.Context, v *model.SessionVersion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.part(v.ID).version = v.Clone()
	return nil
}

func (b *MemoryBus) GetVersionInfo(_ context.Context, versionID string) (*model.SessionVersion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parts[versionID]
	if !ok || p.version == nil {
		return nil, nil
	}
	return p.version.Clone(), nil
}

func (b *MemoryBus) Delete(_ context.Context, versionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.parts, versionID)
	return nil
}

// Close 关闭事件总线
func (b *MemoryBus) Close() error {
	return nil
}

// 确保 MemoryBus 实现了 Bus 接口
var _ Bus = (*MemoryBus)(nil)
