// Package memstore 实现基于内存的 PersistentStore
//
// 用于单进程开发模式和测试；语义与 mongostore 保持一致：
//   - Get* 不存在时返回 (nil, nil)
//   - 读写均复制值，调用方修改返回值不影响存储
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"linsight/internal/shared/model"
	"linsight/internal/shared/storage"
)

// Store 内存存储
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]model.MessageSession
	versions  map[string]*model.SessionVersion
	tasks     map[string]model.ExecuteTask
	sops      map[string]model.SOPRecord
	servers   map[string]model.LLMServer
	models    map[string]model.LLMModel
	invokes   []model.ModelInvoke
	workbench *model.WorkbenchConfig
	kbs       map[string]model.KnowledgeBase
}

var _ storage.PersistentStore = (*Store)(nil)

// New 创建内存存储
func New() *Store {
	return &Store{
		sessions: make(map[string]model.MessageSession),
		versions: make(map[string]*model.SessionVersion),
		tasks:    make(map[string]model.ExecuteTask),
		sops:     make(map[string]model.SOPRecord),
		servers:  make(map[string]model.LLMServer),
		models:   make(map[string]model.LLMModel),
		kbs:      make(map[string]model.KnowledgeBase),
	}
}

// Close 无操作
func (s *Store) Close() error { return nil }

func now() time.Time { return time.Now().UTC() }

func contains[S comparable](list []S, v S) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ============================================================================
// SessionStore
// ============================================================================

func (s *Store) CreateMessageSession(_ context.Context, ms *model.MessageSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[ms.ID]; ok {
		return storage.ErrDuplicate
	}
	s.sessions[ms.ID] = *ms
	return nil
}

func (s *Store) GetMessageSession(_ context.Context, id string) (*model.MessageSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &ms, nil
}

func (s *Store) ListMessageSessions(_ context.Context, userID string, limit int) ([]*model.MessageSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.MessageSession{}
	for _, ms := range s.sessions {
		if ms.UserID == userID {
			c := ms
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdateTime.After(out[j].UpdateTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateSessionVersion(_ context.Context, v *model.SessionVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; ok {
		return storage.ErrDuplicate
	}
	s.versions[v.ID] = v.Clone()
	return nil
}

func (s *Store) GetSessionVersion(_ context.Context, id string) (*model.SessionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, nil
	}
	return v.Clone(), nil
}

func (s *Store) UpdateSessionVersion(_ context.Context, v *model.SessionVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.versions[v.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Status != v.Status {
		return storage.ErrConflict
	}
	v.UpdateTime = now()
	s.versions[v.ID] = v.Clone()
	return nil
}

func (s *Store) UpdateVersionFeedback(_ context.Context, id string, score *int, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if score != nil {
		sc := *score
		v.Score = &sc
	}
	if feedback != "" {
		v.ExecuteFeedback = feedback
	}
	v.UpdateTime = now()
	return nil
}

func (s *Store) UpdateVersionStatus(_ context.Context, id string, to model.SessionVersionStatus, expected ...model.SessionVersionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if len(expected) > 0 && !contains(expected, v.Status) {
		return storage.ErrConflict
	}
	v.Status = to
	v.UpdateTime = now()
	return nil
}

func (s *Store) ListSessionVersions(_ context.Context, sessionID string) ([]*model.SessionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.SessionVersion{}
	for _, v := range s.versions {
		if v.SessionID == sessionID {
			out = append(out, v.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	return out, nil
}

// ============================================================================
// TaskStore
// ============================================================================

func cloneTask(t model.ExecuteTask) *model.ExecuteTask {
	c := t
	c.AssignedTools = append([]string(nil), t.AssignedTools...)
	c.History = append([]model.TaskMessage(nil), t.History...)
	if t.Result != nil {
		r := *t.Result
		r.Artifacts = append([]model.Artifact(nil), t.Result.Artifacts...)
		c.Result = &r
	}
	return &c
}

func (s *Store) CreateExecuteTasks(_ context.Context, tasks []*model.ExecuteTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			return storage.ErrDuplicate
		}
	}
	for _, t := range tasks {
		s.tasks[t.ID] = *cloneTask(*t)
	}
	return nil
}

func (s *Store) GetExecuteTask(_ context.Context, id string) (*model.ExecuteTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (s *Store) UpdateExecuteTask(_ context.Context, task *model.ExecuteTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return storage.ErrNotFound
	}
	task.UpdateTime = now()
	s.tasks[task.ID] = *cloneTask(*task)
	return nil
}

func (s *Store) ListExecuteTasks(_ context.Context, versionID string) ([]*model.ExecuteTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.ExecuteTask{}
	for _, t := range s.tasks {
		if t.SessionVersionID == versionID {
			out = append(out, cloneTask(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteExecuteTasks(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.tasks, id)
	}
	return nil
}

// ============================================================================
// SOPStore
// ============================================================================

func cloneSOP(r model.SOPRecord) *model.SOPRecord {
	c := r
	if r.Rating != nil {
		v := *r.Rating
		c.Rating = &v
	}
	return &c
}

func (s *Store) CreateSOP(_ context.Context, sop *model.SOPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sops[sop.ID]; ok {
		return storage.ErrDuplicate
	}
	s.sops[sop.ID] = *cloneSOP(*sop)
	return nil
}

func (s *Store) GetSOP(_ context.Context, id string) (*model.SOPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sops[id]
	if !ok {
		return nil, nil
	}
	return cloneSOP(r), nil
}

func (s *Store) GetSOPs(_ context.Context, ids []string) ([]*model.SOPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.SOPRecord{}
	for _, id := range ids {
		if r, ok := s.sops[id]; ok {
			out = append(out, cloneSOP(r))
		}
	}
	return out, nil
}

func (s *Store) UpdateSOP(_ context.Context, sop *model.SOPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sops[sop.ID]; !ok {
		return storage.ErrNotFound
	}
	sop.UpdateTime = now()
	s.sops[sop.ID] = *cloneSOP(*sop)
	return nil
}

func (s *Store) DeleteSOPs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.sops, id)
	}
	return nil
}

func (s *Store) ListSOPs(_ context.Context, f model.SOPFilter) ([]*model.SOPRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(f.Name)
	var all []*model.SOPRecord
	for _, r := range s.sops {
		if needle != "" && !strings.Contains(strings.ToLower(r.Name), needle) {
			continue
		}
		if f.Showcase != nil && r.Showcase != *f.Showcase {
			continue
		}
		all = append(all, cloneSOP(r))
	}
	key := func(r *model.SOPRecord) time.Time {
		if f.SortBy == "create_time" {
			return r.CreateTime
		}
		return r.UpdateTime
	}
	sort.Slice(all, func(i, j int) bool {
		ki, kj := key(all[i]), key(all[j])
		if !ki.Equal(kj) {
			if f.Asc {
				return ki.Before(kj)
			}
			return ki.After(kj)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if f.PageSize > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * f.PageSize
		if start >= total {
			return []*model.SOPRecord{}, total, nil
		}
		end := start + f.PageSize
		if end > total {
			end = total
		}
		all = all[start:end]
	}
	if all == nil {
		all = []*model.SOPRecord{}
	}
	return all, total, nil
}

func (s *Store) FindSOPByName(_ context.Context, name string) (*model.SOPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.SOPRecord
	for _, r := range s.sops {
		if r.Name == name && (best == nil || r.UpdateTime.After(best.UpdateTime)) {
			best = cloneSOP(r)
		}
	}
	return best, nil
}

func (s *Store) GetSOPByVersionID(_ context.Context, versionID string) (*model.SOPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.sops {
		if r.LinsightVersionID == versionID {
			return cloneSOP(r), nil
		}
	}
	return nil, nil
}

// ============================================================================
// ModelStore
// ============================================================================

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Store) CreateLLMServer(_ context.Context, server *model.LLMServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[server.ID]; ok {
		return storage.ErrDuplicate
	}
	c := *server
	c.Config = cloneConfig(server.Config)
	s.servers[server.ID] = c
	return nil
}

func (s *Store) GetLLMServer(_ context.Context, id string) (*model.LLMServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, nil
	}
	srv.Config = cloneConfig(srv.Config)
	return &srv, nil
}

func (s *Store) UpdateLLMServer(_ context.Context, server *model.LLMServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[server.ID]; !ok {
		return storage.ErrNotFound
	}
	server.UpdateTime = now()
	c := *server
	c.Config = cloneConfig(server.Config)
	s.servers[server.ID] = c
	return nil
}

func (s *Store) ListLLMServers(_ context.Context) ([]*model.LLMServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.LLMServer{}
	for _, srv := range s.servers {
		c := srv
		c.Config = cloneConfig(srv.Config)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	return out, nil
}

func (s *Store) DeleteLLMServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.servers, id)
	for mid, m := range s.models {
		if m.ServerID == id {
			delete(s.models, mid)
		}
	}
	return nil
}

func (s *Store) CreateLLMModel(_ context.Context, m *model.LLMModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; ok {
		return storage.ErrDuplicate
	}
	c := *m
	c.Config = cloneConfig(m.Config)
	s.models[m.ID] = c
	return nil
}

func (s *Store) GetLLMModel(_ context.Context, id string) (*model.LLMModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, nil
	}
	m.Config = cloneConfig(m.Config)
	return &m, nil
}

func (s *Store) UpdateLLMModel(_ context.Context, m *model.LLMModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; !ok {
		return storage.ErrNotFound
	}
	m.UpdateTime = now()
	c := *m
	c.Config = cloneConfig(m.Config)
	s.models[m.ID] = c
	return nil
}

func (s *Store) ListLLMModels(_ context.Context, serverID string) ([]*model.LLMModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.LLMModel{}
	for _, m := range s.models {
		if serverID == "" || m.ServerID == serverID {
			c := m
			c.Config = cloneConfig(m.Config)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	return out, nil
}

func (s *Store) DeleteLLMModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.models, id)
	return nil
}

func (s *Store) UpdateLLMModelStatus(_ context.Context, id string, status model.ModelStatus, remark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.Status = status
	m.Remark = remark
	m.UpdateTime = now()
	s.models[id] = m
	return nil
}

func (s *Store) CreateModelInvoke(_ context.Context, inv *model.ModelInvoke) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invokes = append(s.invokes, *inv)
	return nil
}

func (s *Store) ListModelInvokes(_ context.Context, modelID string, limit int) ([]*model.ModelInvoke, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.ModelInvoke{}
	for i := len(s.invokes) - 1; i >= 0; i-- {
		inv := s.invokes[i]
		if modelID != "" && inv.ModelID != modelID {
			continue
		}
		out = append(out, &inv)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetWorkbenchConfig(_ context.Context) (*model.WorkbenchConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.workbench == nil {
		return nil, nil
	}
	c := *s.workbench
	return &c, nil
}

func (s *Store) SaveWorkbenchConfig(_ context.Context, cfg *model.WorkbenchConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.ID = model.WorkbenchConfigID
	cfg.UpdateTime = now()
	c := *cfg
	s.workbench = &c
	return nil
}

// ============================================================================
// KnowledgeStore
// ============================================================================

func (s *Store) CreateKnowledgeBase(_ context.Context, kb *model.KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kbs[kb.ID]; ok {
		return storage.ErrDuplicate
	}
	s.kbs[kb.ID] = *kb
	return nil
}

func (s *Store) GetKnowledgeBase(_ context.Context, id string) (*model.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kb, ok := s.kbs[id]
	if !ok {
		return nil, nil
	}
	return &kb, nil
}

func (s *Store) ListKnowledgeBases(_ context.Context, userID string) ([]*model.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.KnowledgeBase{}
	for _, kb := range s.kbs {
		if userID == "" || kb.UserID == userID {
			c := kb
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	return out, nil
}

func (s *Store) ListKnowledgeBasesByModel(_ context.Context, embeddingModelID string) ([]*model.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.KnowledgeBase{}
	for _, kb := range s.kbs {
		if kb.EmbeddingModelID == embeddingModelID {
			c := kb
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TransitionKnowledgeState(_ context.Context, id string, upd storage.KnowledgeStateUpdate, expected ...model.KnowledgeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if len(expected) > 0 && !contains(expected, kb.State) {
		return storage.ErrConflict
	}
	kb.State = upd.State
	kb.Error = upd.Error
	if upd.EmbeddingModelID != "" {
		kb.EmbeddingModelID = upd.EmbeddingModelID
	}
	if upd.CollectionName != "" {
		kb.CollectionName = upd.CollectionName
	}
	kb.UpdateTime = now()
	s.kbs[id] = kb
	return nil
}
