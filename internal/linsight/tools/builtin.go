package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"

	"linsight/internal/llm"
	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/model"
)

// 内置工具 ID（同时也是函数名）
const (
	ListFilesToolID       = "list_files"
	ReadFileToolID        = "read_file"
	WriteFileToolID       = "write_file"
	SearchKnowledgeToolID = "search_knowledge"
)

const (
	defaultReadLimit   = 20000
	defaultSearchCount = 5
	maxSearchCount     = 20
)

// SearchIndex 知识检索所需的索引能力（vectorindex.Index 实现）
type SearchIndex interface {
	SimilaritySearch(ctx context.Context, query string, k int, opts ...vectorstores.Option) ([]schema.Document, error)
	KeywordSearch(ctx context.Context, collection, query string, k int) ([]schema.Document, error)
}

// Embedders 按模型 ID 取 Embedder（llm.Facade 实现）
type Embedders interface {
	Embedder(modelID string, meta llm.Meta) embeddings.Embedder
}

// BuiltinDeps 内置工具依赖
type BuiltinDeps struct {
	Objects   objstore.Store
	Index     SearchIndex // 为空时不注册 search_knowledge
	Embedders Embedders
}

// RegisterBuiltins 注册内置工具
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	r.Register(ListFilesToolID, Static(&listFilesTool{}))
	if deps.Objects != nil {
		r.Register(ReadFileToolID, func(_ context.Context, b model.ToolBinding) ([]Tool, io.Closer, error) {
			return []Tool{&readFileTool{objects: deps.Objects, limit: b.PresetInt("max_chars", defaultReadLimit)}}, nil, nil
		})
		r.Register(WriteFileToolID, Static(&writeFileTool{objects: deps.Objects}))
	}
	if deps.Index != nil {
		r.Register(SearchKnowledgeToolID, Static(&searchKnowledgeTool{index: deps.Index, embedders: deps.Embedders}))
	}
}

// decodeArgs 解析模型给出的 JSON 参数；空串视为 {}
func decodeArgs(args string, v any) error {
	args = strings.TrimSpace(args)
	if args == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// ============================================================================
// user_input_required
// ============================================================================

type userInputTool struct{}

func (t *userInputTool) Name() string { return UserInputToolID }

func (t *userInputTool) Description() string {
	return "Ask the user a question and wait for the reply. Use only when the task cannot continue without information or confirmation from the user."
}

func (t *userInputTool) Schema() map[string]any {
	return objectSchema([]string{"prompt"}, map[string]any{
		"prompt": map[string]any{"type": "string", "description": "question shown to the user"},
	})
}

func (t *userInputTool) Invoke(ctx context.Context, env *Env, args string) (*Result, error) {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if env == nil || env.AskUser == nil {
		return nil, ErrNoUserChannel
	}
	reply, err := env.AskUser(ctx, in.Prompt)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return &Result{Content: "The user did not reply in time. Continue with your best judgement."}, nil
	}
	var b strings.Builder
	b.WriteString(reply.Text)
	if len(reply.Files) > 0 {
		b.WriteString("\n\nThe user attached files:")
		for _, f := range reply.Files {
			fmt.Fprintf(&b, "\n- %s (file_id=%s)", f.OriginalName, f.FileID)
		}
	}
	return &Result{Content: b.String()}, nil
}

// ============================================================================
// list_files / read_file / write_file
// ============================================================================

type listFilesTool struct{}

func (t *listFilesTool) Name() string        { return ListFilesToolID }
func (t *listFilesTool) Description() string { return "List the files attached to this session." }
func (t *listFilesTool) Schema() map[string]any {
	return objectSchema(nil, map[string]any{})
}

func (t *listFilesTool) Invoke(_ context.Context, env *Env, _ string) (*Result, error) {
	type entry struct {
		FileID string `json:"file_id"`
		Name   string `json:"name"`
	}
	list := []entry{}
	if env != nil {
		for _, f := range env.Files {
			if f.IsParsed() {
				list = append(list, entry{FileID: f.FileID, Name: f.OriginalName})
			}
		}
	}
	b, _ := json.Marshal(list)
	return &Result{Content: string(b)}, nil
}

type readFileTool struct {
	objects objstore.Store
	limit   int
}

func (t *readFileTool) Name() string { return ReadFileToolID }
func (t *readFileTool) Description() string {
	return "Read the markdown content of an attached file. Use offset to page through long files."
}
func (t *readFileTool) Schema() map[string]any {
	return objectSchema(nil, map[string]any{
		"file_id": map[string]any{"type": "string"},
		"name":    map[string]any{"type": "string", "description": "original file name, used when file_id is empty"},
		"offset":  map[string]any{"type": "integer", "description": "character offset to start from"},
	})
}

func (t *readFileTool) Invoke(ctx context.Context, env *Env, args string) (*Result, error) {
	var in struct {
		FileID string `json:"file_id"`
		Name   string `json:"name"`
		Offset int    `json:"offset"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	var file *model.ParsedFile
	if env != nil {
		for i := range env.Files {
			f := &env.Files[i]
			if (in.FileID != "" && f.FileID == in.FileID) || (in.FileID == "" && f.OriginalName == in.Name) {
				file = f
				break
			}
		}
	}
	if file == nil {
		return nil, fmt.Errorf("%w: file %q not attached", ErrInvalidArgs, in.FileID+in.Name)
	}
	if !file.IsParsed() {
		return nil, fmt.Errorf("file %s is not parsed yet", file.OriginalName)
	}
	data, err := objstore.ReadAll(ctx, t.objects, file.MarkdownObjectKey)
	if err != nil {
		return nil, err
	}
	runes := []rune(string(data))
	if in.Offset < 0 || in.Offset > len(runes) {
		in.Offset = len(runes)
	}
	end := in.Offset + t.limit
	if end > len(runes) {
		end = len(runes)
	}
	content := string(runes[in.Offset:end])
	if end < len(runes) {
		content += fmt.Sprintf("\n\n[truncated: %d of %d characters shown, continue with offset=%d]", end-in.Offset, len(runes), end)
	}
	return &Result{Content: content}, nil
}

type writeFileTool struct {
	objects objstore.Store
}

func (t *writeFileTool) Name() string { return WriteFileToolID }
func (t *writeFileTool) Description() string {
	return "Write a file produced by this step. Set output=true when the file is a final deliverable for the user."
}
func (t *writeFileTool) Schema() map[string]any {
	return objectSchema([]string{"name", "content"}, map[string]any{
		"name":    map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
		"output":  map[string]any{"type": "boolean"},
	})
}

func (t *writeFileTool) Invoke(ctx context.Context, env *Env, args string) (*Result, error) {
	var in struct {
		Name    string `json:"name"`
		Content string `json:"content"`
		Output  bool   `json:"output"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	name := path.Base(strings.TrimSpace(in.Name))
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("%w: name is empty", ErrInvalidArgs)
	}
	if env == nil || env.VersionID == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidArgs)
	}
	key := ArtifactKey(env.VersionID, env.TaskID, name)
	if err := t.objects.Put(ctx, key, bytes.NewReader([]byte(in.Content)), int64(len(in.Content)), contentType(name)); err != nil {
		return nil, err
	}
	return &Result{
		Content:   fmt.Sprintf("saved %s (%d bytes)", name, len(in.Content)),
		Artifacts: []model.Artifact{{Name: name, ObjectKey: key, TaskID: env.TaskID, Output: in.Output}},
	}, nil
}

// ArtifactKey 任务产物对象键：<vid>/<task_id>/<name>
func ArtifactKey(versionID, taskID, name string) string {
	if taskID == "" {
		return path.Join(versionID, name)
	}
	return path.Join(versionID, taskID, name)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".html":
		return "text/html"
	}
	return "text/plain"
}

// ============================================================================
// search_knowledge
// ============================================================================

type searchKnowledgeTool struct {
	index     SearchIndex
	embedders Embedders
}

func (t *searchKnowledgeTool) Name() string { return SearchKnowledgeToolID }
func (t *searchKnowledgeTool) Description() string {
	return "Search the enabled knowledge bases and attached files for passages relevant to a query."
}
func (t *searchKnowledgeTool) Schema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query": map[string]any{"type": "string"},
		"k":     map[string]any{"type": "integer", "description": "number of passages, default 5"},
	})
}

type passage struct {
	source  string
	content string
	score   float32
}

func (t *searchKnowledgeTool) Invoke(ctx context.Context, env *Env, args string) (*Result, error) {
	var in struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidArgs)
	}
	k := in.K
	if k <= 0 {
		k = defaultSearchCount
	}
	if k > maxSearchCount {
		k = maxSearchCount
	}
	if env == nil || len(env.Collections) == 0 {
		return &Result{Content: "No knowledge base is enabled for this session."}, nil
	}

	var all []passage
	for _, c := range env.Collections {
		docs, err := t.search(ctx, env, c, in.Query, k)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", c.Name, err)
		}
		for _, d := range docs {
			all = append(all, passage{source: c.Title, content: d.PageContent, score: d.Score})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > k {
		all = all[:k]
	}
	if len(all) == 0 {
		return &Result{Content: "No relevant passages found."}, nil
	}
	var b strings.Builder
	for i, p := range all {
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, p.source, strings.TrimSpace(p.content))
	}
	return &Result{Content: strings.TrimSpace(b.String())}, nil
}

func (t *searchKnowledgeTool) search(ctx context.Context, env *Env, c Collection, query string, k int) ([]schema.Document, error) {
	if c.EmbeddingModelID == "" || t.embedders == nil {
		return t.index.KeywordSearch(ctx, c.Name, query, k)
	}
	emb := t.embedders.Embedder(c.EmbeddingModelID, llm.Meta{AppID: env.VersionID, AppType: "linsight", UserID: env.UserID})
	return t.index.SimilaritySearch(ctx, query, k,
		vectorstores.WithNameSpace(c.Name),
		vectorstores.WithEmbedder(emb))
}
