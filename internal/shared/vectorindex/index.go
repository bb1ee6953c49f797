// Package vectorindex 向量 + 关键词混合索引
//
// 分片存放在 SQL 表 vector_chunks，按 collection 分区：
//   - 向量检索：读取 collection 全部向量，余弦相似度暴力排序
//   - 关键词检索：SQLite FTS5 / PostgreSQL tsvector
//
// Index 实现 langchaingo vectorstores.VectorStore；collection 通过
// vectorstores.WithNameSpace 传入，Embedder 可按调用覆盖。
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"

	"linsight/internal/shared/storage/dbutil"
	"linsight/internal/shared/storage/driver/postgres"
	"linsight/internal/shared/storage/driver/sqlite"
)

// MetaID 元数据中的分片 ID；写入时若存在则作为主键
const MetaID = "id"

var (
	ErrNoCollection = errors.New("vectorindex: collection is required")
	ErrNoEmbedder   = errors.New("vectorindex: embedder is required")
)

// Chunk 索引分片
type Chunk struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// Index 混合索引
type Index struct {
	db       *sql.DB
	dialect  dbutil.Dialect
	embedder embeddings.Embedder
	owned    bool
}

var _ vectorstores.VectorStore = (*Index)(nil)

// Open 按驱动打开并迁移
func Open(driver, dsn string) (*Index, error) {
	var (
		db  *sql.DB
		d   dbutil.Dialect
		err error
	)
	switch dbutil.DriverType(driver) {
	case dbutil.DriverSQLite, "":
		db, err = sqlite.Open(dsn)
		d = sqlite.NewDialect()
	case dbutil.DriverPostgres:
		db, err = postgres.Open(dsn)
		d = postgres.NewDialect()
	default:
		return nil, fmt.Errorf("vectorindex: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	ix, err := New(db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	ix.owned = true
	return ix, nil
}

// New 在已有连接上创建索引并迁移表结构
func New(db *sql.DB, d dbutil.Dialect) (*Index, error) {
	if err := d.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("vectorindex migrate: %w", err)
	}
	return &Index{db: db, dialect: d}, nil
}

// WithEmbedder 返回绑定默认 Embedder 的副本
func (ix *Index) WithEmbedder(e embeddings.Embedder) *Index {
	cp := *ix
	cp.embedder = e
	cp.owned = false
	return &cp
}

// Close 关闭自有连接
func (ix *Index) Close() error {
	if ix.owned {
		return ix.db.Close()
	}
	return nil
}

func (ix *Index) options(opts []vectorstores.Option) (vectorstores.Options, embeddings.Embedder, error) {
	var o vectorstores.Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.NameSpace == "" {
		return o, nil, ErrNoCollection
	}
	e := o.Embedder
	if e == nil {
		e = ix.embedder
	}
	return o, e, nil
}

// AddDocuments 向量化并写入；Metadata[MetaID] 存在时按其覆盖写入
func (ix *Index) AddDocuments(ctx context.Context, docs []schema.Document, opts ...vectorstores.Option) ([]string, error) {
	o, e, err := ix.options(opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return []string{}, nil
	}
	if e == nil {
		return nil, ErrNoEmbedder
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.PageContent
	}
	vecs, err := e.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(docs) {
		return nil, fmt.Errorf("embed documents: got %d vectors for %d texts", len(vecs), len(docs))
	}

	chunks := make([]Chunk, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		id, _ := d.Metadata[MetaID].(string)
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id
		chunks[i] = Chunk{ID: id, Content: d.PageContent, Metadata: d.Metadata, Embedding: vecs[i]}
	}
	if err := ix.Upsert(ctx, o.NameSpace, chunks); err != nil {
		return nil, err
	}
	return ids, nil
}

// Upsert 写入已向量化的分片
func (ix *Index) Upsert(ctx context.Context, collection string, chunks []Chunk) error {
	if collection == "" {
		return ErrNoCollection
	}
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := ix.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO vector_chunks (id, collection, content, metadata, embedding, terms)
VALUES ($1, $2, $3, $4::jsonb, $5, %s) %s`,
		ix.dialect.TermsValue("$6"),
		ix.dialect.UpsertConflict("collection, id", []string{
			"content = EXCLUDED.content",
			"metadata = EXCLUDED.metadata",
			"embedding = EXCLUDED.embedding",
			"terms = EXCLUDED.terms",
		}),
	))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta, err := json.Marshal(withID(c.Metadata, c.ID))
		if err != nil {
			return fmt.Errorf("marshal metadata %s: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, collection, c.Content, string(meta),
			encodeVector(c.Embedding), IndexText(c.Content)); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func withID(meta map[string]any, id string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[MetaID] = id
	return out
}

// SimilaritySearch 余弦相似度 top-k；Filters 为 map[string]any 时按元数据等值过滤
func (ix *Index) SimilaritySearch(ctx context.Context, query string, k int, opts ...vectorstores.Option) ([]schema.Document, error) {
	o, e, err := ix.options(opts)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []schema.Document{}, nil
	}
	if e == nil {
		return nil, ErrNoEmbedder
	}
	qv, err := e.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	filters, _ := o.Filters.(map[string]any)

	rows, err := ix.db.QueryContext(ctx, ix.dialect.Rebind(
		`SELECT id, content, metadata::text, embedding FROM vector_chunks WHERE collection = $1`), o.NameSpace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []schema.Document
	for rows.Next() {
		var (
			id, content, meta string
			raw               []byte
		)
		if err := rows.Scan(&id, &content, &meta, &raw); err != nil {
			return nil, err
		}
		m, err := decodeMeta(meta)
		if err != nil {
			return nil, err
		}
		if !matches(m, filters) {
			continue
		}
		v, err := decodeVector(raw)
		if err != nil {
			return nil, err
		}
		score := Cosine(qv, v)
		if o.ScoreThreshold > 0 && score < o.ScoreThreshold {
			continue
		}
		docs = append(docs, schema.Document{PageContent: content, Metadata: m, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docID(docs[i]) < docID(docs[j])
	})
	if len(docs) > k {
		docs = docs[:k]
	}
	if docs == nil {
		docs = []schema.Document{}
	}
	return docs, nil
}

// KeywordSearch 全文检索 top-k；查询无有效检索词时返回空
func (ix *Index) KeywordSearch(ctx context.Context, collection, query string, k int) ([]schema.Document, error) {
	if collection == "" {
		return nil, ErrNoCollection
	}
	groups := QueryGroups(query)
	if k <= 0 || len(groups) == 0 {
		return []schema.Document{}, nil
	}
	rows, err := ix.db.QueryContext(ctx, ix.dialect.Rebind(ix.dialect.KeywordQuery()),
		ix.dialect.MatchExpr(groups), collection, k)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	docs := []schema.Document{}
	for rows.Next() {
		var (
			id, content, meta string
			score             float64
		)
		if err := rows.Scan(&id, &content, &meta, &score); err != nil {
			return nil, err
		}
		m, err := decodeMeta(meta)
		if err != nil {
			return nil, err
		}
		docs = append(docs, schema.Document{PageContent: content, Metadata: m, Score: float32(score)})
	}
	return docs, rows.Err()
}

// Delete 删除指定分片
func (ix *Index) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`DELETE FROM vector_chunks WHERE collection = %s AND id IN (%s)`,
		ix.dialect.Rebind("$1"), dbutil.PlaceholderList(ix.dialect, 2, len(ids)))
	_, err := ix.db.ExecContext(ctx, query, args...)
	return err
}

// DropCollection 删除整个 collection
func (ix *Index) DropCollection(ctx context.Context, collection string) error {
	_, err := ix.db.ExecContext(ctx, ix.dialect.Rebind(`DELETE FROM vector_chunks WHERE collection = $1`), collection)
	return err
}

// Count collection 分片数
func (ix *Index) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, ix.dialect.Rebind(
		`SELECT COUNT(*) FROM vector_chunks WHERE collection = $1`), collection).Scan(&n)
	return n, err
}

// Scan 按 id 顺序分页读取；afterID 为空从头开始
func (ix *Index) Scan(ctx context.Context, collection, afterID string, limit int) ([]Chunk, error) {
	rows, err := ix.db.QueryContext(ctx, ix.dialect.Rebind(
		`SELECT id, content, metadata::text, embedding FROM vector_chunks
WHERE collection = $1 AND id > $2 ORDER BY id LIMIT $3`), collection, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var (
			c    Chunk
			meta string
			raw  []byte
		)
		if err := rows.Scan(&c.ID, &c.Content, &meta, &raw); err != nil {
			return nil, err
		}
		if c.Metadata, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		if c.Embedding, err = decodeVector(raw); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeMeta(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func matches(meta, filters map[string]any) bool {
	for k, want := range filters {
		if fmt.Sprint(meta[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func docID(d schema.Document) string {
	id, _ := d.Metadata[MetaID].(string)
	return id
}
