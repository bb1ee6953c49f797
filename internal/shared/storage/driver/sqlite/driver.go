// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 关键词索引使用 FTS5 外部内容表，由触发器与 vector_chunks 同步。
// 适用于开发、测试和单机部署场景。
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"linsight/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.UpsertConflict(conflictColumn, updateExprs)
}

func (d *Dialect) TermsValue(placeholder string) string {
	return placeholder
}

// MatchExpr 生成 FTS5 表达式："a" OR "b c"
func (d *Dialect) MatchExpr(groups [][]string) string {
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		phrase := strings.ReplaceAll(strings.Join(g, " "), `"`, `""`)
		parts = append(parts, `"`+phrase+`"`)
	}
	return strings.Join(parts, " OR ")
}

func (d *Dialect) KeywordQuery() string {
	return `SELECT c.id, c.content, c.metadata, -bm25(vector_chunks_fts) AS score
FROM vector_chunks_fts
JOIN vector_chunks c ON c.rowid = vector_chunks_fts.rowid
WHERE vector_chunks_fts MATCH ? AND c.collection = ?
ORDER BY score DESC, c.id
LIMIT ?`
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:index.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// 每个 :memory: 连接是独立的库
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema 向量分片表 + FTS5 外部内容索引
const schema = `
CREATE TABLE IF NOT EXISTS vector_chunks (
    id TEXT NOT NULL,
    collection TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    embedding BLOB,
    terms TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT (datetime('now')),
    PRIMARY KEY (collection, id)
);

CREATE VIRTUAL TABLE IF NOT EXISTS vector_chunks_fts USING fts5(
    terms, content='vector_chunks', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS vector_chunks_ai AFTER INSERT ON vector_chunks BEGIN
    INSERT INTO vector_chunks_fts(rowid, terms) VALUES (new.rowid, new.terms);
END;
CREATE TRIGGER IF NOT EXISTS vector_chunks_ad AFTER DELETE ON vector_chunks BEGIN
    INSERT INTO vector_chunks_fts(vector_chunks_fts, rowid, terms) VALUES ('delete', old.rowid, old.terms);
END;
CREATE TRIGGER IF NOT EXISTS vector_chunks_au AFTER UPDATE ON vector_chunks BEGIN
    INSERT INTO vector_chunks_fts(vector_chunks_fts, rowid, terms) VALUES ('delete', old.rowid, old.terms);
    INSERT INTO vector_chunks_fts(rowid, terms) VALUES (new.rowid, new.terms);
END;
`
