// Package postgres PostgreSQL 数据库驱动
//
// 提供 PostgreSQL 连接管理和方言实现。
// 关键词索引为 tsvector 列（'simple' 配置）+ GIN 索引。
package postgres

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"linsight/internal/shared/storage/dbutil"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect PostgreSQL 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverPostgres
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToPositional(query)
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.UpsertConflict(conflictColumn, updateExprs)
}

func (d *Dialect) TermsValue(placeholder string) string {
	return fmt.Sprintf("to_tsvector('simple', %s)", placeholder)
}

// MatchExpr 生成 tsquery：a | (b <-> c)
func (d *Dialect) MatchExpr(groups [][]string) string {
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		quoted := make([]string, len(g))
		for i, term := range g {
			quoted[i] = "'" + strings.ReplaceAll(term, "'", "''") + "'"
		}
		if len(quoted) == 1 {
			parts = append(parts, quoted[0])
		} else {
			parts = append(parts, "("+strings.Join(quoted, " <-> ")+")")
		}
	}
	return strings.Join(parts, " | ")
}

func (d *Dialect) KeywordQuery() string {
	return `SELECT id, content, metadata::text, ts_rank(terms, to_tsquery('simple', $1)) AS score
FROM vector_chunks
WHERE terms @@ to_tsquery('simple', $1) AND collection = $2
ORDER BY score DESC, id
LIMIT $3`
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 PostgreSQL 数据库连接
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewDialect 创建 PostgreSQL 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

const schema = `
CREATE TABLE IF NOT EXISTS vector_chunks (
    id TEXT NOT NULL,
    collection TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    embedding BYTEA,
    terms TSVECTOR,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_vector_chunks_terms ON vector_chunks USING GIN(terms);
`
