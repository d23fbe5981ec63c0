// Package sqldb 将运行清单写入 SQL 数据库（sqlite: modernc.org/sqlite；postgres: pgx）。
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"tdms2h5/pkg/contract"
)

// 支持的方言。
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// DefaultFile: sqlite 未指定 DSN 时在输出目录下使用的文件名。
const DefaultFile = "manifest.db"

// Options: 清单数据库选项。
type Options struct {
	// DSN: sqlite 为文件路径；postgres 为连接串。sqlite 为空时使用 <output_dir>/manifest.db。
	DSN string `json:"dsn"`
}

var sqlOpen = sql.Open

// Manifest 实现 contract.Manifest。连接在 Begin 时建立。
type Manifest struct {
	dialect string
	dsn     string

	db    *sql.DB
	runID string
}

var _ contract.Manifest = (*Manifest)(nil)

// New 校验方言与选项；postgres 必须提供 DSN。
func New(dialect string, opts *Options) (*Manifest, error) {
	m := &Manifest{dialect: dialect}
	if opts != nil {
		m.dsn = strings.TrimSpace(opts.DSN)
	}
	switch dialect {
	case SQLite:
	case Postgres:
		if m.dsn == "" {
			return nil, fmt.Errorf("%w: postgres manifest requires options.manifest.dsn", contract.ErrConfiguration)
		}
	default:
		return nil, fmt.Errorf("%w: unknown manifest dialect %q", contract.ErrConfiguration, dialect)
	}
	return m, nil
}

// DB 返回底层连接（Begin 之前为 nil）。
func (m *Manifest) DB() *sql.DB { return m.db }

func (m *Manifest) driver() string {
	if m.dialect == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// Begin 打开连接、建表并登记运行。失败时连接已关闭，调用方无需 Close。
func (m *Manifest) Begin(ctx context.Context, run contract.RunInfo) (err error) {
	if m.db == nil {
		dsn := m.dsn
		if dsn == "" {
			dsn = filepath.Join(run.OutputDir, DefaultFile)
		}
		if m.dialect == SQLite {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
				return storageErr("create dirs", err)
			}
		}
		db, err := sqlOpen(m.driver(), dsn)
		if err != nil {
			return storageErr("open "+m.dialect, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return storageErr("ping "+m.dialect, err)
		}
		m.db = db
	}
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()
	if err := m.ensureSchema(ctx); err != nil {
		return err
	}
	m.runID = run.RunID
	if _, err := m.db.ExecContext(ctx, m.rebind(`INSERT INTO runs(run_id, started_at, input_dir, output_dir, prefix, status) VALUES(?,?,?,?,?,?)`),
		run.RunID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.InputDir, run.OutputDir, run.Prefix, "running"); err != nil {
		return storageErr("insert run", err)
	}
	return nil
}

func (m *Manifest) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			input_dir TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			prefix TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS slices (
			run_id TEXT NOT NULL,
			container TEXT NOT NULL,
			slice_index BIGINT NOT NULL,
			source_path TEXT NOT NULL,
			vertices BIGINT NOT NULL,
			layer_thickness BIGINT,
			PRIMARY KEY (run_id, container, slice_index)
		)`,
		`CREATE TABLE IF NOT EXISTS containers (
			run_id TEXT NOT NULL,
			container TEXT NOT NULL,
			index_rows BIGINT NOT NULL,
			vertices BIGINT NOT NULL,
			PRIMARY KEY (run_id, container)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("execute ddl", err)
		}
	}
	return nil
}

func (m *Manifest) RecordSlice(ctx context.Context, rec contract.SliceRecord) error {
	if err := m.ready(); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, m.rebind(`INSERT INTO slices(run_id, container, slice_index, source_path, vertices) VALUES(?,?,?,?,?)`),
		m.runID, rec.Container, int64(rec.Slice), rec.Source, rec.Vertices)
	if err != nil {
		return storageErr("insert slice", err)
	}
	return nil
}

// RecordIndex 在一个事务中补齐层厚并登记容器汇总。
func (m *Manifest) RecordIndex(ctx context.Context, container string, rows []contract.IndexRow) (retErr error) {
	if err := m.ready(); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	update := m.rebind(`UPDATE slices SET layer_thickness = ? WHERE run_id = ? AND container = ? AND slice_index = ?`)
	var vertices int64
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, update, r.LayerThickness, m.runID, container, int64(r.Slice)); err != nil {
			return storageErr("update slice", err)
		}
		vertices += r.Vertices
	}
	if _, err := tx.ExecContext(ctx, m.rebind(`INSERT INTO containers(run_id, container, index_rows, vertices) VALUES(?,?,?,?)`),
		m.runID, container, int64(len(rows)), vertices); err != nil {
		return storageErr("insert container", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// Finish 记录运行结果（ok 或 failed 与错误文本）。
func (m *Manifest) Finish(ctx context.Context, runErr error) error {
	if err := m.ready(); err != nil {
		return err
	}
	status, msg := "ok", sql.NullString{}
	if runErr != nil {
		status = "failed"
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := m.db.ExecContext(ctx, m.rebind(`UPDATE runs SET finished_at = ?, status = ?, error = ? WHERE run_id = ?`),
		time.Now().UTC().Format(time.RFC3339Nano), status, msg, m.runID)
	if err != nil {
		return storageErr("update run", err)
	}
	return nil
}

// Close 关闭连接；未 Begin 时为 no-op。
func (m *Manifest) Close() error {
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *Manifest) ready() error {
	if m.db == nil {
		return fmt.Errorf("%w: manifest used before Begin", contract.ErrInvariantViolation)
	}
	return nil
}

// rebind 将 ? 占位符改写为方言形式（postgres: $n）。
func (m *Manifest) rebind(q string) string {
	if m.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("manifest %s: %w", op, err)
	}
	return fmt.Errorf("%w: manifest %s: %w", contract.ErrStorage, op, err)
}
