package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tdms2h5/pkg/contract"
)

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	out := t.TempDir()
	m, err := New(SQLite, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.RecordSlice(ctx, contract.SliceRecord{}); !errors.Is(err, contract.ErrInvariantViolation) {
		t.Fatalf("before Begin: %v", err)
	}
	run := contract.RunInfo{RunID: "r1", StartedAt: time.Now(), InputDir: "in", OutputDir: out, Prefix: "Slice"}
	if err := m.Begin(ctx, run); err != nil {
		t.Fatal(err)
	}
	for _, rec := range []contract.SliceRecord{
		{Container: "G1", Slice: 2, Source: "in/Slice2.tdms", Vertices: 10},
		{Container: "G1", Slice: 1, Source: "in/Slice1.tdms", Vertices: 5},
	} {
		if err := m.RecordSlice(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.RecordSlice(ctx, contract.SliceRecord{Container: "G1", Slice: 1}); !errors.Is(err, contract.ErrStorage) {
		t.Fatalf("duplicate slice: %v", err)
	}
	rows := []contract.IndexRow{{Slice: 1, LayerThickness: 30, Vertices: 5}, {Slice: 2, LayerThickness: 40, Vertices: 10}}
	if err := m.RecordIndex(ctx, "G1", rows); err != nil {
		t.Fatal(err)
	}
	if err := m.Finish(ctx, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	db := m.DB()
	var lt sql.NullInt64
	if err := db.QueryRow(`SELECT layer_thickness FROM slices WHERE run_id='r1' AND slice_index=2`).Scan(&lt); err != nil {
		t.Fatal(err)
	}
	if !lt.Valid || lt.Int64 != 40 {
		t.Fatalf("layer thickness %+v", lt)
	}
	var n, v int64
	if err := db.QueryRow(`SELECT index_rows, vertices FROM containers WHERE container='G1'`).Scan(&n, &v); err != nil {
		t.Fatal(err)
	}
	if n != 2 || v != 15 {
		t.Fatalf("container row %d %d", n, v)
	}
	var status string
	var msg sql.NullString
	if err := db.QueryRow(`SELECT status, error FROM runs WHERE run_id='r1'`).Scan(&status, &msg); err != nil {
		t.Fatal(err)
	}
	if status != "failed" || msg.String != "boom" {
		t.Fatalf("run %s %v", status, msg)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.DB() != nil {
		t.Fatal("db kept after close")
	}

	// 同一数据库可追加新的运行
	m2, _ := New(SQLite, &Options{DSN: filepath.Join(out, DefaultFile)})
	defer m2.Close()
	if err := m2.Begin(ctx, contract.RunInfo{RunID: "r2", StartedAt: time.Now(), OutputDir: out}); err != nil {
		t.Fatal(err)
	}
	if err := m2.Finish(ctx, nil); err != nil {
		t.Fatal(err)
	}
	var runs int
	if err := m2.DB().QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&runs); err != nil || runs != 2 {
		t.Fatalf("runs %d %v", runs, err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Postgres, nil); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("postgres without dsn: %v", err)
	}
	if _, err := New("mysql", nil); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("unknown dialect: %v", err)
	}
	m, err := New(Postgres, &Options{DSN: "postgres://localhost/x"})
	if err != nil || m.driver() != "pgx" {
		t.Fatalf("postgres: %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &Manifest{dialect: Postgres}
	if got := pg.rebind(`VALUES(?,?,?)`); got != `VALUES($1,$2,$3)` {
		t.Fatalf("postgres rebind %s", got)
	}
	lite := &Manifest{dialect: SQLite}
	if got := lite.rebind(`a = ?`); got != `a = ?` {
		t.Fatalf("sqlite rebind %s", got)
	}
}

func TestOpenFailure(t *testing.T) {
	orig := sqlOpen
	defer func() { sqlOpen = orig }()
	sqlOpen = func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") }
	m, _ := New(SQLite, nil)
	if err := m.Begin(context.Background(), contract.RunInfo{OutputDir: t.TempDir()}); !errors.Is(err, contract.ErrStorage) {
		t.Fatalf("open failure: %v", err)
	}
}

func TestBeginFailureClosesDB(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "m.db")
	run := contract.RunInfo{RunID: "dup", StartedAt: time.Now(), InputDir: "in", OutputDir: "out", Prefix: "Slice"}

	first, err := New(SQLite, &Options{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Begin(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, _ := New(SQLite, &Options{DSN: dsn})
	if err := second.Begin(ctx, run); !errors.Is(err, contract.ErrStorage) {
		t.Fatalf("duplicate run id: %v", err)
	}
	if second.DB() != nil {
		t.Fatalf("connection left open after failed Begin")
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close after failed Begin: %v", err)
	}
}
