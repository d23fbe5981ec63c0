package contract

import (
	"context"
	"time"
)

// RunInfo: 一次转换运行的描述。
type RunInfo struct {
	RunID     string
	StartedAt time.Time
	InputDir  string
	OutputDir string
	Prefix    string
}

// SliceRecord: 一个已写入容器的切片。层厚在 RecordIndex 时补齐。
type SliceRecord struct {
	Container string
	Slice     SliceIndex
	Source    string
	Vertices  int64
}

// Manifest: 运行清单（可选）。记录本次运行写了哪些切片与容器。
type Manifest interface {
	Begin(ctx context.Context, run RunInfo) error
	RecordSlice(ctx context.Context, rec SliceRecord) error
	RecordIndex(ctx context.Context, container string, rows []IndexRow) error
	Finish(ctx context.Context, runErr error) error
	Close() error
}
