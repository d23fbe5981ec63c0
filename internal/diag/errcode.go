package diag

import (
	"context"
	"errors"
	"os"
	"time"

	"tdms2h5/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总；退出码由 cmd 层依据哨兵错误另行决定。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeConfig    Code = "config"
	CodeData      Code = "data"
	CodeStorage   Code = "storage"
	CodeInvariant Code = "invariant"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	// 分类哨兵优先于底层 I/O 错误（StorageError 常包裹 PathError）
	switch {
	case errors.Is(err, contract.ErrConfiguration):
		return CodeConfig
	case errors.Is(err, contract.ErrData):
		return CodeData
	case errors.Is(err, contract.ErrStorage):
		return CodeStorage
	case errors.Is(err, contract.ErrInvariantViolation), errors.Is(err, contract.ErrPathInvalid):
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339（毫秒）UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00") }
