// Package tdms 读取 NI TDMS 2.0 切片文件（段式元数据 + 原始数据）。
// 支持：数值/布尔/时间戳通道、交错与大端段、跨段复用对象列表与原始索引。
// 不支持：DAQmx 原始数据、字符串通道、多维数组。
package tdms

import (
	"context"
	"fmt"
	"os"

	"tdms2h5/pkg/contract"
)

// Options: TDMS 读取选项。
type Options struct {
	// MaxBytes: 单个文件的大小上限；0 表示不限。
	MaxBytes int64 `json:"max_bytes"`
}

// Source 实现 contract.Source。
type Source struct {
	opts Options
}

// New 构造 TDMS 读取器。
func New(opts *Options) (*Source, error) {
	s := &Source{}
	if opts != nil {
		if opts.MaxBytes < 0 {
			return nil, fmt.Errorf("%w: tdms.max_bytes must be >= 0", contract.ErrConfiguration)
		}
		s.opts = *opts
	}
	return s, nil
}

var _ contract.Source = (*Source)(nil)

// Open 完整解析一个文件。格式错误归为 ErrData；文件不可读保留底层 I/O 错误。
func (s *Source) Open(ctx context.Context, path string) (contract.SourceFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.opts.MaxBytes > 0 {
		st, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if st.Size() > s.opts.MaxBytes {
			return nil, fmt.Errorf("%w: %s: %d bytes exceeds limit %d", contract.ErrData, path, st.Size(), s.opts.MaxBytes)
		}
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// File: 已解析的 TDMS 文件内容。
type File struct {
	props    contract.PropertyBag
	groups   []contract.Group
	segments int
}

var _ contract.SourceFile = (*File)(nil)

// Decode 解析内存中的 TDMS 字节流。
func Decode(buf []byte) (*File, error) {
	d, err := decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: tdms: %w", contract.ErrData, err)
	}
	return &File{props: d.properties(), groups: d.groups(), segments: d.segments}, nil
}

func (f *File) Properties() contract.PropertyBag { return f.props }
func (f *File) Groups() []contract.Group         { return f.groups }

// Segments 返回解析到的段数。
func (f *File) Segments() int { return f.segments }

// Close 释放解析结果。
func (f *File) Close() error {
	f.props = nil
	f.groups = nil
	return nil
}
