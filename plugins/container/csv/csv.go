// Package csv 将组容器写为目录形式的 CSV 表（旧版转换器的布局）：
// 每组一个目录，每个切片一个 Slice<idx>.csv 与 Slice<idx>.attrs.csv，
// 根数据集（Index）写为 <name>.csv，其余节点属性汇总到 attrs.csv。
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"tdms2h5/internal/normalize"
	"tdms2h5/pkg/contract"
)

// Options: CSV 容器选项。
type Options struct {
	// FilePrefix: 切片表文件名前缀，默认 "Slice"。
	FilePrefix string `json:"file_prefix"`
	// Compress: "" 或 "zstd"；zstd 时文件追加 .zst 后缀。
	Compress string `json:"compress"`
	// Level: zstd 压缩等级（1..22），0 为默认。
	Level int `json:"level"`
}

// Storage 实现 contract.Storage。
type Storage struct {
	opts Options
}

// New 校验选项并构造存储。
func New(opts *Options) (*Storage, error) {
	s := &Storage{opts: Options{FilePrefix: "Slice"}}
	if opts != nil {
		if opts.FilePrefix != "" {
			s.opts.FilePrefix = opts.FilePrefix
		}
		s.opts.Compress = strings.ToLower(strings.TrimSpace(opts.Compress))
		s.opts.Level = opts.Level
	}
	switch s.opts.Compress {
	case "", "zstd":
	default:
		return nil, fmt.Errorf("%w: csv.compress must be \"\" or \"zstd\", got %q", contract.ErrConfiguration, s.opts.Compress)
	}
	if s.opts.Level < 0 || s.opts.Level > 22 {
		return nil, fmt.Errorf("%w: csv.level must be within 0..22", contract.ErrConfiguration)
	}
	if strings.ContainsAny(s.opts.FilePrefix, `/\`) {
		return nil, fmt.Errorf("%w: csv.file_prefix must not contain path separators", contract.ErrConfiguration)
	}
	return s, nil
}

var _ contract.Storage = (*Storage)(nil)

// Create 创建 <dir>/<group>/ 目录。
func (s *Storage) Create(ctx context.Context, dir, group string) (contract.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := contract.ContainerFileName(group, "")
	if err != nil {
		return nil, err
	}
	loc := filepath.Join(dir, name)
	if err := os.MkdirAll(loc, 0o755); err != nil {
		return nil, err
	}
	return &Container{
		group: group,
		loc:   loc,
		opts:  s.opts,
		nodes: map[string]bool{"": true},
	}, nil
}

// table: 待落盘的切片节点（数据集按列缓冲）。
type table struct {
	path  string
	attrs contract.Attributes
	cols  []contract.Dataset
}

// Container: 一个组的 CSV 目录。
type Container struct {
	group string
	loc   string
	opts  Options

	nodes   map[string]bool
	meta    [][]string
	pending *table
	closed  bool
}

var _ contract.Container = (*Container)(nil)

var errClosed = errors.New("csv container closed")

func (c *Container) Group() string    { return c.group }
func (c *Container) Location() string { return c.loc }

// CreateNode 仅登记节点；第二层及更深的节点作为切片表缓冲到下一次落盘。
func (c *Container) CreateNode(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if c.nodes[path] {
		return fmt.Errorf("node %q exists", path)
	}
	if !c.nodes[parentOf(path)] {
		return fmt.Errorf("parent of %q not found", path)
	}
	if err := c.flush(); err != nil {
		return err
	}
	c.nodes[path] = true
	if strings.Contains(path, "/") {
		c.pending = &table{path: path}
	}
	return nil
}

func (c *Container) SetAttrs(ctx context.Context, path string, attrs contract.Attributes) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if !c.nodes[path] {
		return fmt.Errorf("node %q not found", path)
	}
	if c.pending != nil && c.pending.path == path {
		for _, a := range attrs {
			c.pending.attrs.Set(a.Key, a.Value)
		}
		return nil
	}
	for _, a := range attrs {
		c.meta = append(c.meta, []string{"/" + path, a.Key, format(a.Value)})
	}
	return nil
}

func (c *Container) WriteDataset(ctx context.Context, parent string, ds contract.Dataset) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if _, err := ds.Shape(); err != nil {
		return err
	}
	if c.pending != nil && c.pending.path == parent {
		for _, col := range c.pending.cols {
			if col.Name == ds.Name {
				return fmt.Errorf("dataset %q exists under %q", ds.Name, parent)
			}
		}
		cp := ds
		cp.Data = append([]float64(nil), ds.Data...)
		c.pending.cols = append(c.pending.cols, cp)
		return nil
	}
	if !c.nodes[parent] {
		return fmt.Errorf("parent %q not found", parent)
	}
	if err := c.flush(); err != nil {
		return err
	}
	name := ds.Name
	if parent != "" {
		name = strings.ReplaceAll(parent, "/", "_") + "_" + ds.Name
	}
	return c.write(name+".csv", matrix(ds))
}

// Close 落盘缓冲的切片与节点属性；重复调用为 no-op。
func (c *Container) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.flush()
	if len(c.meta) > 0 {
		rows := append([][]string{{"node", "key", "value"}}, c.meta...)
		if werr := c.write("attrs.csv", rows); err == nil {
			err = werr
		}
	}
	return err
}

func (c *Container) check(ctx context.Context) error {
	if c.closed {
		return errClosed
	}
	return ctx.Err()
}

// flush 写出当前缓冲的切片表。
func (c *Container) flush() error {
	t := c.pending
	if t == nil {
		return nil
	}
	c.pending = nil
	base := c.opts.FilePrefix + filepath.Base(t.path)
	if len(t.attrs) > 0 {
		rows := [][]string{{"key", "value"}}
		for _, a := range t.attrs {
			rows = append(rows, []string{a.Key, format(a.Value)})
		}
		if err := c.write(base+".attrs.csv", rows); err != nil {
			return err
		}
	}
	if len(t.cols) == 0 {
		return nil
	}
	return c.write(base+".csv", columns(t.cols))
}

// columns: 表头为通道名，行数取最短通道。
func columns(cols []contract.Dataset) [][]string {
	n := -1
	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = col.Name
		if n < 0 || len(col.Data) < n {
			n = len(col.Data)
		}
	}
	rows := make([][]string, 0, n+1)
	rows = append(rows, header)
	for r := 0; r < n; r++ {
		row := make([]string, len(cols))
		for i, col := range cols {
			row[i] = formatSample(col.Type, col.Data[r])
		}
		rows = append(rows, row)
	}
	return rows
}

// matrix: 一维数据集写成单列；二维按行展开，表头取 Column<i> 属性。
func matrix(ds contract.Dataset) [][]string {
	dims, _ := ds.Shape()
	width := 1
	if len(dims) == 2 {
		width = dims[1]
	}
	header := make([]string, width)
	for i := range header {
		header[i] = ds.Name
		if width > 1 {
			header[i] = "Column" + strconv.Itoa(i)
		}
		if v, ok := ds.Attrs.Get("Column" + strconv.Itoa(i)); ok {
			header[i] = format(v)
		}
	}
	rows := [][]string{header}
	for off := 0; off+width <= len(ds.Data); off += width {
		row := make([]string, width)
		for i := range row {
			row[i] = formatSample(ds.Type, ds.Data[off+i])
		}
		rows = append(rows, row)
	}
	return rows
}

func (c *Container) write(name string, rows [][]string) error {
	if c.opts.Compress == "zstd" {
		name += ".zst"
	}
	path := filepath.Join(c.loc, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var enc *zstd.Encoder
	if c.opts.Compress == "zstd" {
		var eopts []zstd.EOption
		if c.opts.Level > 0 {
			eopts = append(eopts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.opts.Level)))
		}
		enc, err = zstd.NewWriter(f, eopts...)
		if err != nil {
			_ = f.Close()
			return err
		}
		w = enc
	}
	cw := csv.NewWriter(w)
	err = cw.WriteAll(rows)
	if enc != nil {
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func parentOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func format(v contract.Value) string {
	if v.Kind == contract.KindTime {
		return normalize.FormatTime(v.T)
	}
	return v.String()
}

func formatSample(t contract.SampleType, v float64) string {
	switch t {
	case contract.Float32:
		return strconv.FormatFloat(v, 'g', -1, 32)
	case contract.Int64:
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
