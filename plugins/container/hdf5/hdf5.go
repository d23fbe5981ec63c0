// Package hdf5 将组容器写为 HDF5 文件（gonum.org/v1/hdf5，需要 cgo 与 libhdf5）。
package hdf5

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"gonum.org/v1/hdf5"

	"tdms2h5/internal/normalize"
	"tdms2h5/pkg/contract"
)

// DefaultExt: 输出文件扩展名。
const DefaultExt = ".h5"

// Options: HDF5 容器选项。
type Options struct {
	Ext string `json:"ext"`
	// Overwrite: true（默认）截断已存在的同名文件；false 时已存在则创建失败。
	Overwrite *bool `json:"overwrite"`
}

// Storage 实现 contract.Storage。
type Storage struct {
	ext       string
	overwrite bool
}

// New 构造 HDF5 存储。
func New(opts *Options) *Storage {
	s := &Storage{ext: DefaultExt, overwrite: true}
	if opts != nil {
		if opts.Ext != "" {
			s.ext = opts.Ext
		}
		if opts.Overwrite != nil {
			s.overwrite = *opts.Overwrite
		}
	}
	return s
}

var _ contract.Storage = (*Storage)(nil)

// Create 创建 <dir>/<group><ext>。
func (s *Storage) Create(ctx context.Context, dir, group string) (contract.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := contract.ContainerFileName(group, s.ext)
	if err != nil {
		return nil, err
	}
	loc := filepath.Join(dir, name)
	flags := hdf5.F_ACC_TRUNC
	if !s.overwrite {
		flags = hdf5.F_ACC_EXCL
	}
	f, err := hdf5.CreateFile(loc, flags)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", loc, err)
	}
	return &Container{group: group, loc: loc, f: f, attrs: make(map[string]struct{})}, nil
}

// Container: 一个打开的 HDF5 文件。
type Container struct {
	group string
	loc   string
	f     *hdf5.File
	// 已写属性（"节点路径\x00键"），HDF5 属性不可重复创建
	attrs  map[string]struct{}
	closed bool
}

var _ contract.Container = (*Container)(nil)

var errClosed = errors.New("hdf5 container closed")

func (c *Container) Group() string    { return c.group }
func (c *Container) Location() string { return c.loc }

func (c *Container) CreateNode(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	g, err := c.f.CreateGroup(abs(path))
	if err != nil {
		return fmt.Errorf("create group %s: %w", abs(path), err)
	}
	return g.Close()
}

func (c *Container) SetAttrs(ctx context.Context, path string, attrs contract.Attributes) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if len(attrs) == 0 {
		return nil
	}
	g, err := c.f.OpenGroup(abs(path))
	if err != nil {
		return fmt.Errorf("open group %s: %w", abs(path), err)
	}
	defer g.Close()
	for _, a := range attrs {
		if err := c.writeAttr(g, path, a); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) WriteDataset(ctx context.Context, parent string, ds contract.Dataset) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	dims, err := ds.Shape()
	if err != nil {
		return err
	}
	udims := make([]uint, len(dims))
	for i, d := range dims {
		udims[i] = uint(d)
	}
	space, err := hdf5.CreateSimpleDataspace(udims, nil)
	if err != nil {
		return fmt.Errorf("dataspace %s: %w", ds.Name, err)
	}
	defer space.Close()
	dtype, data := typed(ds)
	path := contract.NodePath(parent, ds.Name)
	dset, err := c.f.CreateDataset(abs(path), dtype, space)
	if err != nil {
		return fmt.Errorf("create dataset %s: %w", abs(path), err)
	}
	defer dset.Close()
	// 空数据集只建形状
	if len(ds.Data) > 0 {
		if err := dset.Write(data); err != nil {
			return fmt.Errorf("write dataset %s: %w", abs(path), err)
		}
	}
	for _, a := range ds.Attrs {
		if err := c.writeAttr(dset, path, a); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭文件；重复调用为 no-op。
func (c *Container) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.f.Close()
}

func (c *Container) check(ctx context.Context) error {
	if c.closed {
		return errClosed
	}
	return ctx.Err()
}

// attrTarget: 可挂属性的对象（组或数据集）。
type attrTarget interface {
	CreateAttribute(name string, dtype *hdf5.Datatype, dspace *hdf5.Dataspace) (*hdf5.Attribute, error)
}

func (c *Container) writeAttr(t attrTarget, path string, a contract.Attribute) error {
	key := path + "\x00" + a.Key
	if _, ok := c.attrs[key]; ok {
		return fmt.Errorf("attribute %s on %s already written", a.Key, abs(path))
	}
	scalar, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return err
	}
	defer scalar.Close()
	var (
		dtype *hdf5.Datatype
		value any
	)
	switch a.Value.Kind {
	case contract.KindInt:
		v := a.Value.I
		dtype, value = hdf5.T_NATIVE_INT64, &v
	case contract.KindFloat:
		v := a.Value.F
		dtype, value = hdf5.T_NATIVE_DOUBLE, &v
	case contract.KindTime:
		v := normalize.FormatTime(a.Value.T)
		dtype, value = hdf5.T_GO_STRING, &v
	default:
		v := a.Value.S
		dtype, value = hdf5.T_GO_STRING, &v
	}
	attr, err := t.CreateAttribute(a.Key, dtype, scalar)
	if err != nil {
		return fmt.Errorf("create attribute %s on %s: %w", a.Key, abs(path), err)
	}
	defer attr.Close()
	if err := attr.Write(value, dtype); err != nil {
		return fmt.Errorf("write attribute %s on %s: %w", a.Key, abs(path), err)
	}
	c.attrs[key] = struct{}{}
	return nil
}

// typed 将统一的 float64 数据转换为目标存储类型，返回切片指针。
func typed(ds contract.Dataset) (*hdf5.Datatype, any) {
	switch ds.Type {
	case contract.Float32:
		out := make([]float32, len(ds.Data))
		for i, v := range ds.Data {
			out[i] = float32(v)
		}
		return hdf5.T_NATIVE_FLOAT, &out
	case contract.Int64:
		out := make([]int64, len(ds.Data))
		for i, v := range ds.Data {
			out[i] = int64(v)
		}
		return hdf5.T_NATIVE_INT64, &out
	default:
		data := ds.Data
		return hdf5.T_NATIVE_DOUBLE, &data
	}
}

// abs 将节点路径转换为 HDF5 绝对路径。
func abs(path string) string { return "/" + path }
