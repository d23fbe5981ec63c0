// Package memory 提供内存中的容器实现（测试与 dry-run 使用）。
package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"tdms2h5/pkg/contract"
)

// Options: 内存容器无必需选项。
type Options struct {
	// Ext: Location 中使用的扩展名，默认 .h5。
	Ext string `json:"ext"`
}

// ErrClosed: 对已关闭容器的写入。
var ErrClosed = errors.New("container closed")

// Storage 记录本进程创建过的全部容器。
type Storage struct {
	ext string

	// CreateErr 非空时在 Create 前调用，用于注入创建失败。
	CreateErr func(group string) error

	mu         sync.Mutex
	containers []*Container
}

// New 构造内存存储。
func New(opts *Options) *Storage {
	ext := ".h5"
	if opts != nil && opts.Ext != "" {
		ext = opts.Ext
	}
	return &Storage{ext: ext}
}

var _ contract.Storage = (*Storage)(nil)

// Create 创建新的内存容器；组名须能映射为合法文件名。
func (s *Storage) Create(ctx context.Context, dir, group string) (contract.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := contract.ContainerFileName(group, s.ext)
	if err != nil {
		return nil, err
	}
	if s.CreateErr != nil {
		if err := s.CreateErr(group); err != nil {
			return nil, err
		}
	}
	c := &Container{group: group, loc: filepath.Join(dir, name), root: newNode()}
	s.mu.Lock()
	s.containers = append(s.containers, c)
	s.mu.Unlock()
	return c, nil
}

// Containers 按创建顺序返回全部容器。
func (s *Storage) Containers() []*Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Container, len(s.containers))
	copy(out, s.containers)
	return out
}

// Lookup 返回最近一次为 group 创建的容器。
func (s *Storage) Lookup(group string) (*Container, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.containers) - 1; i >= 0; i-- {
		if s.containers[i].group == group {
			return s.containers[i], true
		}
	}
	return nil, false
}

// Node: 容器内一个节点。
type Node struct {
	Attrs    contract.Attributes
	children map[string]*Node
	datasets map[string]contract.Dataset
	// Order 记录子节点与数据集的创建顺序。
	Order []string
}

func newNode() *Node {
	return &Node{children: map[string]*Node{}, datasets: map[string]contract.Dataset{}}
}

// Child 返回子节点。
func (n *Node) Child(name string) (*Node, bool) { c, ok := n.children[name]; return c, ok }

// Dataset 返回数据集。
func (n *Node) Dataset(name string) (contract.Dataset, bool) { d, ok := n.datasets[name]; return d, ok }

// Children 返回子节点名（创建顺序）。
func (n *Node) Children() []string {
	var out []string
	for _, k := range n.Order {
		if _, ok := n.children[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Container: 内存容器。
type Container struct {
	group string
	loc   string
	root  *Node

	// WriteErr 非空时在每次 WriteDataset 前调用，用于注入写失败。
	WriteErr func(parent string, ds contract.Dataset) error

	closed     bool
	closeCalls int
}

var _ contract.Container = (*Container)(nil)

func (c *Container) Group() string    { return c.group }
func (c *Container) Location() string { return c.loc }

// Closed 报告容器是否已关闭。
func (c *Container) Closed() bool { return c.closed }

// CloseCalls 返回 Close 被调用的次数。
func (c *Container) CloseCalls() int { return c.closeCalls }

// Node 按路径查找节点（"" 为根）。
func (c *Container) Node(path string) (*Node, bool) {
	n := c.root
	if path == "" {
		return n, true
	}
	for _, part := range strings.Split(path, "/") {
		next, ok := n.children[part]
		if !ok {
			return nil, false
		}
		n = next
	}
	return n, true
}

func (c *Container) CreateNode(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	parent, name := split(path)
	p, ok := c.Node(parent)
	if !ok {
		return fmt.Errorf("parent %q not found", parent)
	}
	if _, exists := p.children[name]; exists {
		return fmt.Errorf("node %q exists", path)
	}
	if _, exists := p.datasets[name]; exists {
		return fmt.Errorf("dataset %q exists", path)
	}
	p.children[name] = newNode()
	p.Order = append(p.Order, name)
	return nil
}

func (c *Container) SetAttrs(ctx context.Context, path string, attrs contract.Attributes) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	n, ok := c.Node(path)
	if !ok {
		return fmt.Errorf("node %q not found", path)
	}
	for _, a := range attrs {
		n.Attrs.Set(a.Key, a.Value)
	}
	return nil
}

func (c *Container) WriteDataset(ctx context.Context, parent string, ds contract.Dataset) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if c.WriteErr != nil {
		if err := c.WriteErr(parent, ds); err != nil {
			return err
		}
	}
	p, ok := c.Node(parent)
	if !ok {
		return fmt.Errorf("parent %q not found", parent)
	}
	if _, exists := p.datasets[ds.Name]; exists {
		return fmt.Errorf("dataset %q exists under %q", ds.Name, parent)
	}
	if _, exists := p.children[ds.Name]; exists {
		return fmt.Errorf("node %q exists under %q", ds.Name, parent)
	}
	dims, err := ds.Shape()
	if err != nil {
		return err
	}
	cp := ds
	cp.Dims = dims
	cp.Data = append([]float64(nil), ds.Data...)
	cp.Attrs = ds.Attrs.Clone()
	p.datasets[ds.Name] = cp
	p.Order = append(p.Order, ds.Name)
	return nil
}

func (c *Container) Close() error {
	c.closeCalls++
	c.closed = true
	return nil
}

func (c *Container) check(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func split(path string) (parent, name string) {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}
