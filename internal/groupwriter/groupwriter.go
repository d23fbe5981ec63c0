// Package groupwriter 持有本次运行的全部输出容器（组名 → 容器的显式所有权表）。
package groupwriter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"tdms2h5/internal/diag"
	"tdms2h5/pkg/contract"
)

// 输出结构常量。
const (
	FormatVersion = 3
	VersionKey    = "Version"
	DataNode      = "TDMSData"
	GroupNameKey  = "TDMS_GroupName"
)

// SliceInfo: 已写入切片的台账（属性与各数据集长度），供终结阶段回读。
type SliceInfo struct {
	Index   contract.SliceIndex
	Source  string
	Attrs   contract.Attributes
	Lengths map[string]int
}

// Handle: 一个组的容器及其切片台账。
type Handle struct {
	c      contract.Container
	slices map[contract.SliceIndex]*SliceInfo
}

// Container 返回底层容器。
func (h *Handle) Container() contract.Container { return h.c }

// Group 返回组名。
func (h *Handle) Group() string { return h.c.Group() }

// Slice 返回指定层号的台账。
func (h *Handle) Slice(idx contract.SliceIndex) (SliceInfo, bool) {
	s, ok := h.slices[idx]
	if !ok {
		return SliceInfo{}, false
	}
	return *s, true
}

// Indices 返回已写入的层号（升序）。
func (h *Handle) Indices() []contract.SliceIndex {
	out := make([]contract.SliceIndex, 0, len(h.slices))
	for idx := range h.slices {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Writer: 组容器的唯一写入者。单线程使用。
type Writer struct {
	storage contract.Storage
	dir     string
	logger  *diag.Logger

	handles map[string]*Handle
	order   []*Handle
	closed  bool
}

// New 构造 Writer；容器在 dir 下按需创建。
func New(storage contract.Storage, dir string, logger *diag.Logger) *Writer {
	return &Writer{storage: storage, dir: dir, logger: logger, handles: make(map[string]*Handle)}
}

// GetOrCreate 返回组对应的容器；首次调用时创建容器，写入 Version、TDMSData 与 TDMS_GroupName。
// 之后的调用返回同一句柄，不再改动已有内容。
func (w *Writer) GetOrCreate(ctx context.Context, group string) (*Handle, error) {
	if h, ok := w.handles[group]; ok {
		return h, nil
	}
	if w.closed {
		return nil, fmt.Errorf("%w: group writer closed", contract.ErrInvariantViolation)
	}
	t := w.logger.StartWith("groupwriter", "create", group, "")
	c, err := w.storage.Create(ctx, w.dir, group)
	if err != nil {
		w.fail("create failed", group, err)
		return nil, storageErr("create container "+group, err)
	}
	if err := initContainer(ctx, c, group); err != nil {
		_ = c.Close()
		w.fail("init failed", group, err)
		return nil, storageErr("init container "+group, err)
	}
	h := &Handle{c: c, slices: make(map[contract.SliceIndex]*SliceInfo)}
	w.handles[group] = h
	w.order = append(w.order, h)
	t.Finish("create", 1)
	diag.IncOp("groupwriter", "create", "success")
	diag.AddCount("groupwriter", "containers", 1)
	return h, nil
}

func initContainer(ctx context.Context, c contract.Container, group string) error {
	var root contract.Attributes
	root.Set(VersionKey, contract.IntValue(FormatVersion))
	if err := c.SetAttrs(ctx, "", root); err != nil {
		return err
	}
	if err := c.CreateNode(ctx, DataNode); err != nil {
		return err
	}
	var data contract.Attributes
	data.Set(GroupNameKey, contract.StringValue(group))
	return c.SetAttrs(ctx, DataNode, data)
}

// WriteSlice 在 TDMSData 下创建以十进制层号为键的节点，写属性，再逐个写数据集。
// 同一容器内重复的层号以 ErrData 拒绝，不覆盖已有节点。
func (w *Writer) WriteSlice(ctx context.Context, h *Handle, idx contract.SliceIndex, source string, attrs contract.Attributes, datasets []contract.Dataset) error {
	if prev, dup := h.slices[idx]; dup {
		w.logger.Warn("groupwriter", string(diag.CodeData), "duplicate slice index", source, map[string]string{
			"group": h.Group(), "slice": idx.String(), "first_source": prev.Source,
		})
		diag.IncError("groupwriter", string(diag.CodeData))
		return fmt.Errorf("%w: group %q slice %d already written from %s", contract.ErrData, h.Group(), idx, prev.Source)
	}
	node := contract.NodePath(DataNode, idx.String())
	if err := h.c.CreateNode(ctx, node); err != nil {
		return storageErr("create node "+node, err)
	}
	if err := h.c.SetAttrs(ctx, node, attrs); err != nil {
		return storageErr("set attrs "+node, err)
	}
	lengths := make(map[string]int, len(datasets))
	var samples int64
	for _, ds := range datasets {
		if err := h.c.WriteDataset(ctx, node, ds); err != nil {
			return storageErr("write dataset "+node+"/"+ds.Name, err)
		}
		lengths[ds.Name] = len(ds.Data)
		samples += int64(len(ds.Data))
	}
	h.slices[idx] = &SliceInfo{Index: idx, Source: source, Attrs: attrs.Clone(), Lengths: lengths}
	diag.AddCount("groupwriter", "samples", samples)
	w.logger.DebugStart("groupwriter", "slice written", source, idx.String(), map[string]string{
		"group": h.Group(), "datasets": strconv.Itoa(len(datasets)),
	})
	return nil
}

// Handles 按创建顺序返回全部句柄。
func (w *Writer) Handles() []*Handle {
	out := make([]*Handle, len(w.order))
	copy(out, w.order)
	return out
}

// Close 依创建顺序关闭全部容器；逐个尝试，返回首个错误。幂等。
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var first error
	for _, h := range w.order {
		if err := h.c.Close(); err != nil {
			w.fail("close failed", h.Group(), err)
			if first == nil {
				first = storageErr("close container "+h.Group(), err)
			}
		}
	}
	return first
}

func (w *Writer) fail(msg, group string, err error) {
	code := diag.Classify(err)
	w.logger.ErrorWithKV("groupwriter", string(code), msg, nil, group, "", map[string]string{"err": err.Error()})
	diag.IncOp("groupwriter", "error", "error")
	diag.IncError("groupwriter", string(diag.CodeStorage))
}

// storageErr 统一包裹为 ErrStorage；取消与已分类错误保持原样。
func storageErr(op string, err error) error {
	if errors.Is(err, contract.ErrStorage) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", contract.ErrStorage, op, err)
}
