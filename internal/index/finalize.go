// Package index 在全部切片写入后为每个容器生成 Index 汇总表。
package index

import (
	"context"
	"fmt"
	"strconv"

	"tdms2h5/internal/diag"
	"tdms2h5/internal/groupwriter"
	"tdms2h5/pkg/contract"
)

// Index 表结构常量。
const (
	DatasetName       = "Index"
	LayerThicknessKey = "layerThickness"
	VertexChannel     = "X-Axis"
	// VerticesKey: TDMSData 上的顶点总数属性。
	VerticesKey = "Vertices"
)

// Columns 为 Index 表三列的名称属性（按列序）。
var Columns = [3][2]string{
	{"Column0", "SliceIndex"},
	{"Column1", "LayerThickness (μm)"},
	{"Column2", "NumVertices"},
}

// Rows 从台账构造按层号升序的 Index 行。
// layerThickness 缺失、非整数或超出 ±2^53 时返回 ErrData。
func Rows(h *groupwriter.Handle) ([]contract.IndexRow, error) {
	indices := h.Indices()
	rows := make([]contract.IndexRow, 0, len(indices))
	for _, idx := range indices {
		info, _ := h.Slice(idx)
		v, ok := info.Attrs.Get(LayerThicknessKey)
		if !ok {
			return nil, fmt.Errorf("%w: group %q slice %d (%s): missing %s", contract.ErrData, h.Group(), idx, info.Source, LayerThicknessKey)
		}
		lt, ok := v.Int()
		if !ok || lt > contract.MaxExactInt || lt < -contract.MaxExactInt {
			return nil, fmt.Errorf("%w: group %q slice %d (%s): %s is %s %q, want integer",
				contract.ErrData, h.Group(), idx, info.Source, LayerThicknessKey, v.Kind, v.String())
		}
		rows = append(rows, contract.IndexRow{Slice: idx, LayerThickness: lt, Vertices: int64(info.Lengths[VertexChannel])})
	}
	return rows, nil
}

// Dataset 将行序列展开为形状 (n,3) 的 int64 数据集。
func Dataset(rows []contract.IndexRow) contract.Dataset {
	data := make([]float64, 0, len(rows)*3)
	for _, r := range rows {
		data = append(data, float64(r.Slice), float64(r.LayerThickness), float64(r.Vertices))
	}
	var attrs contract.Attributes
	for _, c := range Columns {
		attrs.Set(c[0], contract.StringValue(c[1]))
	}
	return contract.Dataset{
		Name:  DatasetName,
		Type:  contract.Int64,
		Data:  data,
		Dims:  []int{len(rows), 3},
		Attrs: attrs,
	}
}

// Finalize 为一个容器写入 Index 数据集，并在 TDMSData 上记录顶点总数。
// 失败时容器内已写入的切片保持不变，不写 Index。
func Finalize(ctx context.Context, h *groupwriter.Handle, logger *diag.Logger) ([]contract.IndexRow, error) {
	t := logger.StartWith("index", "finalize", h.Group(), "")
	rows, err := Rows(h)
	if err != nil {
		since := t.Since()
		logger.ErrorWithKV("index", string(diag.CodeData), "finalize failed", &since, h.Group(), "", map[string]string{"err": err.Error()})
		diag.IncError("index", string(diag.CodeData))
		return nil, err
	}
	c := h.Container()
	if err := c.WriteDataset(ctx, "", Dataset(rows)); err != nil {
		return nil, wrapStorage("write Index of "+h.Group(), err)
	}
	var total int64
	for _, r := range rows {
		total += r.Vertices
	}
	var attrs contract.Attributes
	attrs.Set(VerticesKey, contract.IntValue(total))
	if err := c.SetAttrs(ctx, groupwriter.DataNode, attrs); err != nil {
		return nil, wrapStorage("set Vertices of "+h.Group(), err)
	}
	t.Finish("finalize", int64(len(rows)))
	diag.IncOp("index", "finalize", "success")
	logger.DebugStart("index", "index written", h.Group(), "", map[string]string{
		"rows": strconv.Itoa(len(rows)), "vertices": strconv.FormatInt(total, 10),
	})
	return rows, nil
}

func wrapStorage(op string, err error) error {
	if diag.Classify(err) == diag.CodeCancel {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", contract.ErrStorage, op, err)
}
