package contract

import (
	"fmt"
	"strconv"
	"time"
)

// SliceIndex: 从输入文件名中提取的层号（0..MaxExactInt）。
type SliceIndex int64

// MaxExactInt: 数据集以 float64 承载整数，超过 2^53 的值无法精确写出。
const MaxExactInt = 1 << 53

// String 返回十进制形式，即切片节点的键。
func (i SliceIndex) String() string { return strconv.FormatInt(int64(i), 10) }

// InputSlice: 一个已发现的输入文件。
type InputSlice struct {
	Index SliceIndex
	Path  string
}

// ValueKind: 属性值类型标签。
type ValueKind int

const (
	KindFloat ValueKind = iota
	KindInt
	KindString
	KindTime
)

func (k ValueKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Value: {float64, int64, string, timestamp} 四选一。
// 零值为 float 0。
type Value struct {
	Kind ValueKind
	F    float64
	I    int64
	S    string
	T    time.Time
}

func FloatValue(f float64) Value  { return Value{Kind: KindFloat, F: f} }
func IntValue(i int64) Value      { return Value{Kind: KindInt, I: i} }
func StringValue(s string) Value  { return Value{Kind: KindString, S: s} }
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, T: t} }

// Int 以整数读取；浮点值仅在无小数部分时接受。
func (v Value) Int() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.I, true
	case KindFloat:
		if v.F == float64(int64(v.F)) {
			return int64(v.F), true
		}
	}
	return 0, false
}

func (v Value) String() string {
	switch v.Kind {
	case KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindString:
		return v.S
	case KindTime:
		return v.T.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("<%s>", v.Kind)
	}
}

// Property: 键值对。
type Property struct {
	Key   string
	Value Value
}

// PropertyBag: 有序属性表（源文件读出后不可变）。
// 层级（整个文件）与部件级（每个组）各一份。
type PropertyBag []Property

// Get 返回首个匹配键的值。
func (b PropertyBag) Get(key string) (Value, bool) {
	for _, p := range b {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// SampleType: 通道数据在目标容器中的存储类型。
type SampleType int

const (
	Float64 SampleType = iota
	Float32
	Int64
)

func (t SampleType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	default:
		return "float64"
	}
}

// Channel: 命名的一维数值序列；下标即采样序号。
// 读取时统一放宽为 float64，Type 记录源类型的归类（整数 → Int64）。
type Channel struct {
	Name string
	Type SampleType
	Data []float64
}

// Group: 一个逻辑仪器流（部件）在单个切片中的内容。
type Group struct {
	Name       string
	Properties PropertyBag
	Channels   []Channel
}

// Channel 按名称查找通道。
func (g Group) Channel(name string) (Channel, bool) {
	for _, c := range g.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return Channel{}, false
}

// Attribute: 写入容器的属性。
type Attribute struct {
	Key   string
	Value Value
}

// Attributes: 有序属性集合；Set 对已存在的键原位替换（保留首次插入位置）。
type Attributes []Attribute

// Set 写入或替换 key。
func (a *Attributes) Set(key string, v Value) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = v
			return
		}
	}
	*a = append(*a, Attribute{Key: key, Value: v})
}

// Get 读取 key。
func (a Attributes) Get(key string) (Value, bool) {
	for _, at := range a {
		if at.Key == key {
			return at.Value, true
		}
	}
	return Value{}, false
}

// Clone 返回独立副本。
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	copy(out, a)
	return out
}

// Dataset: 写入容器的一个数据集（对齐后的通道或 Index 表）。
// Dims 为空时按一维 len(Data) 写入；否则按行优先展开，乘积须等于 len(Data)。
type Dataset struct {
	Name  string
	Type  SampleType
	Data  []float64
	Dims  []int
	Attrs Attributes
}

// Shape 返回数据集的维度。
func (d Dataset) Shape() ([]int, error) {
	if len(d.Dims) == 0 {
		return []int{len(d.Data)}, nil
	}
	n := 1
	for _, v := range d.Dims {
		if v < 0 {
			return nil, fmt.Errorf("%w: dataset %q negative dimension", ErrInvariantViolation, d.Name)
		}
		n *= v
	}
	if n != len(d.Data) {
		return nil, fmt.Errorf("%w: dataset %q shape %v does not match %d values", ErrInvariantViolation, d.Name, d.Dims, len(d.Data))
	}
	out := make([]int, len(d.Dims))
	copy(out, d.Dims)
	return out, nil
}

// IndexRow: Index 数据集中的一行。
type IndexRow struct {
	Slice          SliceIndex
	LayerThickness int64
	Vertices       int64
}
