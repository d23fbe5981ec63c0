// Package align 将一个组的原始通道对齐到共同采样坐标并做单位换算。
//
// 对齐规则：
//   - LaserTTL/Area/Intensity：按各自偏移对称裁剪 data[off : len-off]；
//   - Parameter：原样保留，不参与对齐（已知限制，几何重建方需自行处理）；
//   - X-Axis/Y-Axis：分别除以 bitgain_1/bitgain_2，存为 float32，附 Units=μm。
package align

import (
	"fmt"

	"tdms2h5/pkg/contract"
)

// 通道名。
const (
	Area      = "Area"
	Intensity = "Intensity"
	LaserTTL  = "LaserTTL"
	Parameter = "Parameter"
	XAxis     = "X-Axis"
	YAxis     = "Y-Axis"
)

// UnitsKey/Micrometer: 位置通道的单位属性。
const (
	UnitsKey   = "Units"
	Micrometer = "μm"
)

// Required: 缺失即 DataError 的通道。Parameter 可缺省。
var Required = []string{Area, Intensity, LaserTTL, XAxis, YAxis}

// order: 输出顺序；其余通道按源顺序追加。
var order = []string{Area, Intensity, LaserTTL, Parameter, XAxis, YAxis}

// Options: 三个采样偏移（>=0）与两个非零除数。
type Options struct {
	AreaOffset      int
	IntensityOffset int
	LaserOffset     int
	BitGain1        float64
	BitGain2        float64
}

// Aligner 按固定偏移与除数对齐通道。构造后只读。
type Aligner struct {
	opts Options
}

// New 校验参数并构造 Aligner；负偏移或零除数返回 ErrConfiguration。
func New(opts Options) (*Aligner, error) {
	if opts.AreaOffset < 0 || opts.IntensityOffset < 0 || opts.LaserOffset < 0 {
		return nil, fmt.Errorf("%w: offsets must be >= 0 (area=%d intensity=%d laser=%d)",
			contract.ErrConfiguration, opts.AreaOffset, opts.IntensityOffset, opts.LaserOffset)
	}
	if opts.BitGain1 == 0 || opts.BitGain2 == 0 {
		return nil, fmt.Errorf("%w: bitgain must be non-zero (bitgain_1=%g bitgain_2=%g)",
			contract.ErrConfiguration, opts.BitGain1, opts.BitGain2)
	}
	return &Aligner{opts: opts}, nil
}

// Options 返回构造参数。
func (a *Aligner) Options() Options { return a.opts }

// Align 对齐一个组的全部通道，返回待写入的数据集。
// 缺少必需通道、或 2*offset 超过通道长度时返回 ErrData。
func (a *Aligner) Align(g contract.Group) ([]contract.Dataset, error) {
	for _, name := range Required {
		if _, ok := g.Channel(name); !ok {
			return nil, fmt.Errorf("%w: group %q missing channel %q", contract.ErrData, g.Name, name)
		}
	}
	out := make([]contract.Dataset, 0, len(g.Channels))
	for _, name := range order {
		ch, ok := g.Channel(name)
		if !ok {
			continue
		}
		ds, err := a.alignOne(ch)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}
		out = append(out, ds)
	}
	for _, ch := range g.Channels {
		if isKnown(ch.Name) {
			continue
		}
		out = append(out, contract.Dataset{Name: ch.Name, Type: ch.Type, Data: ch.Data})
	}
	return out, nil
}

func (a *Aligner) alignOne(ch contract.Channel) (contract.Dataset, error) {
	switch ch.Name {
	case Area:
		return trim(ch, a.opts.AreaOffset)
	case Intensity:
		return trim(ch, a.opts.IntensityOffset)
	case LaserTTL:
		return trim(ch, a.opts.LaserOffset)
	case XAxis:
		return scale(ch, a.opts.BitGain1), nil
	case YAxis:
		return scale(ch, a.opts.BitGain2), nil
	default:
		return contract.Dataset{Name: ch.Name, Type: ch.Type, Data: ch.Data}, nil
	}
}

// trim 对称裁剪；要求 2*off <= len。
func trim(ch contract.Channel, off int) (contract.Dataset, error) {
	n := len(ch.Data)
	if 2*off > n {
		return contract.Dataset{}, fmt.Errorf("%w: channel %q offset %d exceeds half of length %d",
			contract.ErrData, ch.Name, off, n)
	}
	return contract.Dataset{Name: ch.Name, Type: ch.Type, Data: ch.Data[off : n-off]}, nil
}

// scale 除以 gain，并以 float32 精度存储。
func scale(ch contract.Channel, gain float64) contract.Dataset {
	data := make([]float64, len(ch.Data))
	for i, v := range ch.Data {
		data[i] = float64(float32(v / gain))
	}
	var attrs contract.Attributes
	attrs.Set(UnitsKey, contract.StringValue(Micrometer))
	return contract.Dataset{Name: ch.Name, Type: contract.Float32, Data: data, Attrs: attrs}
}

func isKnown(name string) bool {
	for _, n := range order {
		if n == name {
			return true
		}
	}
	return false
}
