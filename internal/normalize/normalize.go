// Package normalize 将源文件属性映射为切片节点属性。
package normalize

import (
	"time"

	"tdms2h5/pkg/contract"
)

// 切片节点上的时间键。
const (
	LayerStartTime = "LayerStartTime"
	LayerEndTime   = "LayerEndTime"
	PartStartTime  = "PartStartTime"
	PartEndTime    = "PartEndTime"
)

// TimeLayout: UTC、微秒精度、显式 Z。
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Table: 静态改名表。
type Table map[string]string

var (
	// LayerTable 作用于文件级属性。
	LayerTable = Table{"StartTime": LayerStartTime, "EndTime": LayerEndTime}
	// PartTable 作用于组级属性。
	PartTable = Table{"StartTime": PartStartTime, "EndTime": PartEndTime}
)

// FormatTime 以 UTC 微秒精度格式化（截断到微秒）。
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimeLayout)
}

// ParseTime 是 FormatTime 的逆。
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Apply 将 bag 按 table 改名后写入 dst；时间值转为字符串，其余原样。
// 纯函数，不会失败。
func Apply(bag contract.PropertyBag, table Table, dst *contract.Attributes) {
	for _, p := range bag {
		key := p.Key
		if to, ok := table[key]; ok {
			key = to
		}
		v := p.Value
		if v.Kind == contract.KindTime {
			v = contract.StringValue(FormatTime(v.T))
		}
		dst.Set(key, v)
	}
}

// Merge 先应用层级属性，再应用部件级属性；同名键以部件级为准。
func Merge(layer, part contract.PropertyBag) contract.Attributes {
	out := make(contract.Attributes, 0, len(layer)+len(part))
	Apply(layer, LayerTable, &out)
	Apply(part, PartTable, &out)
	return out
}
