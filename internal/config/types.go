package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	InputDir  string `json:"input_dir"`
	OutputDir string `json:"output_dir"`
	// Prefix: 文件名主干的前缀正则片段，主干须完整匹配 <prefix>\d+。
	Prefix string `json:"prefix"`
	// Groups: 组名模式（完整匹配任一即转换）；空表示全部。
	Groups []string `json:"groups"`

	Offsets Offsets `json:"offsets"`
	BitGain BitGain `json:"bitgain"`

	// BatchSize: 一次读入并缓冲的切片数（>=1）。
	BatchSize int `json:"batch_size"`
	// FirstSlice: 小于该层号的切片跳过（>=0）。
	FirstSlice int `json:"first_slice"`
	// MaxSlices: 仅转换按层号排序后的前 N 个切片；0 表示不限。
	MaxSlices int `json:"max_slices"`

	Verbose     bool    `json:"verbose"`
	MetricsFile string  `json:"metrics_file"`
	Logging     Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Offsets: 通道采样偏移（>=0）。覆盖层中 -1 表示未设置。
type Offsets struct {
	Area      int `json:"area"`
	Intensity int `json:"intensity"`
	Laser     int `json:"laser"`
}

// BitGain: 位置通道归一化除数（非零）。覆盖层中 NaN 表示未设置。
type BitGain struct {
	X float64 `json:"bitgain_1"`
	Y float64 `json:"bitgain_2"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Source    string `json:"source"`
	Container string `json:"container"`
	Manifest  string `json:"manifest"`
	Publisher string `json:"publisher"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Source    json.RawMessage `json:"source"`
	Container json.RawMessage `json:"container"`
	Manifest  json.RawMessage `json:"manifest"`
	Publisher json.RawMessage `json:"publisher"`
}
