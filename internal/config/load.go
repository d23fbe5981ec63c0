package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"tdms2h5/pkg/contract"
)

// EnvPrefix 为环境变量覆盖的统一前缀。
const EnvPrefix = "TDMS2H5_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：InputDir/OutputDir 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Prefix:    "Slice",
		BitGain:   BitGain{X: 1, Y: 1},
		BatchSize: 1,
		Logging:   Logging{Level: "info"},
		Components: Components{
			Source:    "tdms",
			Container: "hdf5",
			Manifest:  "none",
			Publisher: "none",
		},
	}
}

// Overlay 返回“全部未设置”的覆盖层：可为 0 的整数字段以 -1 表示未设置，
// 位置除数以 NaN 表示未设置，以便 Merge 区分“未覆盖”和“显式设置为 0”。
func Overlay() Config {
	return Config{
		Offsets:    Offsets{Area: -1, Intensity: -1, Laser: -1},
		BitGain:    BitGain{X: math.NaN(), Y: math.NaN()},
		FirstSlice: -1,
		MaxSlices:  -1,
	}
}

// LoadJSON 从文件路径或原始 JSON 解析覆盖层（严格拒绝未知字段）。
// JSON 中缺省的可为 0 的字段保持“未设置”。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Overlay()
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", contract.ErrConfiguration, err)
		}
		defer f.Close()
		r = f
	default:
		return cfg, fmt.Errorf("%w: no config source provided", contract.ErrConfiguration)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: decode config: %w", contract.ErrConfiguration, err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.InputDir); s != "" {
		out.InputDir = s
	}
	if s := strings.TrimSpace(over.OutputDir); s != "" {
		out.OutputDir = s
	}
	if over.Prefix != "" {
		out.Prefix = over.Prefix
	}
	if len(over.Groups) > 0 {
		out.Groups = cloneStrings(over.Groups)
	}
	if over.Offsets.Area >= 0 {
		out.Offsets.Area = over.Offsets.Area
	}
	if over.Offsets.Intensity >= 0 {
		out.Offsets.Intensity = over.Offsets.Intensity
	}
	if over.Offsets.Laser >= 0 {
		out.Offsets.Laser = over.Offsets.Laser
	}
	if !math.IsNaN(over.BitGain.X) {
		out.BitGain.X = over.BitGain.X
	}
	if !math.IsNaN(over.BitGain.Y) {
		out.BitGain.Y = over.BitGain.Y
	}
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}
	if over.FirstSlice >= 0 {
		out.FirstSlice = over.FirstSlice
	}
	if over.MaxSlices >= 0 {
		out.MaxSlices = over.MaxSlices
	}
	if over.Verbose {
		out.Verbose = true
	}
	if s := strings.TrimSpace(over.MetricsFile); s != "" {
		out.MetricsFile = s
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}

	// 组件名（空不覆盖）
	if over.Components.Source != "" {
		out.Components.Source = over.Components.Source
	}
	if over.Components.Container != "" {
		out.Components.Container = over.Components.Container
	}
	if over.Components.Manifest != "" {
		out.Components.Manifest = over.Components.Manifest
	}
	if over.Components.Publisher != "" {
		out.Components.Publisher = over.Components.Publisher
	}

	// Options（完整替换对应键）
	if len(over.Options.Source) > 0 {
		out.Options.Source = cloneRaw(over.Options.Source)
	}
	if len(over.Options.Container) > 0 {
		out.Options.Container = cloneRaw(over.Options.Container)
	}
	if len(over.Options.Manifest) > 0 {
		out.Options.Manifest = cloneRaw(over.Options.Manifest)
	}
	if len(over.Options.Publisher) > 0 {
		out.Options.Publisher = cloneRaw(over.Options.Publisher)
	}
	return out
}

// EnvOverlay 从环境变量构建覆盖层（仅解析有限键集合，未知键忽略）。
// 前缀 TDMS2H5_；支持：
// INPUT_DIR, OUTPUT_DIR, PREFIX, GROUPS, AREA_OFFSET, INTENSITY_OFFSET, LASER_OFFSET,
// BITGAIN_1, BITGAIN_2, BATCH_SIZE, FIRST_SLICE, MAX_SLICES, VERBOSE, METRICS_FILE, LOG_LEVEL,
// COMPONENTS_{SOURCE,CONTAINER,MANIFEST,PUBLISHER}, OPTIONS_{SOURCE,CONTAINER,MANIFEST,PUBLISHER}_JSON。
// 数值无法解析时返回 ErrConfiguration。
func EnvOverlay(environ []string) (Config, error) {
	over := Overlay()
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			// 空值视为未设置，避免 .env 模板清空 config.json
			continue
		}
		var err error
		switch key {
		case "INPUT_DIR":
			over.InputDir = val
		case "OUTPUT_DIR":
			over.OutputDir = val
		case "PREFIX":
			over.Prefix = val
		case "GROUPS":
			over.Groups = SplitComma(val)
		case "AREA_OFFSET":
			over.Offsets.Area, err = atoi(val)
		case "INTENSITY_OFFSET":
			over.Offsets.Intensity, err = atoi(val)
		case "LASER_OFFSET":
			over.Offsets.Laser, err = atoi(val)
		case "BITGAIN_1":
			over.BitGain.X, err = strconv.ParseFloat(val, 64)
		case "BITGAIN_2":
			over.BitGain.Y, err = strconv.ParseFloat(val, 64)
		case "BATCH_SIZE":
			over.BatchSize, err = atoi(val)
		case "FIRST_SLICE":
			over.FirstSlice, err = atoi(val)
		case "MAX_SLICES":
			over.MaxSlices, err = atoi(val)
		case "VERBOSE":
			over.Verbose, err = strconv.ParseBool(val)
		case "METRICS_FILE":
			over.MetricsFile = val
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "COMPONENTS_SOURCE":
			over.Components.Source = val
		case "COMPONENTS_CONTAINER":
			over.Components.Container = val
		case "COMPONENTS_MANIFEST":
			over.Components.Manifest = val
		case "COMPONENTS_PUBLISHER":
			over.Components.Publisher = val
		case "OPTIONS_SOURCE_JSON":
			over.Options.Source, err = rawJSON(val)
		case "OPTIONS_CONTAINER_JSON":
			over.Options.Container, err = rawJSON(val)
		case "OPTIONS_MANIFEST_JSON":
			over.Options.Manifest, err = rawJSON(val)
		case "OPTIONS_PUBLISHER_JSON":
			over.Options.Publisher, err = rawJSON(val)
		}
		if err != nil {
			return over, fmt.Errorf("%w: env %s%s: %w", contract.ErrConfiguration, EnvPrefix, key, err)
		}
	}
	return over, nil
}

func rawJSON(s string) (json.RawMessage, error) {
	if !json.Valid([]byte(s)) {
		return nil, errors.New("invalid JSON")
	}
	return json.RawMessage(s), nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// SplitComma 按逗号拆分并去除空白项。
func SplitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
