package config

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"tdms2h5/pkg/contract"
)

// 解析完整 config.json
func TestLoadJSON(t *testing.T) {
	over, err := LoadJSON("../../testdata/config/basic.json", nil)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	cfg := Merge(Defaults(), over)
	if cfg.InputDir != "data/build-0412" || cfg.Components.Container != "csv" {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if cfg.Offsets.Area != 2 || cfg.Offsets.Laser != 0 || cfg.BitGain.X != 1.4936 || cfg.BatchSize != 4 {
		t.Fatalf("数值字段错误: %+v", cfg)
	}
	// JSON 缺省的可为 0 字段保持默认
	if cfg.FirstSlice != 0 || cfg.MaxSlices != 0 {
		t.Fatalf("未设置字段不应覆盖默认: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// 含非法字段或无来源
func TestLoadJSONErrors(t *testing.T) {
	if _, err := LoadJSON("", []byte(`{"unknown":1}`)); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("未知字段应为 ErrConfiguration, got %v", err)
	}
	if _, err := LoadJSON("", nil); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("无来源应为 ErrConfiguration, got %v", err)
	}
	if _, err := LoadJSON("does-not-exist.json", nil); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("文件不存在应为 ErrConfiguration, got %v", err)
	}
}

// ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"TDMS2H5_INPUT_DIR=in",
		"TDMS2H5_GROUPS=a, b",
		"TDMS2H5_AREA_OFFSET=0",
		"TDMS2H5_BITGAIN_2=2.5",
		"TDMS2H5_VERBOSE=true",
		"TDMS2H5_COMPONENTS_CONTAINER=memory",
		`TDMS2H5_OPTIONS_CONTAINER_JSON={"ext":".mem"}`,
		"TDMS2H5_PREFIX=",
		"OTHER_KEY=1",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.InputDir != "in" || len(over.Groups) != 2 || over.Groups[1] != "b" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.Offsets.Area != 0 || over.Offsets.Intensity != -1 || over.BitGain.Y != 2.5 || !over.Verbose {
		t.Fatalf("数值覆盖不正确: %+v", over)
	}
	if over.Prefix != "" || over.Components.Container != "memory" || string(over.Options.Container) != `{"ext":".mem"}` {
		t.Fatalf("组件覆盖不正确: %+v", over)
	}
	cfg := Merge(Defaults(), over)
	if cfg.Prefix != "Slice" || cfg.Offsets.Area != 0 || cfg.BitGain.X != 1 {
		t.Fatalf("合并结果不正确: %+v", cfg)
	}

	for _, bad := range []string{"TDMS2H5_BATCH_SIZE=x", "TDMS2H5_OPTIONS_SOURCE_JSON={", "TDMS2H5_VERBOSE=maybe"} {
		if _, err := EnvOverlay([]string{bad}); !errors.Is(err, contract.ErrConfiguration) {
			t.Fatalf("%s 应为 ErrConfiguration, got %v", bad, err)
		}
	}
}

// Merge 以后者为准，0 值偏移可显式覆盖
func TestMergePrecedence(t *testing.T) {
	base := Defaults()
	base.Offsets = Offsets{Area: 3, Intensity: 3, Laser: 3}
	base.Options.Container = json.RawMessage(`{"a":1}`)
	over := Overlay()
	over.Offsets.Laser = 0
	over.Groups = []string{"x"}
	over.Options.Container = json.RawMessage(`{"b":2}`)
	got := Merge(base, over)
	if got.Offsets.Area != 3 || got.Offsets.Laser != 0 {
		t.Fatalf("偏移合并错误: %+v", got.Offsets)
	}
	if string(got.Options.Container) != `{"b":2}` || got.Groups[0] != "x" {
		t.Fatalf("替换合并错误: %+v", got)
	}
	over.Groups[0] = "y"
	if got.Groups[0] != "x" {
		t.Fatalf("Merge 未复制切片")
	}
}

func TestSplitCommaAtoi(t *testing.T) {
	parts := SplitComma("a, b , ,c")
	if len(parts) != 3 || parts[1] != "b" {
		t.Fatalf("SplitComma 结果错误: %v", parts)
	}
	if v, err := atoi(" 10 "); err != nil || v != 10 {
		t.Fatalf("atoi 失败: %v %d", err, v)
	}
}

// 显式写 0 的除数不得回落为默认值
func TestBitGainExplicitZero(t *testing.T) {
	over, err := LoadJSON("", []byte(`{"bitgain":{"bitgain_1":0}}`))
	if err != nil {
		t.Fatalf("LoadJSON 错误: %v", err)
	}
	cfg := Merge(DefaultTemplateConfig(), over)
	if cfg.BitGain.X != 0 || cfg.BitGain.Y != 1 {
		t.Fatalf("合并结果不正确: %+v", cfg.BitGain)
	}
	if err := Validate(cfg); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("应为 ErrConfiguration, got %v", err)
	}

	env, err := EnvOverlay([]string{"TDMS2H5_BITGAIN_2=0"})
	if err != nil {
		t.Fatal(err)
	}
	if got := Merge(DefaultTemplateConfig(), env); got.BitGain.Y != 0 || got.BitGain.X != 1 {
		t.Fatalf("ENV 合并结果不正确: %+v", got.BitGain)
	}
	if got := Merge(DefaultTemplateConfig(), Overlay()); got.BitGain.X != 1 || got.BitGain.Y != 1 {
		t.Fatalf("未设置的覆盖层不应改变除数: %+v", got.BitGain)
	}
}

func TestValidateErrors(t *testing.T) {
	valid := DefaultTemplateConfig()
	if err := Validate(valid); err != nil {
		t.Fatalf("模板应可通过校验: %v", err)
	}
	cases := map[string]func(*Config){
		"input":     func(c *Config) { c.InputDir = " " },
		"output":    func(c *Config) { c.OutputDir = "" },
		"prefix":    func(c *Config) { c.Prefix = "(" },
		"groups":    func(c *Config) { c.Groups = []string{"["} },
		"offset":    func(c *Config) { c.Offsets.Laser = -1 },
		"bitgain":   func(c *Config) { c.BitGain.Y = 0 },
		"gain nan":  func(c *Config) { c.BitGain.X = math.NaN() },
		"batch":     func(c *Config) { c.BatchSize = 0 },
		"first":     func(c *Config) { c.FirstSlice = -1 },
		"max":       func(c *Config) { c.MaxSlices = -1 },
		"level":     func(c *Config) { c.Logging.Level = "loud" },
		"source":    func(c *Config) { c.Components.Source = "xyz" },
		"container": func(c *Config) { c.Components.Container = "xyz" },
		"manifest":  func(c *Config) { c.Components.Manifest = "xyz" },
		"publisher": func(c *Config) { c.Components.Publisher = "xyz" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultTemplateConfig()
			mut(&cfg)
			if err := Validate(cfg); !errors.Is(err, contract.ErrConfiguration) {
				t.Fatalf("应为 ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestAssemble(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Components.Container = "memory"
	cfg.Options.Container = nil
	cfg.Options.Manifest = nil
	cfg.Options.Publisher = nil
	cfg.Groups = []string{"Part.*"}
	cfg.Offsets = Offsets{Area: 1, Intensity: 2, Laser: 3}
	comp, set, err := Assemble(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if comp.Source == nil || comp.Storage == nil || comp.Manifest != nil || comp.Publisher != nil {
		t.Fatalf("组件装配错误: %+v", comp)
	}
	if set.ContainerName != "memory" || len(set.Groups) != 1 || !set.Groups[0].MatchString("PartA") {
		t.Fatalf("设置错误: %+v", set)
	}
	if set.Align.AreaOffset != 1 || set.Align.IntensityOffset != 2 || set.Align.LaserOffset != 3 || set.Align.BitGain1 != 1 {
		t.Fatalf("对齐参数错误: %+v", set.Align)
	}

	// 模板中的 s3 选项在 publisher=none 时不被解析
	cfg = DefaultTemplateConfig()
	cfg.Components.Container = "csv"
	cfg.Options.Container = json.RawMessage(`{"compress":"gzip"}`)
	if _, _, err := Assemble(context.Background(), cfg, nil); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("非法容器选项应为 ErrConfiguration, got %v", err)
	}
	cfg = DefaultTemplateConfig()
	cfg.Options.Source = json.RawMessage(`{"max_bytes":1,"extra":true}`)
	if _, _, err := Assemble(context.Background(), cfg, nil); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("未知选项应为 ErrConfiguration, got %v", err)
	}
}
