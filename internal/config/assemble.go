package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"tdms2h5/internal/align"
	"tdms2h5/internal/diag"
	"tdms2h5/internal/discovery"
	"tdms2h5/internal/pipeline"
	"tdms2h5/pkg/contract"
	"tdms2h5/pkg/registry"
)

// Validate 对最小必要边界做静态校验；错误均包裹 ErrConfiguration。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.InputDir) == "" {
		return cfgErr("input_dir not set")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return cfgErr("output_dir not set")
	}
	if _, err := discovery.Pattern(cfg.Prefix); err != nil {
		return err
	}
	if _, err := pipeline.CompileGroups(cfg.Groups); err != nil {
		return err
	}
	if cfg.Offsets.Area < 0 || cfg.Offsets.Intensity < 0 || cfg.Offsets.Laser < 0 {
		return cfgErr("offsets must be >= 0")
	}
	for _, g := range []float64{cfg.BitGain.X, cfg.BitGain.Y} {
		if g == 0 || math.IsNaN(g) || math.IsInf(g, 0) {
			return cfgErr("bitgain must be finite and non-zero")
		}
	}
	if cfg.BatchSize < 1 {
		return cfgErr("batch_size must be >= 1")
	}
	if cfg.FirstSlice < 0 {
		return cfgErr("first_slice must be >= 0")
	}
	if cfg.MaxSlices < 0 {
		return cfgErr("max_slices must be >= 0")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return cfgErr(fmt.Sprintf("logging.level %q invalid", cfg.Logging.Level))
	}
	d := Defaults().Components
	if name := effName(cfg.Components.Source, d.Source); registry.Source[name] == nil {
		return cfgErr(fmt.Sprintf("source %q not registered", name))
	}
	if name := effName(cfg.Components.Container, d.Container); registry.Storage[name] == nil {
		return cfgErr(fmt.Sprintf("container %q not registered", name))
	}
	if name := effName(cfg.Components.Manifest, d.Manifest); registry.Manifest[name] == nil {
		return cfgErr(fmt.Sprintf("manifest %q not registered", name))
	}
	if name := effName(cfg.Components.Publisher, d.Publisher); registry.Publisher[name] == nil {
		return cfgErr(fmt.Sprintf("publisher %q not registered", name))
	}
	return nil
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(ctx context.Context, cfg Config, logger *diag.Logger) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	d := Defaults().Components
	sn := effName(cfg.Components.Source, d.Source)
	cn := effName(cfg.Components.Container, d.Container)
	mn := effName(cfg.Components.Manifest, d.Manifest)
	pn := effName(cfg.Components.Publisher, d.Publisher)

	src, err := registry.Source[sn](cfg.Options.Source)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, optErr("source", sn, err)
	}
	st, err := registry.Storage[cn](cfg.Options.Container)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, optErr("container", cn, err)
	}
	man, err := registry.Manifest[mn](cfg.Options.Manifest)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, optErr("manifest", mn, err)
	}
	pub, err := registry.Publisher[pn](ctx, cfg.Options.Publisher, logger)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, optErr("publisher", pn, err)
	}
	comp := pipeline.Components{Source: src, Storage: st, Manifest: man, Publisher: pub}

	groups, _ := pipeline.CompileGroups(cfg.Groups)
	set := pipeline.Settings{
		InputDir:  cfg.InputDir,
		OutputDir: cfg.OutputDir,
		Prefix:    cfg.Prefix,
		Groups:    groups,
		Align: align.Options{
			AreaOffset:      cfg.Offsets.Area,
			IntensityOffset: cfg.Offsets.Intensity,
			LaserOffset:     cfg.Offsets.Laser,
			BitGain1:        cfg.BitGain.X,
			BitGain2:        cfg.BitGain.Y,
		},
		BatchSize:     cfg.BatchSize,
		FirstSlice:    cfg.FirstSlice,
		MaxSlices:     cfg.MaxSlices,
		ContainerName: cn,
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

func cfgErr(msg string) error {
	return fmt.Errorf("%w: config: %s", contract.ErrConfiguration, msg)
}

// optErr: 工厂错误统一归为 ErrConfiguration（已分类的保持原样）。
func optErr(kind, name string, err error) error {
	if errors.Is(err, contract.ErrConfiguration) {
		return fmt.Errorf("config: %s %q: %w", kind, name, err)
	}
	return fmt.Errorf("%w: config: %s %q options: %w", contract.ErrConfiguration, kind, name, err)
}
