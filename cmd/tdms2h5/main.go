package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cfgpkg "tdms2h5/internal/config"
	"tdms2h5/internal/diag"
	"tdms2h5/internal/pipeline"
	"tdms2h5/pkg/contract"
)

var pipelineRun = pipeline.Run

// 用法：tdms2h5 [flags] <input_dir> <output_dir> [prefix]
// 旗标可出现在位置参数前后。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	logLevel := "info"
	// 先占位默认，稍后在合并配置后按最终 level 重建
	logger := diag.NewLogger(corrID, logLevel)

	var (
		flagConfig    string
		flagInitDir   string
		flagGroups    string
		flagVerbose   bool
		flagStatus    bool
		flagLogStderr bool
		flagArea      int
		flagIntensity int
		flagLaser     int
		flagGain1     float64
		flagGain2     float64
		flagBatch     int
		flagMax       int
		flagFirst     int
		flagContainer string
		flagMetrics   string
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（不覆盖已有文件）；不带值时默认当前目录")
	flag.StringVar(&flagGroups, "groups", "", "仅转换匹配的组：逗号分隔，每项为组名字面值或完整匹配的正则（正则内不能含逗号，如 {1,2}）；缺省转换全部组")
	flag.BoolVar(&flagVerbose, "verbose", false, "打印生效参数、每个切片与写出的容器")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	flag.BoolVar(&flagLogStderr, "log-stderr", false, "结构化日志写到 stderr 而非 ./logs")
	// 偏移允许显式设置为 0；默认 -1 表示“未覆盖”。
	flag.IntVar(&flagArea, "area-offset", -1, "Area 通道对称裁剪的采样数（>=0，默认 0）")
	flag.IntVar(&flagIntensity, "intensity-offset", -1, "Intensity 通道对称裁剪的采样数（>=0，默认 0）")
	flag.IntVar(&flagLaser, "laser-offset", -1, "LaserTTL 通道对称裁剪的采样数（>=0，默认 0）")
	// 除数未给出时保持 NaN（未覆盖），显式 0 交给校验拒绝。
	flagGain1, flagGain2 = math.NaN(), math.NaN()
	flag.Func("bitgain-1", "X-Axis 除数（非零，默认 1）", floatFlag(&flagGain1))
	flag.Func("bitgain-2", "Y-Axis 除数（非零，默认 1）", floatFlag(&flagGain2))
	flag.IntVar(&flagBatch, "batch-size", 0, "一次读入的切片数（>=1，默认 1）")
	flag.IntVar(&flagMax, "max-slices", -1, "仅转换按层号排序后的前 N 个切片（0 不限）")
	flag.IntVar(&flagFirst, "first-slice", -1, "跳过层号小于该值的切片")
	flag.StringVar(&flagContainer, "container", "", "容器实现：hdf5|csv|memory（覆盖配置）")
	flag.StringVar(&flagMetrics, "metrics-file", "", "运行结束后写出 Prometheus 文本格式指标")
	normalizeInitArg()

	positional, err := parseArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		fprintf(os.Stderr, "参数解析失败: %v\n", err)
		return 3
	}

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		cfg := cfgpkg.DefaultTemplateConfig()
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfg); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return 0
	}

	if len(positional) > 3 {
		fprintf(os.Stderr, "用法: tdms2h5 [flags] <input_dir> <output_dir> [prefix]\n")
		return 3
	}

	// JSON 配置（文件或 ENV）
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(flagConfig, cfgJSON)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	overCLI := cfgpkg.Overlay()
	if len(positional) > 0 {
		overCLI.InputDir = positional[0]
	}
	if len(positional) > 1 {
		overCLI.OutputDir = positional[1]
	}
	if len(positional) > 2 {
		overCLI.Prefix = positional[2]
	}
	overCLI.Groups = cfgpkg.SplitComma(flagGroups)
	overCLI.Verbose = flagVerbose
	overCLI.Offsets = cfgpkg.Offsets{Area: flagArea, Intensity: flagIntensity, Laser: flagLaser}
	overCLI.BitGain = cfgpkg.BitGain{X: flagGain1, Y: flagGain2}
	overCLI.BatchSize = flagBatch
	overCLI.MaxSlices = flagMax
	overCLI.FirstSlice = flagFirst
	overCLI.Components.Container = flagContainer
	overCLI.MetricsFile = flagMetrics
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	// 使用最终配置中的日志级别重建 logger
	if strings.TrimSpace(cfg.Logging.Level) != "" {
		logLevel = strings.TrimSpace(cfg.Logging.Level)
	}
	if flagLogStderr {
		logger = diag.NewWriterLogger(corrID, logLevel, os.Stderr)
	} else {
		logger = diag.NewLogger(corrID, logLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	comp, set, err := cfgpkg.Assemble(ctx, cfg, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return 3
	}
	set.RunID = corrID

	term := diag.NewTerminal(os.Stderr, flagStatus || cfg.Verbose, cfg.Verbose)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.Args(effectiveArgs(cfg))

	logger.DebugStart("config", "effective", "", "", map[string]string{
		"input_dir":  cfg.InputDir,
		"output_dir": cfg.OutputDir,
		"prefix":     cfg.Prefix,
		"groups":     strings.Join(cfg.Groups, ","),
		"source":     cfg.Components.Source,
		"container":  cfg.Components.Container,
		"manifest":   cfg.Components.Manifest,
		"publisher":  cfg.Components.Publisher,
	})

	t := logger.Start("pipeline", "run")
	res, err := pipelineRun(ctx, comp, set, logger)
	writeMetrics(cfg.MetricsFile, logger)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		if errors.Is(err, contract.ErrConfiguration) {
			return 3
		}
		return 1
	}
	t.Finish("run", int64(res.Slices))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	return 0
}

// parseArgs 交替解析旗标与位置参数，使旗标可位于位置参数之后。
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

// effectiveArgs: verbose 下打印的生效参数。
func effectiveArgs(cfg cfgpkg.Config) [][2]string {
	groups := "(all)"
	if len(cfg.Groups) > 0 {
		groups = strings.Join(cfg.Groups, ",")
	}
	return [][2]string{
		{"input_dir", cfg.InputDir},
		{"output_dir", cfg.OutputDir},
		{"prefix", cfg.Prefix},
		{"groups", groups},
		{"area_offset", strconv.Itoa(cfg.Offsets.Area)},
		{"intensity_offset", strconv.Itoa(cfg.Offsets.Intensity)},
		{"laser_offset", strconv.Itoa(cfg.Offsets.Laser)},
		{"bitgain_1", strconv.FormatFloat(cfg.BitGain.X, 'g', -1, 64)},
		{"bitgain_2", strconv.FormatFloat(cfg.BitGain.Y, 'g', -1, 64)},
		{"container", cfg.Components.Container},
	}
}

func writeMetrics(path string, logger *diag.Logger) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := diag.WriteMetrics(path); err != nil {
		logger.Warn("diag", string(diag.Classify(err)), "write metrics failed", path, map[string]string{"err": err.Error()})
	}
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// loadDotEnv 读取简单的 .env 文件并注入进程环境。
// - 忽略不存在的文件；跳过空行、# 注释；支持可选前缀 "export "；
// - 成对单/双引号去除，双引号内处理 \n \t \r \" \\；
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if !ok || key == "" {
			continue
		}
		if n := len(val); n >= 2 && (val[0] == '\'' || val[0] == '"') && val[n-1] == val[0] {
			q := val[0]
			val = val[1 : n-1]
			if q == '"' {
				val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// normalizeInitArg: --init-config 未带值（末尾或后接旗标）时补 "."。
// floatFlag 返回把旗标值解析为 float64 的 setter。
func floatFlag(dst *float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	p := cfgpkg.EnvPrefix
	b.WriteString("# tdms2h5 .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON；空值表示未设置。\n\n")
	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString(p + "CONFIG_FILE=\n")
	b.WriteString(p + "CONFIG_JSON=\n\n")
	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"INPUT_DIR", "OUTPUT_DIR", "PREFIX", "GROUPS",
		"AREA_OFFSET", "INTENSITY_OFFSET", "LASER_OFFSET", "BITGAIN_1", "BITGAIN_2",
		"BATCH_SIZE", "FIRST_SLICE", "MAX_SLICES", "VERBOSE", "METRICS_FILE", "LOG_LEVEL"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 组件选择与选项（原样 JSON）\n")
	for _, k := range []string{"SOURCE", "CONTAINER", "MANIFEST", "PUBLISHER"} {
		b.WriteString(p + "COMPONENTS_" + k + "=\n")
		b.WriteString(p + "OPTIONS_" + k + "_JSON=\n")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
