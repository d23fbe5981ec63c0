package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"tdms2h5/internal/align"
	"tdms2h5/internal/diag"
	"tdms2h5/internal/discovery"
	"tdms2h5/internal/groupwriter"
	"tdms2h5/internal/index"
	"tdms2h5/internal/normalize"
	"tdms2h5/pkg/contract"
)

// - 单线程：切片按层号顺序逐个读入、路由、释放；组件均为同步实现。
// - 首错即停：任一阶段出错立即返回，已创建的容器在所有路径上关闭。
// - 终结在全部输入处理完后进行；每个容器独立写 Index，失败的容器保留已写切片。

// Components 聚合运行所需的组件。Manifest 与 Publisher 可为 nil（禁用）。
type Components struct {
	Source    contract.Source
	Storage   contract.Storage
	Manifest  contract.Manifest
	Publisher contract.Publisher
}

// Settings 运行期配置。
type Settings struct {
	InputDir  string
	OutputDir string
	// Prefix: 文件名主干前缀（正则片段）。
	Prefix string
	// Groups: 组名过滤（完整匹配任一即转换）；空表示全部。
	Groups []*regexp.Regexp
	Align  align.Options

	// BatchSize: 一次打开并缓冲的切片数；<=0 视为 1。
	BatchSize  int
	FirstSlice int
	MaxSlices  int

	// RunID: 清单中的运行标识。
	RunID string
	// ContainerName: 仅用于终端与日志展示。
	ContainerName string
}

// Result: 一次运行的汇总。
type Result struct {
	Slices     int
	Containers []string
	Rows       map[string][]contract.IndexRow
}

// Run 执行完整转换：Discover → (Source → Normalize → Align → GroupWriter)* → Finalize → Close → Publish。
// 任何错误都是致命的；返回的错误可用 errors.Is 判别为 ErrConfiguration/ErrData/ErrStorage。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (res Result, err error) {
	if err := sanity(comp, set); err != nil {
		return res, fmt.Errorf("sanity: %w", err)
	}
	aligner, err := align.New(set.Align)
	if err != nil {
		return res, err
	}
	runStart := time.Now()
	term := diag.GetTerminal()

	slices, err := discovery.Discover(ctx, set.InputDir, discovery.Options{
		Prefix: set.Prefix, FirstSlice: set.FirstSlice, MaxSlices: set.MaxSlices,
	}, logger)
	if err != nil {
		fail(logger, "discovery", "discover failed", "", err)
		return res, err
	}
	diag.AddCount("discovery", "slices", int64(len(slices)))
	if err := os.MkdirAll(set.OutputDir, 0o755); err != nil {
		fail(logger, "pipeline", "create output dir failed", set.OutputDir, err)
		return res, fmt.Errorf("%w: output dir: %w", contract.ErrStorage, err)
	}

	if comp.Manifest != nil {
		run := contract.RunInfo{RunID: set.RunID, StartedAt: runStart.UTC(), InputDir: set.InputDir, OutputDir: set.OutputDir, Prefix: set.Prefix}
		if err := comp.Manifest.Begin(ctx, run); err != nil {
			fail(logger, "manifest", "begin failed", "", err)
			return res, err
		}
		defer func() {
			if ferr := comp.Manifest.Finish(context.WithoutCancel(ctx), err); ferr != nil && err == nil {
				err = ferr
			}
			if cerr := comp.Manifest.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	term.RunStart(len(slices), set.ContainerName)
	ok := false
	defer func() { term.RunFinish(ok, len(res.Containers), time.Since(runStart)) }()

	gw := groupwriter.New(comp.Storage, set.OutputDir, logger)
	closed := false
	defer func() {
		if closed {
			return
		}
		if cerr := gw.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	batch := set.BatchSize
	if batch <= 0 {
		batch = 1
	}
	for from := 0; from < len(slices); from += batch {
		to := min(from+batch, len(slices))
		if err := runBatch(ctx, comp, set, aligner, gw, slices[from:to], logger); err != nil {
			return res, err
		}
		res.Slices += to - from
	}

	// 终结：每个容器独立写 Index；返回首个错误
	res.Rows = make(map[string][]contract.IndexRow)
	var first error
	for _, h := range gw.Handles() {
		rows, ferr := index.Finalize(ctx, h, logger)
		if ferr != nil {
			if first == nil {
				first = fmt.Errorf("finalize %s: %w", h.Group(), ferr)
			}
			continue
		}
		res.Rows[h.Group()] = rows
		if comp.Manifest != nil {
			if merr := comp.Manifest.RecordIndex(ctx, h.Container().Location(), rows); merr != nil && first == nil {
				first = merr
			}
		}
	}
	if first != nil {
		return res, first
	}

	artifacts := make([]contract.Artifact, 0, len(gw.Handles()))
	for _, h := range gw.Handles() {
		loc := h.Container().Location()
		res.Containers = append(res.Containers, loc)
		artifacts = append(artifacts, contract.Artifact{Group: h.Group(), Path: loc})
	}
	closed = true
	if err := gw.Close(); err != nil {
		return res, err
	}
	term.Wrote(res.Containers)

	if comp.Publisher != nil && len(artifacts) > 0 {
		t := logger.StartWith("publisher", "publish", "", "")
		if err := comp.Publisher.Publish(ctx, artifacts); err != nil {
			fail(logger, "publisher", "publish failed", "", err)
			return res, err
		}
		t.Finish("publish", int64(len(artifacts)))
		diag.IncOp("publisher", "publish", "success")
	}
	ok = true
	logger.InfoFinish("pipeline", "run", runStart, int64(res.Slices))
	return res, nil
}

// opened: 批内一个已读入的切片。
type opened struct {
	in   contract.InputSlice
	file contract.SourceFile
}

// runBatch 依次读入一批切片，再逐个路由到各组容器；返回前释放批内全部源文件。
func runBatch(ctx context.Context, comp Components, set Settings, aligner *align.Aligner, gw *groupwriter.Writer, ins []contract.InputSlice, logger *diag.Logger) (err error) {
	files := make([]opened, 0, len(ins))
	defer func() {
		for _, f := range files {
			if cerr := f.file.Close(); cerr != nil {
				logger.Warn("source", string(diag.Classify(cerr)), "close failed", f.in.Path, map[string]string{"err": cerr.Error()})
			}
		}
	}()
	for _, in := range ins {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := logger.StartWith("source", "open", in.Path, in.Index.String())
		f, oerr := comp.Source.Open(ctx, in.Path)
		if oerr != nil {
			fail(logger, "source", "open failed", in.Path, oerr)
			return fmt.Errorf("open %s: %w", in.Path, oerr)
		}
		t.Finish("open", int64(len(f.Groups())))
		files = append(files, opened{in: in, file: f})
	}
	for _, f := range files {
		if err := convertSlice(ctx, comp, set, aligner, gw, f, logger); err != nil {
			return err
		}
	}
	return nil
}

// convertSlice 将一个切片的每个（选中的）组写入对应容器。
func convertSlice(ctx context.Context, comp Components, set Settings, aligner *align.Aligner, gw *groupwriter.Writer, f opened, logger *diag.Logger) (err error) {
	groups := f.file.Groups()
	start := time.Now()
	term := diag.GetTerminal()
	term.SliceStart(f.in.Path, len(groups))
	defer func() { term.SliceFinish(err == nil, time.Since(start)) }()

	layer := f.file.Properties()
	written := 0
	for _, g := range groups {
		if !Selected(set.Groups, g.Name) {
			logger.Skip("pipeline", "group not selected: "+g.Name, f.in.Path)
			continue
		}
		attrs := normalize.Merge(layer, g.Properties)
		datasets, aerr := aligner.Align(g)
		if aerr != nil {
			fail(logger, "align", "align failed", f.in.Path, aerr)
			return fmt.Errorf("slice %s: %w", f.in.Path, aerr)
		}
		h, herr := gw.GetOrCreate(ctx, g.Name)
		if herr != nil {
			return fmt.Errorf("slice %s: %w", f.in.Path, herr)
		}
		if werr := gw.WriteSlice(ctx, h, f.in.Index, f.in.Path, attrs, datasets); werr != nil {
			fail(logger, "groupwriter", "write slice failed", f.in.Path, werr)
			return werr
		}
		written++
		if comp.Manifest != nil {
			rec := contract.SliceRecord{
				Container: h.Container().Location(),
				Slice:     f.in.Index,
				Source:    f.in.Path,
				Vertices:  vertices(datasets),
			}
			if merr := comp.Manifest.RecordSlice(ctx, rec); merr != nil {
				fail(logger, "manifest", "record slice failed", f.in.Path, merr)
				return merr
			}
		}
	}
	diag.IncOp("pipeline", "slice", "success")
	logger.DebugStart("pipeline", "slice converted", f.in.Path, f.in.Index.String(), map[string]string{
		"groups": strconv.Itoa(len(groups)), "written": strconv.Itoa(written),
	})
	return nil
}

// Selected 判断组名是否被过滤器选中；过滤器为空时全部选中。
func Selected(filters []*regexp.Regexp, name string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, re := range filters {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// CompileGroups 将组名模式编译为完整匹配的正则；每项同时按字面组名匹配，
// 因此含元字符的组名（如 Part(1)）可直接写出。非法模式返回 ErrConfiguration。
func CompileGroups(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + regexp.QuoteMeta(p) + `|` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("%w: group pattern %q: %w", contract.ErrConfiguration, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func vertices(datasets []contract.Dataset) int64 {
	for _, ds := range datasets {
		if ds.Name == index.VertexChannel {
			return int64(len(ds.Data))
		}
	}
	return 0
}

func fail(logger *diag.Logger, comp, msg, fileID string, err error) {
	code := diag.Classify(err)
	logger.ErrorWithKV(comp, string(code), msg, nil, fileID, "", map[string]string{"err": err.Error()})
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func sanity(comp Components, set Settings) error {
	if comp.Source == nil || comp.Storage == nil {
		return errors.New("missing components")
	}
	if set.InputDir == "" || set.OutputDir == "" {
		return fmt.Errorf("%w: input and output dir required", contract.ErrConfiguration)
	}
	return nil
}
