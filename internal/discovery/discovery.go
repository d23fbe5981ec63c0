package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"tdms2h5/internal/diag"
	"tdms2h5/pkg/contract"
)

// DefaultExt 为源文件扩展名（大小写不敏感）。
const DefaultExt = ".tdms"

// Options: 发现阶段的选项。
type Options struct {
	// Prefix: 正则片段；文件主干须完整匹配 <Prefix>(\d+)。
	Prefix string
	// Ext: 扩展名，默认 .tdms；比较时忽略大小写。
	Ext string
	// FirstSlice: 跳过层号小于该值的切片。
	FirstSlice int
	// MaxSlices: >0 时仅保留排序后的前 N 个。
	MaxSlices int
}

// Pattern 编译主干匹配模式 ^<prefix>(\d+)$。
// 前缀无法编译时返回 ErrConfiguration。
func Pattern(prefix string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + prefix + `)(\d+)$`)
	if err != nil {
		return nil, fmt.Errorf("%w: prefix %q: %w", contract.ErrConfiguration, prefix, err)
	}
	return re, nil
}

// Discover 列出 dir 下（不递归）匹配命名模式的切片文件，按 (层号, 路径) 升序返回。
// 规则：
// - 目录不存在或不是目录 → ErrConfiguration；
// - 不匹配的文件与子目录静默跳过（debug 日志）；
// - 指向常规文件的符号链接视为文件；其他符号链接忽略。
func Discover(ctx context.Context, dir string, opts Options, logger *diag.Logger) ([]contract.InputSlice, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	re, err := Pattern(opts.Prefix)
	if err != nil {
		return nil, err
	}
	ext := opts.Ext
	if ext == "" {
		ext = DefaultExt
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: input dir: %w", contract.ErrConfiguration, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: input dir %s is not a directory", contract.ErrConfiguration, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read input dir: %w", contract.ErrConfiguration, err)
	}

	var out []contract.InputSlice
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			continue
		}
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil || !t.Mode().IsRegular() {
				logger.Skip("discovery", "symlink target not a regular file", p)
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		idx, ok := Match(re, e.Name(), ext)
		if !ok {
			logger.Skip("discovery", "name does not match slice pattern", p)
			continue
		}
		if int64(idx) < int64(opts.FirstSlice) {
			logger.Skip("discovery", "before first slice", p)
			continue
		}
		out = append(out, contract.InputSlice{Index: idx, Path: p})
	}
	// 稳定顺序：层号，其次路径（仅影响日志顺序与 MaxSlices 截取）
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Path < out[j].Path
	})
	if opts.MaxSlices > 0 && len(out) > opts.MaxSlices {
		out = out[:opts.MaxSlices]
	}
	return out, nil
}

// Match 检查文件名并提取层号。扩展名比较忽略大小写；主干须完整匹配 re。
func Match(re *regexp.Regexp, name, ext string) (contract.SliceIndex, bool) {
	if len(name) <= len(ext) || !strings.EqualFold(name[len(name)-len(ext):], ext) {
		return 0, false
	}
	stem := name[:len(name)-len(ext)]
	m := re.FindStringSubmatch(stem)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[len(m)-1], 10, 64)
	if err != nil || n > contract.MaxExactInt {
		// 超出可精确表示范围的数字串
		return 0, false
	}
	return contract.SliceIndex(n), true
}
