package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 进度行以 \r 覆盖；非 TTY: 关键节点分行打印。
// - verbose: 额外打印每个切片与写出的容器清单。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool
	verbose bool

	slicesTotal int
	slicesDone  int
	container   string
	runStart    time.Time

	curSlice  string
	curGroups int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled, verbose bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled, verbose: verbose}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// Args 在 verbose 下打印生效参数（按给定顺序）。
func (t *Terminal) Args(kv [][2]string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.verbose {
		return
	}
	t.println("args:")
	for _, p := range kv {
		t.println(fmt.Sprintf("  %s = %s", p[0], safe(p[1])))
	}
}

// RunStart: 记录运行上下文（切片总数、容器实现）。
func (t *Terminal) RunStart(slices int, container string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.slicesTotal = slices
	t.slicesDone = 0
	t.container = container
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 切片=%d | 容器=%s", slices, safe(container)))
}

// SliceStart: 标记当前切片。
func (t *Terminal) SliceStart(path string, groups int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curSlice = shortenBase(path, 48)
	t.curGroups = groups
	if t.verbose {
		t.clearInline()
		t.println(fmt.Sprintf("Converting %q", path))
		return
	}
	if t.isTTY {
		now := time.Now()
		if now.Sub(t.lastFlush) < 100*time.Millisecond {
			return
		}
		t.lastFlush = now
		t.printInline(fmt.Sprintf("[slice] %s | 进度 %d/%d | 组 %d | 用时 %s",
			t.curSlice, t.slicesDone, t.slicesTotal, groups, formatSince(t.runStart)))
		return
	}
	t.println(fmt.Sprintf("[slice] %s | 组 %d", t.curSlice, groups))
}

// SliceFinish: 完成当前切片。失败时无论 TTY 与否都打印一行。
func (t *Terminal) SliceFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.slicesDone++
	if ok && (t.isTTY || t.verbose) {
		return
	}
	status := "done"
	if !ok {
		status = "fail"
	}
	t.clearInline()
	t.println(fmt.Sprintf("[%s] %s | 组 %d | 用时 %s", status, t.curSlice, t.curGroups, formatDur(dur)))
}

// Wrote: verbose 下列出写出的容器。
func (t *Terminal) Wrote(paths []string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.verbose {
		return
	}
	t.clearInline()
	t.println("")
	t.println("Wrote files:")
	for _, p := range paths {
		t.println(fmt.Sprintf("  %q", p))
	}
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, containers int, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.clearInline()
	t.println(fmt.Sprintf("[%s] 全部完成 | 切片 %d/%d | 容器 %d | 总用时 %s",
		tag, t.slicesDone, t.slicesTotal, containers, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) clearInline() {
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
		_, _ = io.WriteString(t.w, "\r")
		t.lastLen = 0
	}
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 新行比旧行短时以空格覆盖残留
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if visLen(base) <= max {
		return base
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	rs := []rune(base)
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
