package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	logPrefix = "tdms2h5"
	// DefaultKeep: 保留的已轮转文件数。
	DefaultKeep = 20
)

// RotatingFile 按大小轮转的日志文件。
//   - 当前文件：<dir>/tdms2h5-current.txt；
//   - 写入会超过 maxBytes 时，当前文件改名为 tdms2h5-<UTC 时间戳>.txt 后重建；
//   - 轮转后仅保留最新 keep 个历史文件（一次转换常有数千切片，日志量随之增长）。
type RotatingFile struct {
	dir      string
	maxBytes int64
	keep     int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingFile 构造轮转写入器；maxBytes<=0 时取 10MiB。文件在首次写入时打开。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes, keep: DefaultKeep}
}

// SetKeep 设置历史文件保留数；<=0 表示不清理。
func (w *RotatingFile) SetKeep(n int) {
	w.mu.Lock()
	w.keep = n
	w.mu.Unlock()
}

// CurrentPath 返回当前写入文件的路径。
func (w *RotatingFile) CurrentPath() string {
	return filepath.Join(w.dir, logPrefix+"-current.txt")
}

// WriteLine 追加一行（自动补换行）。首行即超限时照常写入，不产生空的历史文件。
func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return err
	}
	n := int64(len(b) + 1)
	if w.size > 0 && w.size+n > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	line := make([]byte, 0, len(b)+1)
	line = append(append(line, b...), '\n')
	wrote, err := w.f.Write(line)
	w.size += int64(wrote)
	return err
}

func (w *RotatingFile) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.CurrentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.open()
	}
	cur := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	// 纳秒时间戳，同秒多次轮转不互相覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	if err := os.Rename(cur, filepath.Join(w.dir, fmt.Sprintf("%s-%s.txt", logPrefix, ts))); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.open()
}

// prune 删除超出 keep 的最旧历史文件；失败忽略。
func (w *RotatingFile) prune() {
	if w.keep <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	current := filepath.Base(w.CurrentPath())
	var old []string
	for _, e := range ents {
		name := e.Name()
		if name == current || e.IsDir() || !strings.HasPrefix(name, logPrefix+"-") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		old = append(old, name)
	}
	if len(old) <= w.keep {
		return
	}
	// 时间戳格式定长，字典序即时间序
	sort.Strings(old)
	for _, name := range old[:len(old)-w.keep] {
		_ = os.Remove(filepath.Join(w.dir, name))
	}
}

// Close 关闭当前文件；之后的写入会重新打开。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
