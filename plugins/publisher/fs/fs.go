// Package fs 将已关闭的输出容器复制到本地归档目录（NAS 挂载点等）。
package fs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"tdms2h5/internal/diag"
	"tdms2h5/pkg/contract"
)

// Options: 归档目标。
type Options struct {
	// Dir: 归档根目录（必需）。
	Dir string `json:"dir"`
	// Atomic: 同目录临时文件 + rename；默认 true，显式 false 时直接覆盖写。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 为 0 时使用 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 复制缓冲；<=0 使用 1MiB。
	BufSize int `json:"buf_size,omitempty"`
}

// Publisher 实现 contract.Publisher。
type Publisher struct {
	root    string
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

var _ contract.Publisher = (*Publisher)(nil)

// New 校验选项。
func New(opts *Options) (*Publisher, error) {
	if opts == nil || strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("%w: options.publisher.dir required", contract.ErrConfiguration)
	}
	p := &Publisher{root: opts.Dir, atomic: true, permF: opts.PermFile, permD: opts.PermDir, bufSize: opts.BufSize}
	if opts.Atomic != nil {
		p.atomic = *opts.Atomic
	}
	if p.permF == 0 {
		p.permF = 0o644
	}
	if p.permD == 0 {
		p.permD = 0o755
	}
	if p.bufSize <= 0 {
		p.bufSize = 1 << 20
	}
	return p, nil
}

// Publish 逐个复制工件；目录工件保留内部层级。
func (p *Publisher) Publish(ctx context.Context, artifacts []contract.Artifact) error {
	for _, a := range artifacts {
		if err := p.publishOne(ctx, a); err != nil {
			if diag.Classify(err) == diag.CodeCancel {
				return err
			}
			return fmt.Errorf("%w: archive %s: %w", contract.ErrStorage, a.Path, err)
		}
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, a contract.Artifact) error {
	st, err := os.Stat(a.Path)
	if err != nil {
		return err
	}
	base := filepath.Base(a.Path)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return contract.ErrPathInvalid
	}
	if !st.IsDir() {
		return p.copyFile(ctx, a.Path, filepath.Join(p.root, base))
	}
	return filepath.WalkDir(a.Path, func(src string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(a.Path, src)
		if err != nil {
			return err
		}
		return p.copyFile(ctx, src, filepath.Join(p.root, base, rel))
	})
}

func (p *Publisher) copyFile(ctx context.Context, src, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), p.permD); err != nil {
		return err
	}
	var n int64
	if p.atomic {
		n, err = p.writeAtomic(ctx, dest, in)
	} else {
		n, err = p.writeOverwrite(ctx, dest, in)
	}
	if err != nil {
		return err
	}
	diag.AddCount("publisher", "bytes", n)
	return nil
}

func (p *Publisher) writeOverwrite(ctx context.Context, dest string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, p.permF)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, p.bufSize)
	n, err := io.Copy(bw, readerWithCtx(ctx, r))
	if err != nil {
		return n, err
	}
	return n, bw.Flush()
}

func (p *Publisher) writeAtomic(ctx context.Context, dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, p.permF)
	fail := func(err error) (int64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}
	bw := bufio.NewWriterSize(tmp, p.bufSize)
	n, err := io.Copy(bw, readerWithCtx(ctx, r))
	if err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	_ = syncDir(dir)
	return n, nil
}

// readerWithCtx: 每次 Read 前检查取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(b []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(b)
}
