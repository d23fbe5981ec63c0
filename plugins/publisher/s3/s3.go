// Package s3 在运行结束后把已关闭的输出容器上传到 S3 兼容的对象存储（AWS S3 / MinIO）。
package s3

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tdms2h5/internal/diag"
	"tdms2h5/pkg/contract"
)

// Options: 发布目标。未给静态凭证时走 AWS 默认凭证链。
type Options struct {
	Bucket          string  `json:"bucket"`
	Region          string  `json:"region"`
	Endpoint        string  `json:"endpoint"`
	PathStyle       bool    `json:"path_style"`
	AccessKeyID     string  `json:"access_key_id"`
	SecretAccessKey string  `json:"secret_access_key"`
	Prefix          string  `json:"prefix"`
	Concurrency     int     `json:"concurrency"`
	RateLimitPerSec float64 `json:"rate_limit_per_sec"`
}

// Publisher 实现 contract.Publisher。
type Publisher struct {
	client      *s3.Client
	bucket      string
	prefix      string
	concurrency int
	limiter     *rate.Limiter
	logger      *diag.Logger
}

var _ contract.Publisher = (*Publisher)(nil)

// New 构造 S3 客户端；optFns 追加到 s3.Options（测试注入 HTTPClient）。
func New(ctx context.Context, opts *Options, logger *diag.Logger, optFns ...func(*s3.Options)) (*Publisher, error) {
	if opts == nil || strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("%w: options.publisher.bucket required", contract.ErrConfiguration)
	}
	if opts.Concurrency < 0 || opts.RateLimitPerSec < 0 {
		return nil, fmt.Errorf("%w: publisher concurrency/rate must be >= 0", contract.ErrConfiguration)
	}
	if (opts.AccessKeyID == "") != (opts.SecretAccessKey == "") {
		return nil, fmt.Errorf("%w: access_key_id and secret_access_key must be set together", contract.ErrConfiguration)
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", contract.ErrConfiguration, err)
	}
	client := s3.NewFromConfig(awsCfg, append([]func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		// 兼容不支持流式校验和的 S3 实现
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	}}, optFns...)...)

	p := &Publisher{
		client:      client,
		bucket:      opts.Bucket,
		prefix:      strings.Trim(opts.Prefix, "/"),
		concurrency: opts.Concurrency,
		logger:      logger,
	}
	if p.concurrency == 0 {
		p.concurrency = 4
	}
	if opts.RateLimitPerSec > 0 {
		burst := int(opts.RateLimitPerSec)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), burst)
	}
	return p, nil
}

// upload: 一个待上传的本地文件。
type upload struct {
	path        string
	key         string
	contentType string
}

// Publish 上传全部工件；目录型工件（CSV 容器）递归上传其中文件。首个错误取消其余上传。
func (p *Publisher) Publish(ctx context.Context, artifacts []contract.Artifact) error {
	var uploads []upload
	for _, a := range artifacts {
		us, err := p.expand(a)
		if err != nil {
			return fmt.Errorf("%w: publish %s: %w", contract.ErrStorage, a.Path, err)
		}
		uploads = append(uploads, us...)
	}
	t := p.logger.StartWithKV("publisher", "upload", "", "", map[string]string{"bucket": p.bucket, "objects": fmt.Sprint(len(uploads))})
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, u := range uploads {
		g.Go(func() error { return p.put(gctx, u) })
	}
	if err := g.Wait(); err != nil {
		since := t.Since()
		p.logger.ErrorWithKV("publisher", string(diag.Classify(err)), "upload failed", &since, "", "", map[string]string{"err": err.Error()})
		return err
	}
	t.Finish("upload", int64(len(uploads)))
	return nil
}

func (p *Publisher) put(ctx context.Context, u upload) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	f, err := os.Open(u.path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", contract.ErrStorage, u.path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", contract.ErrStorage, u.path, err)
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &p.bucket,
		Key:           aws.String(u.key),
		Body:          f,
		ContentType:   aws.String(u.contentType),
		ContentLength: aws.Int64(st.Size()),
	})
	if err != nil {
		diag.IncOp("publisher", "put", "error")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: put s3://%s/%s: %w", contract.ErrStorage, p.bucket, u.key, err)
	}
	diag.IncOp("publisher", "put", "success")
	diag.AddCount("publisher", "bytes", st.Size())
	p.logger.DebugStart("publisher", "uploaded", u.path, "", map[string]string{"key": u.key})
	return nil
}

// expand 将工件展开为上传项；目录按相对路径映射为 <prefix>/<dir>/<rel>。
func (p *Publisher) expand(a contract.Artifact) ([]upload, error) {
	st, err := os.Stat(a.Path)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(a.Path)
	if !st.IsDir() {
		return []upload{{path: a.Path, key: p.key(base), contentType: contentType(a.Path, a.ContentType)}}, nil
	}
	var out []upload
	err = filepath.WalkDir(a.Path, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(a.Path, fp)
		if err != nil {
			return err
		}
		out = append(out, upload{path: fp, key: p.key(path.Join(base, filepath.ToSlash(rel))), contentType: contentType(fp, "")})
		return nil
	})
	return out, err
}

func (p *Publisher) key(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

func contentType(name, given string) string {
	if given != "" {
		return given
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".h5", ".hdf5":
		return "application/x-hdf5"
	case ".csv":
		return "text/csv"
	case ".zst":
		return "application/zstd"
	case ".db":
		return "application/vnd.sqlite3"
	}
	return "application/octet-stream"
}
