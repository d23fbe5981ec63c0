package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tdms2h5/pkg/contract"
)

// mockRoundTripper 记录 PUT 请求，模拟最小的 S3 子集。
type mockRoundTripper struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failKey string
}

func newMock() *mockRoundTripper {
	return &mockRoundTripper{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method != http.MethodPut {
		return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	body, _ := io.ReadAll(req.Body)
	if key == m.failKey {
		return &http.Response{StatusCode: http.StatusForbidden, Body: io.NopCloser(strings.NewReader("<Error><Code>AccessDenied</Code></Error>")), Header: http.Header{"Content-Type": {"application/xml"}}}, nil
	}
	m.mu.Lock()
	m.objects[key] = body
	m.types[key] = req.Header.Get("Content-Type")
	m.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
}

func newPublisher(t *testing.T, rt http.RoundTripper, opts Options) *Publisher {
	t.Helper()
	opts.Bucket = "bucket"
	opts.Endpoint = "https://mock.s3.local"
	opts.PathStyle = true
	opts.AccessKeyID = "AKIA"
	opts.SecretAccessKey = "SECRET"
	p, err := New(context.Background(), &opts, nil, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPublishFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	h5 := filepath.Join(dir, "G1.h5")
	_ = os.WriteFile(h5, []byte("hdf5-bytes"), 0o644)
	csvDir := filepath.Join(dir, "G2")
	_ = os.MkdirAll(csvDir, 0o755)
	_ = os.WriteFile(filepath.Join(csvDir, "Slice1.csv"), []byte("a\n1\n"), 0o644)
	_ = os.WriteFile(filepath.Join(csvDir, "Index.csv"), []byte("x\n"), 0o644)

	rt := newMock()
	p := newPublisher(t, rt, Options{Prefix: "/runs/r1/", Concurrency: 2, RateLimitPerSec: 100})
	err := p.Publish(context.Background(), []contract.Artifact{
		{Group: "G1", Path: h5},
		{Group: "G2", Path: csvDir},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"runs/r1/G1.h5":         "hdf5-bytes",
		"runs/r1/G2/Slice1.csv": "a\n1\n",
		"runs/r1/G2/Index.csv":  "x\n",
	}
	if len(rt.objects) != len(want) {
		t.Fatalf("objects %v", rt.objects)
	}
	for k, body := range want {
		if string(rt.objects[k]) != body {
			t.Fatalf("%s: got %q", k, rt.objects[k])
		}
	}
	if rt.types["runs/r1/G1.h5"] != "application/x-hdf5" || rt.types["runs/r1/G2/Index.csv"] != "text/csv" {
		t.Fatalf("content types %v", rt.types)
	}
}

func TestPublishErrors(t *testing.T) {
	dir := t.TempDir()
	h5 := filepath.Join(dir, "G1.h5")
	_ = os.WriteFile(h5, []byte("x"), 0o644)

	rt := newMock()
	rt.failKey = "G1.h5"
	p := newPublisher(t, rt, Options{})
	if err := p.Publish(context.Background(), []contract.Artifact{{Path: h5}}); !errors.Is(err, contract.ErrStorage) {
		t.Fatalf("put failure: %v", err)
	}
	if err := p.Publish(context.Background(), []contract.Artifact{{Path: filepath.Join(dir, "missing.h5")}}); !errors.Is(err, contract.ErrStorage) {
		t.Fatalf("missing artifact: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	cases := []*Options{
		nil,
		{},
		{Bucket: "b", Concurrency: -1},
		{Bucket: "b", AccessKeyID: "only-id"},
	}
	for i, o := range cases {
		if _, err := New(ctx, o, nil); !errors.Is(err, contract.ErrConfiguration) {
			t.Fatalf("case %d: %v", i, err)
		}
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"a.h5":      "application/x-hdf5",
		"a.CSV":     "text/csv",
		"a.csv.zst": "application/zstd",
		"m.db":      "application/vnd.sqlite3",
		"x.bin":     "application/octet-stream",
	}
	for name, want := range cases {
		if got := contentType(name, ""); got != want {
			t.Fatalf("%s: %s", name, got)
		}
	}
	if contentType("a.h5", "custom/type") != "custom/type" {
		t.Fatal("explicit content type ignored")
	}
}
