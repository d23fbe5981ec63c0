package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"tdms2h5/pkg/contract"
)

func readCSV(t *testing.T, path string, compressed bool) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	if compressed {
		dec, err := zstd.NewReader(f)
		if err != nil {
			t.Fatal(err)
		}
		defer dec.Close()
		r = csv.NewReader(dec)
	}
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func writeSample(t *testing.T, c contract.Container) {
	t.Helper()
	ctx := context.Background()
	var root contract.Attributes
	root.Set("Version", contract.IntValue(3))
	steps := []error{
		c.SetAttrs(ctx, "", root),
		c.CreateNode(ctx, "TDMSData"),
		c.CreateNode(ctx, "TDMSData/4"),
	}
	var attrs contract.Attributes
	attrs.Set("layerThickness", contract.IntValue(40))
	steps = append(steps,
		c.SetAttrs(ctx, "TDMSData/4", attrs),
		c.WriteDataset(ctx, "TDMSData/4", contract.Dataset{Name: "Area", Data: []float64{1, 2, 3}}),
		c.WriteDataset(ctx, "TDMSData/4", contract.Dataset{Name: "X-Axis", Type: contract.Float32, Data: []float64{0.5, 1}}),
		c.WriteDataset(ctx, "", contract.Dataset{
			Name: "Index", Type: contract.Int64, Data: []float64{4, 40, 2}, Dims: []int{1, 3},
			Attrs: contract.Attributes{{Key: "Column0", Value: contract.StringValue("SliceIndex")}},
		}),
		c.Close(),
	)
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.Create(context.Background(), dir, "G1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Location() != filepath.Join(dir, "G1") {
		t.Fatalf("location %s", c.Location())
	}
	writeSample(t, c)

	rows := readCSV(t, filepath.Join(dir, "G1", "Slice4.csv"), false)
	want := [][]string{{"Area", "X-Axis"}, {"1", "0.5"}, {"2", "1"}}
	if len(rows) != len(want) {
		t.Fatalf("rows %v", rows)
	}
	for i := range want {
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Fatalf("rows %v", rows)
			}
		}
	}
	attrs := readCSV(t, filepath.Join(dir, "G1", "Slice4.attrs.csv"), false)
	if len(attrs) != 2 || attrs[1][0] != "layerThickness" || attrs[1][1] != "40" {
		t.Fatalf("attrs %v", attrs)
	}
	idx := readCSV(t, filepath.Join(dir, "G1", "Index.csv"), false)
	if len(idx) != 2 || idx[0][0] != "SliceIndex" || idx[0][1] != "Column1" || idx[1][1] != "40" {
		t.Fatalf("index %v", idx)
	}
	meta := readCSV(t, filepath.Join(dir, "G1", "attrs.csv"), false)
	if len(meta) != 2 || meta[1][0] != "/" || meta[1][1] != "Version" || meta[1][2] != "3" {
		t.Fatalf("meta %v", meta)
	}
}

func TestZstd(t *testing.T) {
	dir := t.TempDir()
	s, err := New(&Options{Compress: "ZSTD", Level: 3, FilePrefix: "L"})
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.Create(context.Background(), dir, "G1")
	if err != nil {
		t.Fatal(err)
	}
	writeSample(t, c)
	rows := readCSV(t, filepath.Join(dir, "G1", "L4.csv.zst"), true)
	if len(rows) != 3 || rows[1][0] != "1" {
		t.Fatalf("rows %v", rows)
	}
}

func TestOptionsAndErrors(t *testing.T) {
	if _, err := New(&Options{Compress: "gzip"}); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("compress: %v", err)
	}
	if _, err := New(&Options{Level: 30}); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("level: %v", err)
	}
	if _, err := New(&Options{FilePrefix: "a/b"}); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("prefix: %v", err)
	}
	s, _ := New(nil)
	ctx := context.Background()
	if _, err := s.Create(ctx, t.TempDir(), ".."); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("group: %v", err)
	}
	c, _ := s.Create(ctx, t.TempDir(), "G")
	if err := c.CreateNode(ctx, "a/b"); err == nil {
		t.Fatal("missing parent accepted")
	}
	if err := c.SetAttrs(ctx, "nope", nil); err == nil {
		t.Fatal("unknown node accepted")
	}
	_ = c.CreateNode(ctx, "TDMSData")
	_ = c.CreateNode(ctx, "TDMSData/1")
	_ = c.WriteDataset(ctx, "TDMSData/1", contract.Dataset{Name: "A"})
	if err := c.WriteDataset(ctx, "TDMSData/1", contract.Dataset{Name: "A"}); err == nil {
		t.Fatal("duplicate dataset accepted")
	}
	_ = c.Close()
	if err := c.CreateNode(ctx, "x"); !errors.Is(err, errClosed) {
		t.Fatalf("after close: %v", err)
	}
}
