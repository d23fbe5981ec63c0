package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"tdms2h5/pkg/contract"
)

func TestContainerTree(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	c, err := s.Create(ctx, "out", "G1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Location() != filepath.Join("out", "G1.h5") || c.Group() != "G1" {
		t.Fatalf("location %s", c.Location())
	}
	if err := c.CreateNode(ctx, "TDMSData"); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateNode(ctx, "TDMSData/1"); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateNode(ctx, "TDMSData/1"); err == nil {
		t.Fatal("duplicate node should fail")
	}
	if err := c.CreateNode(ctx, "Missing/1"); err == nil {
		t.Fatal("missing parent should fail")
	}
	var attrs contract.Attributes
	attrs.Set("b", contract.IntValue(2))
	attrs.Set("a", contract.IntValue(1))
	if err := c.SetAttrs(ctx, "TDMSData/1", attrs); err != nil {
		t.Fatal(err)
	}
	data := []float64{1, 2, 3}
	if err := c.WriteDataset(ctx, "TDMSData/1", contract.Dataset{Name: "X-Axis", Data: data}); err != nil {
		t.Fatal(err)
	}
	data[0] = 99
	if err := c.WriteDataset(ctx, "TDMSData/1", contract.Dataset{Name: "X-Axis"}); err == nil {
		t.Fatal("duplicate dataset should fail")
	}

	mc, ok := s.Lookup("G1")
	if !ok {
		t.Fatal("lookup")
	}
	n, ok := mc.Node("TDMSData/1")
	if !ok {
		t.Fatal("node")
	}
	if n.Attrs[0].Key != "b" || n.Attrs[1].Key != "a" {
		t.Fatalf("attribute order not kept: %+v", n.Attrs)
	}
	ds, ok := n.Dataset("X-Axis")
	if !ok || ds.Data[0] != 1 {
		t.Fatalf("dataset copy %+v", ds)
	}
	root, _ := mc.Node("")
	if got := root.Children(); len(got) != 1 || got[0] != "TDMSData" {
		t.Fatalf("children %v", got)
	}

	_ = c.Close()
	_ = c.Close()
	if !mc.Closed() || mc.CloseCalls() != 2 {
		t.Fatal("close tracking")
	}
	if err := c.CreateNode(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestStorageInjectionAndNames(t *testing.T) {
	ctx := context.Background()
	s := New(&Options{Ext: ".csv"})
	boom := errors.New("disk full")
	s.CreateErr = func(group string) error {
		if group == "bad" {
			return boom
		}
		return nil
	}
	if _, err := s.Create(ctx, "o", "bad"); !errors.Is(err, boom) {
		t.Fatalf("injected: %v", err)
	}
	if _, err := s.Create(ctx, "o", "a/b"); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("invalid name: %v", err)
	}
	c, err := s.Create(ctx, "o", "ok")
	if err != nil || filepath.Ext(c.Location()) != ".csv" {
		t.Fatalf("create: %v %v", c, err)
	}
	if len(s.Containers()) != 1 {
		t.Fatal("containers")
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Create(cctx, "o", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled: %v", err)
	}
}
