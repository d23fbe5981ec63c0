package align

import (
	"errors"
	"math"
	"testing"

	"tdms2h5/pkg/contract"
)

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func group(n int) contract.Group {
	return contract.Group{
		Name: "G1",
		Channels: []contract.Channel{
			{Name: XAxis, Type: contract.Int64, Data: seq(n)},
			{Name: YAxis, Type: contract.Int64, Data: seq(n)},
			{Name: Area, Type: contract.Int64, Data: seq(n)},
			{Name: Intensity, Type: contract.Int64, Data: seq(n)},
			{Name: LaserTTL, Type: contract.Int64, Data: seq(n)},
			{Name: Parameter, Type: contract.Float64, Data: seq(n)},
			{Name: "Extra", Type: contract.Float64, Data: seq(3)},
		},
	}
}

func byName(ds []contract.Dataset) map[string]contract.Dataset {
	m := make(map[string]contract.Dataset, len(ds))
	for _, d := range ds {
		m[d.Name] = d
	}
	return m
}

func TestAlignTrimLengths(t *testing.T) {
	cases := []struct {
		area, inten, laser int
	}{
		{0, 0, 0},
		{1, 2, 3},
		{50, 0, 49},
		{0, 50, 0},
	}
	for _, c := range cases {
		a, err := New(Options{AreaOffset: c.area, IntensityOffset: c.inten, LaserOffset: c.laser, BitGain1: 1, BitGain2: 1})
		if err != nil {
			t.Fatal(err)
		}
		out, err := a.Align(group(100))
		if err != nil {
			t.Fatalf("%+v: %v", c, err)
		}
		m := byName(out)
		if got := len(m[Area].Data); got != 100-2*c.area {
			t.Fatalf("area len %d", got)
		}
		if got := len(m[Intensity].Data); got != 100-2*c.inten {
			t.Fatalf("intensity len %d", got)
		}
		if got := len(m[LaserTTL].Data); got != 100-2*c.laser {
			t.Fatalf("laser len %d", got)
		}
		if len(m[Parameter].Data) != 100 || len(m[XAxis].Data) != 100 || len(m[YAxis].Data) != 100 {
			t.Fatalf("untrimmed channels changed length")
		}
		if c.area > 0 && len(m[Area].Data) > 0 && m[Area].Data[0] != float64(c.area) {
			t.Fatalf("trim must drop head samples: first=%v", m[Area].Data[0])
		}
	}
}

func TestAlignOrderAndTypes(t *testing.T) {
	a, _ := New(Options{BitGain1: 1, BitGain2: 1})
	out, err := a.Align(group(4))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{Area, Intensity, LaserTTL, Parameter, XAxis, YAxis, "Extra"}
	for i, w := range want {
		if out[i].Name != w {
			t.Fatalf("out[%d]=%s want %s", i, out[i].Name, w)
		}
	}
	m := byName(out)
	if m[Area].Type != contract.Int64 {
		t.Fatalf("trimmed channel keeps source type")
	}
	if m[XAxis].Type != contract.Float32 || m[YAxis].Type != contract.Float32 {
		t.Fatalf("position channels must be float32")
	}
	if v, ok := m[XAxis].Attrs.Get(UnitsKey); !ok || v.S != Micrometer {
		t.Fatalf("units attr %+v", m[XAxis].Attrs)
	}
	if len(m[Area].Attrs) != 0 {
		t.Fatalf("area should carry no attrs")
	}
}

func TestAlignScale(t *testing.T) {
	a, _ := New(Options{BitGain1: 2, BitGain2: 3})
	g := group(0)
	g.Channels[0].Data = []float64{10, 1, -4}
	g.Channels[1].Data = []float64{9, 1, -3}
	out, err := a.Align(g)
	if err != nil {
		t.Fatal(err)
	}
	m := byName(out)
	wantX := []float32{5, 0.5, -2}
	for i, w := range wantX {
		if m[XAxis].Data[i] != float64(w) {
			t.Fatalf("x[%d]=%v want %v", i, m[XAxis].Data[i], w)
		}
	}
	one := 1.0
	wantY := []float32{3, float32(one / 3), -1}
	for i, w := range wantY {
		if m[YAxis].Data[i] != float64(w) {
			t.Fatalf("y[%d]=%v want %v", i, m[YAxis].Data[i], w)
		}
	}
	if g.Channels[0].Data[0] != 10 {
		t.Fatalf("input must not be modified")
	}
	if math.IsNaN(m[XAxis].Data[1]) {
		t.Fatal("nan")
	}
}

func TestAlignOffsetExceedsHalf(t *testing.T) {
	a, _ := New(Options{LaserOffset: 51, BitGain1: 1, BitGain2: 1})
	_, err := a.Align(group(100))
	if !errors.Is(err, contract.ErrData) {
		t.Fatalf("expect ErrData, got %v", err)
	}
	a, _ = New(Options{AreaOffset: 1, BitGain1: 1, BitGain2: 1})
	g := group(5)
	g.Channels[2].Data = []float64{1}
	if _, err := a.Align(g); !errors.Is(err, contract.ErrData) {
		t.Fatalf("short channel: %v", err)
	}
}

func TestAlignMissingChannel(t *testing.T) {
	a, _ := New(Options{BitGain1: 1, BitGain2: 1})
	for _, name := range Required {
		g := group(10)
		kept := g.Channels[:0]
		for _, c := range g.Channels {
			if c.Name != name {
				kept = append(kept, c)
			}
		}
		g.Channels = kept
		if _, err := a.Align(g); !errors.Is(err, contract.ErrData) {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	g := group(10)
	g.Channels = append(g.Channels[:5], g.Channels[6:]...) // 去掉 Parameter
	out, err := a.Align(g)
	if err != nil {
		t.Fatalf("parameter is optional: %v", err)
	}
	if _, ok := byName(out)[Parameter]; ok {
		t.Fatal("parameter should be absent")
	}
}

func TestNewValidation(t *testing.T) {
	bad := []Options{
		{AreaOffset: -1, BitGain1: 1, BitGain2: 1},
		{IntensityOffset: -1, BitGain1: 1, BitGain2: 1},
		{LaserOffset: -1, BitGain1: 1, BitGain2: 1},
		{BitGain1: 0, BitGain2: 1},
		{BitGain1: 1, BitGain2: 0},
	}
	for _, o := range bad {
		if _, err := New(o); !errors.Is(err, contract.ErrConfiguration) {
			t.Fatalf("%+v: %v", o, err)
		}
	}
	a, err := New(Options{AreaOffset: 2, BitGain1: -1, BitGain2: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if a.Options().AreaOffset != 2 {
		t.Fatal("options not kept")
	}
}
