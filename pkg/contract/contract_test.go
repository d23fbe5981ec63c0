package contract

import (
	"errors"
	"testing"
	"time"
)

// TestContainerFileName 验证组名到文件名的映射与越界拒绝。
func TestContainerFileName(t *testing.T) {
	tests := []struct {
		name  string
		group string
		want  string
		ok    bool
	}{
		{"普通组名", "G1", "G1.h5", true},
		{"含空格", "Part 7", "Part 7.h5", true},
		{"中文", "部件", "部件.h5", true},
		{"空", "", "", false},
		{"仅空白", "  ", "", false},
		{"点", ".", "", false},
		{"双点", "..", "", false},
		{"正斜杠", "a/b", "", false},
		{"反斜杠", `a\b`, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ContainerFileName(tc.group, ".h5")
			if tc.ok {
				if err != nil || got != tc.want {
					t.Fatalf("got %q err=%v, want %q", got, err, tc.want)
				}
				return
			}
			if !errors.Is(err, ErrPathInvalid) {
				t.Fatalf("expect ErrPathInvalid, got %v", err)
			}
		})
	}
}

func TestNodePath(t *testing.T) {
	cases := map[string][]string{
		"":              nil,
		"TDMSData":      {"TDMSData"},
		"TDMSData/12":   {"TDMSData", "12"},
		"TDMSData/3":    {"/TDMSData/", "", "3"},
		"TDMSData/3/xy": {"TDMSData", "3", "xy"},
	}
	for want, parts := range cases {
		if got := NodePath(parts...); got != want {
			t.Fatalf("NodePath(%q) = %q, want %q", parts, got, want)
		}
	}
}

// TestAttributesSet 替换保持首次插入位置（部件级覆盖层级的依据）。
func TestAttributesSet(t *testing.T) {
	var a Attributes
	a.Set("k1", IntValue(1))
	a.Set("k2", StringValue("x"))
	a.Set("k1", IntValue(9))
	if len(a) != 2 {
		t.Fatalf("len=%d", len(a))
	}
	if a[0].Key != "k1" || a[0].Value.I != 9 {
		t.Fatalf("replace in place failed: %+v", a)
	}
	c := a.Clone()
	c.Set("k2", StringValue("y"))
	if v, _ := a.Get("k2"); v.S != "x" {
		t.Fatalf("clone not independent")
	}
	if _, ok := a.Get("missing"); ok {
		t.Fatalf("missing key found")
	}
}

func TestValueInt(t *testing.T) {
	if v, ok := IntValue(5).Int(); !ok || v != 5 {
		t.Fatalf("int")
	}
	if v, ok := FloatValue(40).Int(); !ok || v != 40 {
		t.Fatalf("integral float")
	}
	if _, ok := FloatValue(40.5).Int(); ok {
		t.Fatalf("fractional float accepted")
	}
	if _, ok := StringValue("40").Int(); ok {
		t.Fatalf("string accepted")
	}
}

func TestValueString(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		v    Value
		want string
	}{
		{FloatValue(1.5), "1.5"},
		{IntValue(-3), "-3"},
		{StringValue("abc"), "abc"},
		{TimeValue(ts), "2024-03-01T12:00:00Z"},
	}
	for _, c := range cases {
		if got := c.v.String(); got != c.want {
			t.Fatalf("%v: got %q want %q", c.v.Kind, got, c.want)
		}
	}
	if KindTime.String() != "time" || ValueKind(99).String() != "unknown" {
		t.Fatalf("kind string")
	}
}

func TestPropertyBagAndGroupLookup(t *testing.T) {
	bag := PropertyBag{{Key: "a", Value: IntValue(1)}, {Key: "a", Value: IntValue(2)}}
	if v, ok := bag.Get("a"); !ok || v.I != 1 {
		t.Fatalf("first match expected")
	}
	g := Group{Name: "G", Channels: []Channel{{Name: "Area", Data: []float64{1}}}}
	if _, ok := g.Channel("Area"); !ok {
		t.Fatalf("channel lookup")
	}
	if _, ok := g.Channel("X-Axis"); ok {
		t.Fatalf("unexpected channel")
	}
	if SliceIndex(42).String() != "42" {
		t.Fatalf("slice index string")
	}
	if Float32.String() != "float32" || Int64.String() != "int64" || Float64.String() != "float64" {
		t.Fatalf("sample type string")
	}
}

func TestDatasetShape(t *testing.T) {
	d := Dataset{Name: "X", Data: []float64{1, 2, 3}}
	if s, err := d.Shape(); err != nil || len(s) != 1 || s[0] != 3 {
		t.Fatalf("1-D shape: %v %v", s, err)
	}
	d = Dataset{Name: "Index", Data: make([]float64, 6), Dims: []int{2, 3}}
	if s, err := d.Shape(); err != nil || s[0] != 2 || s[1] != 3 {
		t.Fatalf("2-D shape: %v %v", s, err)
	}
	d.Dims = []int{4, 3}
	if _, err := d.Shape(); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("mismatch must fail: %v", err)
	}
	d = Dataset{Name: "Index", Dims: []int{0, 3}}
	if s, err := d.Shape(); err != nil || s[0] != 0 {
		t.Fatalf("empty table: %v %v", s, err)
	}
}
