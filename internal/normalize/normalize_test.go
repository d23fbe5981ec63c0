package normalize

import (
	"testing"
	"time"

	"tdms2h5/pkg/contract"
)

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := time.Date(2023, 5, 17, 10, 4, 5, 123456789, loc)
	got := FormatTime(ts)
	if got != "2023-05-17T09:04:05.123456Z" {
		t.Fatalf("got %s", got)
	}
	back, err := ParseTime(got)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(ts.Truncate(time.Microsecond)) {
		t.Fatalf("round trip %v vs %v", back, ts)
	}
	if FormatTime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) != "2020-01-01T00:00:00.000000Z" {
		t.Fatalf("zero fraction must keep microsecond digits")
	}
}

func TestMergeRenamesAndTieBreak(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)
	layer := contract.PropertyBag{
		{Key: "StartTime", Value: contract.TimeValue(start)},
		{Key: "EndTime", Value: contract.TimeValue(start.Add(time.Second))},
		{Key: "layerThickness", Value: contract.IntValue(40)},
		{Key: "operator", Value: contract.StringValue("layer")},
	}
	part := contract.PropertyBag{
		{Key: "StartTime", Value: contract.TimeValue(start.Add(2 * time.Second))},
		{Key: "operator", Value: contract.StringValue("part")},
		{Key: "power", Value: contract.FloatValue(195.5)},
	}
	got := Merge(layer, part)

	wantOrder := []string{LayerStartTime, LayerEndTime, "layerThickness", "operator", PartStartTime, "power"}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %+v", got)
	}
	for i, k := range wantOrder {
		if got[i].Key != k {
			t.Fatalf("attr[%d]=%s want %s", i, got[i].Key, k)
		}
	}
	if v, _ := got.Get(LayerStartTime); v.Kind != contract.KindString || v.S != "2024-01-02T03:04:05.000006Z" {
		t.Fatalf("layer start %+v", v)
	}
	if v, _ := got.Get(PartStartTime); v.S != "2024-01-02T03:04:07.000006Z" {
		t.Fatalf("part start %+v", v)
	}
	if v, _ := got.Get("operator"); v.S != "part" {
		t.Fatalf("part-level should win: %+v", v)
	}
	if v, _ := got.Get("layerThickness"); v.Kind != contract.KindInt || v.I != 40 {
		t.Fatalf("passthrough %+v", v)
	}
	if _, ok := got.Get("StartTime"); ok {
		t.Fatalf("raw StartTime must not survive")
	}
}

func TestApplyDeterministic(t *testing.T) {
	bag := contract.PropertyBag{{Key: "EndTime", Value: contract.TimeValue(time.Unix(0, 0))}, {Key: "x", Value: contract.FloatValue(1)}}
	var a, b contract.Attributes
	Apply(bag, PartTable, &a)
	Apply(bag, PartTable, &b)
	if len(a) != len(b) {
		t.Fatal("length differs")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("differs at %d", i)
		}
	}
	if a[0].Key != PartEndTime || a[0].Value.S != "1970-01-01T00:00:00.000000Z" {
		t.Fatalf("got %+v", a[0])
	}
}

func TestApplyEmpty(t *testing.T) {
	var dst contract.Attributes
	Apply(nil, LayerTable, &dst)
	if len(dst) != 0 {
		t.Fatal("expected no attributes")
	}
	if len(Merge(nil, nil)) != 0 {
		t.Fatal("expected empty merge")
	}
}
