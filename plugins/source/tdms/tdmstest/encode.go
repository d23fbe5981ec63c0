// Package tdmstest 生成 TDMS 2.0 字节流，供测试构造输入切片。
package tdmstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"strings"
	"time"
)

// Prop: 属性；Value 支持 int8..int64、uint8..uint64、float32、float64、string、bool、time.Time。
type Prop struct {
	Name  string
	Value any
}

// Channel: 通道；Data 支持 []float64、[]float32、[]int16、[]int32、[]int64、[]uint16、[]uint32；nil 表示无数据。
type Channel struct {
	Name  string
	Props []Prop
	Data  any
}

// Group: 组。
type Group struct {
	Name     string
	Props    []Prop
	Channels []Channel
}

// File: 整个文件。
type File struct {
	Props  []Prop
	Groups []Group
}

// Options: 编码布局。
type Options struct {
	BigEndian   bool
	Interleaved bool
	// Chunks: 把每个通道切成 N 个等长块（通道长度须可整除）；0 或 1 表示一块。
	Chunks int
	// SplitSegments: 每块写成独立段，后续段不带元数据（复用对象列表）。
	SplitSegments bool
}

const (
	tocMetaData    = 1 << 1
	tocNewObjList  = 1 << 2
	tocRawData     = 1 << 3
	tocInterleaved = 1 << 5
	tocBigEndian   = 1 << 6
)

// WriteFile 编码并写入 path。
func WriteFile(path string, f File, opts Options) error {
	b, err := Encode(f, opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

type column struct {
	path   string
	code   uint32
	width  int
	values []any
}

// Encode 生成 TDMS 字节流。
func Encode(f File, opts Options) ([]byte, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if opts.BigEndian {
		order = binary.BigEndian
	}
	chunks := opts.Chunks
	if chunks <= 0 {
		chunks = 1
	}

	var cols []column
	for _, g := range f.Groups {
		for _, ch := range g.Channels {
			if ch.Data == nil {
				continue
			}
			code, width, values, err := flatten(ch.Data)
			if err != nil {
				return nil, fmt.Errorf("channel %s/%s: %w", g.Name, ch.Name, err)
			}
			if len(values)%chunks != 0 {
				return nil, fmt.Errorf("channel %s/%s: %d values not divisible into %d chunks", g.Name, ch.Name, len(values), chunks)
			}
			cols = append(cols, column{path: ObjectPath(g.Name, ch.Name), code: code, width: width, values: values})
		}
	}
	if opts.Interleaved {
		for _, c := range cols[min(1, len(cols)):] {
			if len(c.values) != len(cols[0].values) {
				return nil, fmt.Errorf("interleaved channels must have equal length")
			}
		}
	}
	perChunk := func(c column) int { return len(c.values) / chunks }

	meta := &bytes.Buffer{}
	nObjects := 1
	for _, g := range f.Groups {
		nObjects += 1 + len(g.Channels)
	}
	put(meta, order, uint32(nObjects))
	writeObject(meta, order, "/", f.Props, nil)
	for _, g := range f.Groups {
		writeObject(meta, order, ObjectPath(g.Name, ""), g.Props, nil)
		for _, ch := range g.Channels {
			path := ObjectPath(g.Name, ch.Name)
			var col *column
			for i := range cols {
				if cols[i].path == path {
					col = &cols[i]
				}
			}
			writeObject(meta, order, path, ch.Props, func(b *bytes.Buffer) {
				if col == nil {
					put(b, order, uint32(0xFFFFFFFF))
					return
				}
				put(b, order, uint32(20))
				put(b, order, col.code)
				put(b, order, uint32(1))
				put(b, order, uint64(perChunk(*col)))
			})
		}
	}

	rawChunk := func(k int) []byte {
		b := &bytes.Buffer{}
		if opts.Interleaved && len(cols) > 0 {
			n := perChunk(cols[0])
			for i := k * n; i < (k+1)*n; i++ {
				for _, c := range cols {
					put(b, order, c.values[i])
				}
			}
			return b.Bytes()
		}
		for _, c := range cols {
			n := perChunk(c)
			for _, v := range c.values[k*n : (k+1)*n] {
				put(b, order, v)
			}
		}
		return b.Bytes()
	}

	toc := uint32(tocMetaData | tocNewObjList)
	if len(cols) > 0 {
		toc |= tocRawData
	}
	if opts.Interleaved {
		toc |= tocInterleaved
	}
	if opts.BigEndian {
		toc |= tocBigEndian
	}

	out := &bytes.Buffer{}
	if !opts.SplitSegments || len(cols) == 0 {
		raw := &bytes.Buffer{}
		for k := 0; k < chunks && len(cols) > 0; k++ {
			raw.Write(rawChunk(k))
		}
		writeSegment(out, order, toc, meta.Bytes(), raw.Bytes())
		return out.Bytes(), nil
	}
	writeSegment(out, order, toc, meta.Bytes(), rawChunk(0))
	rest := toc &^ (tocMetaData | tocNewObjList)
	for k := 1; k < chunks; k++ {
		writeSegment(out, order, rest, nil, rawChunk(k))
	}
	return out.Bytes(), nil
}

func writeSegment(out *bytes.Buffer, order binary.ByteOrder, toc uint32, meta, raw []byte) {
	out.WriteString("TDSm")
	put(out, binary.LittleEndian, toc)
	put(out, order, uint32(4713))
	put(out, order, uint64(len(meta)+len(raw)))
	put(out, order, uint64(len(meta)))
	out.Write(meta)
	out.Write(raw)
}

func writeObject(b *bytes.Buffer, order binary.ByteOrder, path string, props []Prop, index func(*bytes.Buffer)) {
	putString(b, order, path)
	if index == nil {
		put(b, order, uint32(0xFFFFFFFF))
	} else {
		index(b)
	}
	put(b, order, uint32(len(props)))
	for _, p := range props {
		putString(b, order, p.Name)
		putValue(b, order, p.Value)
	}
}

// ObjectPath 返回组或通道的对象路径；channel 为空时返回组路径。
func ObjectPath(group, channel string) string {
	esc := func(s string) string { return "/'" + strings.ReplaceAll(s, "'", "''") + "'" }
	if channel == "" {
		return esc(group)
	}
	return esc(group) + esc(channel)
}

func flatten(data any) (code uint32, width int, out []any, err error) {
	switch d := data.(type) {
	case []float64:
		for _, v := range d {
			out = append(out, v)
		}
		return 0x0A, 8, out, nil
	case []float32:
		for _, v := range d {
			out = append(out, v)
		}
		return 0x09, 4, out, nil
	case []int16:
		for _, v := range d {
			out = append(out, v)
		}
		return 0x02, 2, out, nil
	case []int32:
		for _, v := range d {
			out = append(out, v)
		}
		return 0x03, 4, out, nil
	case []int64:
		for _, v := range d {
			out = append(out, v)
		}
		return 0x04, 8, out, nil
	case []uint16:
		for _, v := range d {
			out = append(out, v)
		}
		return 0x06, 2, out, nil
	case []uint32:
		for _, v := range d {
			out = append(out, v)
		}
		return 0x07, 4, out, nil
	}
	return 0, 0, nil, fmt.Errorf("unsupported data %T", data)
}

func putValue(b *bytes.Buffer, order binary.ByteOrder, v any) {
	switch x := v.(type) {
	case int8:
		put(b, order, uint32(0x01))
	case int16:
		put(b, order, uint32(0x02))
	case int32:
		put(b, order, uint32(0x03))
	case int:
		put(b, order, uint32(0x04))
		v = int64(x)
	case int64:
		put(b, order, uint32(0x04))
	case uint8:
		put(b, order, uint32(0x05))
	case uint16:
		put(b, order, uint32(0x06))
	case uint32:
		put(b, order, uint32(0x07))
	case uint64:
		put(b, order, uint32(0x08))
	case float32:
		put(b, order, uint32(0x09))
	case float64:
		put(b, order, uint32(0x0A))
	case string:
		put(b, order, uint32(0x20))
		putString(b, order, x)
		return
	case bool:
		put(b, order, uint32(0x21))
		if x {
			v = uint8(1)
		} else {
			v = uint8(0)
		}
	case time.Time:
		put(b, order, uint32(0x44))
		putTime(b, order, x)
		return
	default:
		panic(fmt.Sprintf("tdmstest: unsupported property %T", v))
	}
	put(b, order, v)
}

// putTime: 秒数相对 1904-01-01 UTC，小数部分以 2^-64 秒为单位。
func putTime(b *bytes.Buffer, order binary.ByteOrder, t time.Time) {
	sec := t.Unix() + 2082844800
	// ceil(ns * 2^64 / 1e9)，解码截断后恰好回到原纳秒
	frac, rem := bits.Div64(uint64(t.Nanosecond()), 0, 1e9)
	if rem != 0 {
		frac++
	}
	if order == binary.LittleEndian {
		put(b, order, frac)
		put(b, order, sec)
		return
	}
	put(b, order, sec)
	put(b, order, frac)
}

func putString(b *bytes.Buffer, order binary.ByteOrder, s string) {
	put(b, order, uint32(len(s)))
	b.WriteString(s)
}

func put(b *bytes.Buffer, order binary.ByteOrder, v any) {
	if err := binary.Write(b, order, v); err != nil {
		panic(err)
	}
}

// SliceStart 为 Slice 生成的层开始时间。
var SliceStart = time.Date(2021, 3, 4, 5, 6, 7, 123456000, time.UTC)

// Slice 返回典型切片：文件属性含 layerThickness 与起止时间，
// 每个组带 StartTime/EndTime 与六个长度为 n 的通道。
func Slice(thickness int32, n int, groups ...string) File {
	f := File{Props: []Prop{
		{Name: "layerThickness", Value: thickness},
		{Name: "StartTime", Value: SliceStart},
		{Name: "EndTime", Value: SliceStart.Add(90 * time.Second)},
		{Name: "Operator", Value: "line-2"},
	}}
	for gi, g := range groups {
		area := make([]float64, n)
		intensity := make([]float64, n)
		laser := make([]int16, n)
		param := make([]float64, n)
		x := make([]int32, n)
		y := make([]int32, n)
		for i := 0; i < n; i++ {
			area[i] = float64(i)
			intensity[i] = float64(2 * i)
			laser[i] = int16(i % 2)
			param[i] = float64(gi)
			x[i] = int32(10 * i)
			y[i] = int32(-10 * i)
		}
		f.Groups = append(f.Groups, Group{
			Name: g,
			Props: []Prop{
				{Name: "StartTime", Value: SliceStart.Add(time.Duration(gi) * time.Second)},
				{Name: "EndTime", Value: SliceStart.Add(time.Duration(gi+1) * time.Second)},
				{Name: "Operator", Value: "part-" + g},
			},
			Channels: []Channel{
				{Name: "Area", Data: area},
				{Name: "Intensity", Data: intensity},
				{Name: "LaserTTL", Data: laser},
				{Name: "Parameter", Data: param},
				{Name: "X-Axis", Data: x},
				{Name: "Y-Axis", Data: y},
			},
		})
	}
	return f
}
