package tdms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"
	"time"

	"tdms2h5/pkg/contract"
)

// 段首 ToC 标志位。
const (
	tocMetaData    = 1 << 1
	tocNewObjList  = 1 << 2
	tocRawData     = 1 << 3
	tocInterleaved = 1 << 5
	tocBigEndian   = 1 << 6
	tocDAQmxRaw    = 1 << 7
)

const (
	leadInSize = 28
	noRawData  = 0xFFFFFFFF
	sameIndex  = 0x00000000
	// 段长未写完（写入中断）时的 next segment offset。
	incompleteSegment = 0xFFFFFFFFFFFFFFFF
)

// 数据类型码。
const (
	typeI8        = 0x01
	typeI16       = 0x02
	typeI32       = 0x03
	typeI64       = 0x04
	typeU8        = 0x05
	typeU16       = 0x06
	typeU32       = 0x07
	typeU64       = 0x08
	typeF32       = 0x09
	typeF64       = 0x0A
	typeF32Unit   = 0x19
	typeF64Unit   = 0x1A
	typeString    = 0x20
	typeBool      = 0x21
	typeTimestamp = 0x44
)

// epoch1904: TDMS 时间戳零点与 Unix 零点之差（秒）。
const epoch1904 = 2082844800

var errTruncated = errors.New("unexpected end of data")

// typeSize 返回定长类型的字节宽度；变长或不支持的类型返回 0。
func typeSize(t uint32) int {
	switch t {
	case typeI8, typeU8, typeBool:
		return 1
	case typeI16, typeU16:
		return 2
	case typeI32, typeU32, typeF32, typeF32Unit:
		return 4
	case typeI64, typeU64, typeF64, typeF64Unit:
		return 8
	case typeTimestamp:
		return 16
	}
	return 0
}

// sampleType 将源类型归类为容器存储类型。
func sampleType(t uint32) contract.SampleType {
	switch t {
	case typeF32, typeF32Unit:
		return contract.Float32
	case typeF64, typeF64Unit, typeTimestamp:
		return contract.Float64
	}
	return contract.Int64
}

// cursor: 在内存缓冲上顺序读取。
type cursor struct {
	buf   []byte
	pos   int
	end   int
	order binary.ByteOrder
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > c.end {
		return nil, errTruncated
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return c.order.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return c.order.Uint64(b), nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u32()
	if err != nil {
		return "", err
	}
	b, err := c.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// value 读取一个属性值。
func (c *cursor) value(t uint32) (contract.Value, error) {
	if t == typeString {
		s, err := c.str()
		return contract.StringValue(s), err
	}
	size := typeSize(t)
	if size == 0 {
		return contract.Value{}, fmt.Errorf("unsupported property type 0x%x", t)
	}
	b, err := c.take(size)
	if err != nil {
		return contract.Value{}, err
	}
	return decodeValue(t, b, c.order), nil
}

// decodeValue 将定长字节解码为属性值。
func decodeValue(t uint32, b []byte, order binary.ByteOrder) contract.Value {
	switch t {
	case typeI8:
		return contract.IntValue(int64(int8(b[0])))
	case typeI16:
		return contract.IntValue(int64(int16(order.Uint16(b))))
	case typeI32:
		return contract.IntValue(int64(int32(order.Uint32(b))))
	case typeI64:
		return contract.IntValue(int64(order.Uint64(b)))
	case typeU8:
		return contract.IntValue(int64(b[0]))
	case typeU16:
		return contract.IntValue(int64(order.Uint16(b)))
	case typeU32:
		return contract.IntValue(int64(order.Uint32(b)))
	case typeU64:
		u := order.Uint64(b)
		if u > math.MaxInt64 {
			return contract.FloatValue(float64(u))
		}
		return contract.IntValue(int64(u))
	case typeF32, typeF32Unit:
		return contract.FloatValue(float64(math.Float32frombits(order.Uint32(b))))
	case typeF64, typeF64Unit:
		return contract.FloatValue(math.Float64frombits(order.Uint64(b)))
	case typeBool:
		if b[0] != 0 {
			return contract.IntValue(1)
		}
		return contract.IntValue(0)
	case typeTimestamp:
		return contract.TimeValue(decodeTime(b, order))
	}
	return contract.Value{}
}

// decodeTime: 小端序为 (fraction u64, seconds i64)，大端序相反。
// fraction 单位为 2^-64 秒。
func decodeTime(b []byte, order binary.ByteOrder) time.Time {
	var frac uint64
	var sec int64
	if order == binary.LittleEndian {
		frac = order.Uint64(b[0:8])
		sec = int64(order.Uint64(b[8:16]))
	} else {
		sec = int64(order.Uint64(b[0:8]))
		frac = order.Uint64(b[8:16])
	}
	nsec, _ := bits.Mul64(frac, 1e9)
	return time.Unix(sec-epoch1904, int64(nsec)).UTC()
}

// sample 将定长字节解码为 float64 采样值。
func sample(t uint32, b []byte, order binary.ByteOrder) float64 {
	switch t {
	case typeF64, typeF64Unit:
		return math.Float64frombits(order.Uint64(b))
	case typeF32, typeF32Unit:
		return float64(math.Float32frombits(order.Uint32(b)))
	case typeTimestamp:
		ts := decodeTime(b, order)
		return float64(ts.Unix()) + float64(ts.Nanosecond())/1e9
	}
	v := decodeValue(t, b, order)
	if v.Kind == contract.KindFloat {
		return v.F
	}
	return float64(v.I)
}

// rawIndex: 对象在段中的原始数据描述。
type rawIndex struct {
	dataType  uint32
	numValues uint64
}

// object: 文件中的一个对象（根、组或通道）。
type object struct {
	path    string
	group   string
	channel string
	depth   int

	props contract.PropertyBag

	index    rawIndex
	hasIndex bool
	dataType uint32
	data     []float64
}

func (o *object) setProp(key string, v contract.Value) {
	for i := range o.props {
		if o.props[i].Key == key {
			o.props[i].Value = v
			return
		}
	}
	o.props = append(o.props, contract.Property{Key: key, Value: v})
}

// decoded: 解析结果（按首次出现顺序）。
type decoded struct {
	objects  map[string]*object
	order    []*object
	segments int
}

// parsePath 解析 "/'Group'/'Channel'" 形式的对象路径（'' 为转义的单引号）。
func parsePath(p string) ([]string, error) {
	if p == "/" {
		return nil, nil
	}
	var parts []string
	i := 0
	for i < len(p) {
		if !strings.HasPrefix(p[i:], "/'") {
			return nil, fmt.Errorf("malformed object path %q", p)
		}
		i += 2
		var b strings.Builder
		closed := false
		for i < len(p) {
			if p[i] == '\'' {
				if i+1 < len(p) && p[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				i++
				closed = true
				break
			}
			b.WriteByte(p[i])
			i++
		}
		if !closed {
			return nil, fmt.Errorf("malformed object path %q", p)
		}
		parts = append(parts, b.String())
	}
	if len(parts) > 2 {
		return nil, fmt.Errorf("object path too deep %q", p)
	}
	return parts, nil
}

// decode 解析完整文件内容。
func decode(buf []byte) (*decoded, error) {
	d := &decoded{objects: make(map[string]*object)}
	var active []*object
	pos := 0
	for pos < len(buf) {
		if len(buf)-pos < leadInSize {
			return nil, fmt.Errorf("segment %d lead-in: %w", d.segments, errTruncated)
		}
		if string(buf[pos:pos+4]) != "TDSm" {
			return nil, fmt.Errorf("segment %d: bad tag %q", d.segments, buf[pos:pos+4])
		}
		toc := binary.LittleEndian.Uint32(buf[pos+4 : pos+8])
		var order binary.ByteOrder = binary.LittleEndian
		if toc&tocBigEndian != 0 {
			order = binary.BigEndian
		}
		if toc&tocDAQmxRaw != 0 {
			return nil, fmt.Errorf("segment %d: DAQmx raw data not supported", d.segments)
		}
		nextOff := order.Uint64(buf[pos+12 : pos+20])
		rawOff := order.Uint64(buf[pos+20 : pos+28])
		metaStart := pos + leadInSize
		segEnd := len(buf)
		if nextOff != incompleteSegment && nextOff <= uint64(len(buf)-metaStart) {
			segEnd = metaStart + int(nextOff)
		}
		if rawOff > uint64(segEnd-metaStart) {
			return nil, fmt.Errorf("segment %d: raw data offset %d beyond segment", d.segments, rawOff)
		}
		rawStart := metaStart + int(rawOff)

		if toc&tocMetaData != 0 {
			c := &cursor{buf: buf, pos: metaStart, end: rawStart, order: order}
			var err error
			active, err = d.readMeta(c, toc, active)
			if err != nil {
				return nil, fmt.Errorf("segment %d metadata: %w", d.segments, err)
			}
		}
		if toc&tocRawData != 0 {
			c := &cursor{buf: buf, pos: rawStart, end: segEnd, order: order}
			if err := readRaw(c, active, toc&tocInterleaved != 0); err != nil {
				return nil, fmt.Errorf("segment %d raw data: %w", d.segments, err)
			}
		}
		d.segments++
		pos = segEnd
	}
	return d, nil
}

func (d *decoded) readMeta(c *cursor, toc uint32, active []*object) ([]*object, error) {
	if toc&tocNewObjList != 0 {
		active = nil
	}
	n, err := c.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		path, err := c.str()
		if err != nil {
			return nil, err
		}
		obj, err := d.lookup(path)
		if err != nil {
			return nil, err
		}
		idx, err := c.u32()
		if err != nil {
			return nil, err
		}
		switch idx {
		case noRawData:
			obj.hasIndex = false
		case sameIndex:
			if obj.dataType == 0 {
				return nil, fmt.Errorf("object %s reuses a raw index it never had", path)
			}
			obj.hasIndex = true
		case 0x69120000, 0x69130000:
			return nil, fmt.Errorf("object %s: DAQmx raw data not supported", path)
		default:
			dt, err := c.u32()
			if err != nil {
				return nil, err
			}
			dim, err := c.u32()
			if err != nil {
				return nil, err
			}
			if dim != 1 {
				return nil, fmt.Errorf("object %s: array dimension %d", path, dim)
			}
			nv, err := c.u64()
			if err != nil {
				return nil, err
			}
			if dt == typeString {
				return nil, fmt.Errorf("object %s: string channels not supported", path)
			}
			if typeSize(dt) == 0 {
				return nil, fmt.Errorf("object %s: unsupported data type 0x%x", path, dt)
			}
			if obj.dataType != 0 && obj.dataType != dt {
				return nil, fmt.Errorf("object %s: data type changed 0x%x -> 0x%x", path, obj.dataType, dt)
			}
			obj.dataType = dt
			obj.index = rawIndex{dataType: dt, numValues: nv}
			obj.hasIndex = true
		}
		np, err := c.u32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < np; j++ {
			name, err := c.str()
			if err != nil {
				return nil, err
			}
			t, err := c.u32()
			if err != nil {
				return nil, err
			}
			v, err := c.value(t)
			if err != nil {
				return nil, fmt.Errorf("object %s property %q: %w", path, name, err)
			}
			obj.setProp(name, v)
		}
		if !contains(active, obj) {
			active = append(active, obj)
		}
	}
	return active, nil
}

func (d *decoded) lookup(path string) (*object, error) {
	if o, ok := d.objects[path]; ok {
		return o, nil
	}
	parts, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	o := &object{path: path, depth: len(parts)}
	if len(parts) > 0 {
		o.group = parts[0]
	}
	if len(parts) > 1 {
		o.channel = parts[1]
	}
	d.objects[path] = o
	d.order = append(d.order, o)
	return o, nil
}

func contains(list []*object, o *object) bool {
	for _, x := range list {
		if x == o {
			return true
		}
	}
	return false
}

// readRaw 读取一个段的原始数据；段内可含多个相同布局的块。
func readRaw(c *cursor, active []*object, interleaved bool) error {
	var withData []*object
	chunk := 0
	for _, o := range active {
		if !o.hasIndex || o.index.numValues == 0 {
			continue
		}
		if o.depth != 2 {
			return fmt.Errorf("object %s carries raw data but is not a channel", o.path)
		}
		size := typeSize(o.index.dataType) * int(o.index.numValues)
		if size <= 0 || o.index.numValues > uint64(c.end-c.pos) {
			return fmt.Errorf("object %s: %d values exceed segment", o.path, o.index.numValues)
		}
		withData = append(withData, o)
		chunk += size
	}
	if len(withData) == 0 {
		return nil
	}
	total := c.end - c.pos
	if total == 0 || total%chunk != 0 {
		return fmt.Errorf("%d bytes is not a whole number of %d-byte chunks: %w", total, chunk, errTruncated)
	}
	chunks := total / chunk
	if interleaved {
		n := withData[0].index.numValues
		for _, o := range withData[1:] {
			if o.index.numValues != n {
				return fmt.Errorf("interleaved channels with different lengths (%s)", o.path)
			}
		}
	}
	for k := 0; k < chunks; k++ {
		if interleaved {
			for i := uint64(0); i < withData[0].index.numValues; i++ {
				for _, o := range withData {
					b, _ := c.take(typeSize(o.index.dataType))
					o.data = append(o.data, sample(o.index.dataType, b, c.order))
				}
			}
			continue
		}
		for _, o := range withData {
			w := typeSize(o.index.dataType)
			b, _ := c.take(w * int(o.index.numValues))
			for off := 0; off < len(b); off += w {
				o.data = append(o.data, sample(o.index.dataType, b[off:off+w], c.order))
			}
		}
	}
	return nil
}

// properties 返回根对象（文件级）属性。
func (d *decoded) properties() contract.PropertyBag {
	if o, ok := d.objects["/"]; ok {
		return o.props
	}
	return nil
}

// groups 按首次出现顺序组装组与通道。
func (d *decoded) groups() []contract.Group {
	var out []contract.Group
	pos := make(map[string]int)
	ensure := func(name string) int {
		if i, ok := pos[name]; ok {
			return i
		}
		pos[name] = len(out)
		out = append(out, contract.Group{Name: name})
		return len(out) - 1
	}
	for _, o := range d.order {
		switch o.depth {
		case 1:
			i := ensure(o.group)
			out[i].Properties = o.props
		case 2:
			i := ensure(o.group)
			out[i].Channels = append(out[i].Channels, contract.Channel{
				Name: o.channel,
				Type: sampleType(o.dataType),
				Data: o.data,
			})
		}
	}
	return out
}
