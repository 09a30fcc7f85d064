package amq

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
)

// boolEncodingEnv disables the pre-0-91 boolean field-table type code
// when set. Older revisions of the protocol had no boolean type but
// the Java client used one anyway; we understand it by default.
const boolEncodingEnv = "AMQ_CODEC_DISABLE_0_91_BOOLEAN"

// bufPool is used to reduce allocations when encoding.
var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// ReferenceID is an opaque handle to out-of-band content data, as
// opposed to inline bytes.
type ReferenceID string

// Codec translates between Go values and wire-encoded primitives over
// a byte stream. All integers are network byte order. Consecutive bit
// writes accumulate in memory and are flushed LSB-first into octets
// when any non-bit write occurs; bit reads mirror this with a
// lookahead octet that any other read discards.
type Codec struct {
	r io.Reader
	w io.Writer

	schema *Schema
	nread  int
	nwrote int

	incomingBits []bool
	outgoingBits []bool

	understandBoolean bool

	types map[uint8]string // wire code -> type name (decode)
	codes map[string]uint8 // type name -> wire code (encode)
}

// NewCodec wraps a bidirectional byte stream, typically a
// *bytes.Buffer or a buffered connection.
func NewCodec(stream io.ReadWriter, schema *Schema) *Codec {
	return newCodec(stream, stream, schema)
}

// NewDecoder wraps a read-only byte source.
func NewDecoder(r io.Reader, schema *Schema) *Codec {
	return newCodec(r, nil, schema)
}

// NewEncoder wraps a write-only byte sink.
func NewEncoder(w io.Writer, schema *Schema) *Codec {
	return newCodec(nil, w, schema)
}

func newCodec(r io.Reader, w io.Writer, schema *Schema) *Codec {
	c := &Codec{
		r:      r,
		w:      w,
		schema: schema,
		types:  make(map[uint8]string),
		codes:  make(map[string]uint8),
	}
	_, disabled := os.LookupEnv(boolEncodingEnv)
	c.understandBoolean = !disabled

	c.typecode('S', "longstr")
	c.typecode('V', "void")
	c.typecode('I', "signed_int")
	// 64-bit signed: a long standing pre-0-91 code used by the Java
	// client; 0-9-1 says it should be unsigned or use 'L'.
	c.typecode('l', "signed_long")
	c.typecode('d', "double")
	c.typecode('f', "float")
	if c.understandBoolean {
		c.typecode('t', "boolean")
	}

	// Decode-only codes.
	c.types['b'] = "signed_octet"
	c.types['s'] = "signed_short"

	return c
}

// child builds a codec over a scratch stream that shares this codec's
// schema and feature flags. Used for length-prefixed sub-encodings.
func (c *Codec) child(r io.Reader, w io.Writer) *Codec {
	n := &Codec{
		r:                 r,
		w:                 w,
		schema:            c.schema,
		understandBoolean: c.understandBoolean,
		types:             c.types,
		codes:             c.codes,
	}
	return n
}

func (c *Codec) typecode(code uint8, name string) {
	c.types[code] = name
	c.codes[name] = code
}

// BytesRead reports the number of bytes consumed so far.
func (c *Codec) BytesRead() int { return c.nread }

// BytesWritten reports the number of bytes emitted so far.
func (c *Codec) BytesWritten() int { return c.nwrote }

// read consumes exactly n bytes. Exhausting the stream returns ErrEOF.
// Any read discards a pending incoming bit buffer.
func (c *Codec) read(n int) ([]byte, error) {
	c.clearBits()
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(c.r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, ErrEOF
	}
	if err != nil {
		return nil, err
	}
	c.nread += n
	return buf, nil
}

// write emits raw bytes, flushing any buffered outgoing bits first.
func (c *Codec) write(b []byte) error {
	if err := c.flushBits(); err != nil {
		return err
	}
	_, err := c.w.Write(b)
	if err != nil {
		return err
	}
	c.nwrote += len(b)
	return nil
}

// Flush drains buffered bits and flushes the underlying stream if it
// supports flushing.
func (c *Codec) Flush() error {
	if err := c.flushBits(); err != nil {
		return err
	}
	if f, ok := c.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// flushBits packs the accumulated outgoing bits LSB-first into octets
// and writes them out.
func (c *Codec) flushBits() error {
	if len(c.outgoingBits) == 0 {
		return nil
	}
	var packed []uint8
	index := 0
	for _, b := range c.outgoingBits {
		if index == 0 {
			packed = append(packed, 0)
		}
		if b {
			packed[len(packed)-1] |= 1 << index
		}
		index = (index + 1) % 8
	}
	// Cleared before writing so the octet writes below do not recurse
	// back into this flush.
	c.outgoingBits = nil
	for _, octet := range packed {
		if err := c.EncodeOctet(int(octet)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) clearBits() {
	if len(c.incomingBits) > 0 {
		c.incomingBits = nil
	}
}

// EncodeBit buffers one bit; it reaches the wire when a non-bit write
// or Flush packs pending bits into octets.
func (c *Codec) EncodeBit(b bool) error {
	c.outgoingBits = append(c.outgoingBits, b)
	return nil
}

// DecodeBit returns the next bit, decoding a lookahead octet when the
// bit buffer is empty.
func (c *Codec) DecodeBit() (bool, error) {
	if len(c.incomingBits) == 0 {
		octet, err := c.DecodeOctet()
		if err != nil {
			return false, err
		}
		for i := 0; i < 8; i++ {
			c.incomingBits = append(c.incomingBits, octet>>i&1 != 0)
		}
	}
	b := c.incomingBits[0]
	c.incomingBits = c.incomingBits[1:]
	return b, nil
}

// EncodeOctet writes an unsigned 8-bit integer.
func (c *Codec) EncodeOctet(v int) error {
	if v < 0 || v > 255 {
		return rangeErrorf("octet", v)
	}
	return c.write([]byte{uint8(v)})
}

func (c *Codec) DecodeOctet() (uint8, error) {
	b, err := c.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Codec) DecodeSignedOctet() (int8, error) {
	b, err := c.read(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// EncodeShort writes an unsigned 16-bit integer.
func (c *Codec) EncodeShort(v int) error {
	if v < 0 || v > 65535 {
		return rangeErrorf("short", v)
	}
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, uint16(v))
	return c.write(tmp)
}

func (c *Codec) DecodeShort() (uint16, error) {
	b, err := c.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *Codec) DecodeSignedShort() (int16, error) {
	n, err := c.DecodeShort()
	return int16(n), err
}

// EncodeLong writes an unsigned 32-bit integer.
func (c *Codec) EncodeLong(v int64) error {
	if v < 0 || v > math.MaxUint32 {
		return rangeErrorf("long", v)
	}
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, uint32(v))
	return c.write(tmp)
}

func (c *Codec) DecodeLong() (uint32, error) {
	b, err := c.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *Codec) EncodeSignedInt(v int32) error {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, uint32(v))
	return c.write(tmp)
}

func (c *Codec) DecodeSignedInt() (int32, error) {
	n, err := c.DecodeLong()
	return int32(n), err
}

func (c *Codec) EncodeSignedLong(v int64) error {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, uint64(v))
	return c.write(tmp)
}

func (c *Codec) DecodeSignedLong() (int64, error) {
	n, err := c.DecodeLonglong()
	return int64(n), err
}

// EncodeLonglong writes an unsigned 64-bit integer.
func (c *Codec) EncodeLonglong(v uint64) error {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, v)
	return c.write(tmp)
}

func (c *Codec) DecodeLonglong() (uint64, error) {
	b, err := c.read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (c *Codec) EncodeFloat(v float32) error {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, math.Float32bits(v))
	return c.write(tmp)
}

func (c *Codec) DecodeFloat() (float32, error) {
	b, err := c.read(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (c *Codec) EncodeDouble(v float64) error {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, math.Float64bits(v))
	return c.write(tmp)
}

func (c *Codec) DecodeDouble() (float64, error) {
	b, err := c.read(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (c *Codec) EncodeTimestamp(v uint64) error { return c.EncodeLonglong(v) }

func (c *Codec) DecodeTimestamp() (uint64, error) { return c.DecodeLonglong() }

func (c *Codec) EncodeUUID(v [16]byte) error { return c.write(v[:]) }

func (c *Codec) DecodeUUID() ([16]byte, error) {
	var out [16]byte
	b, err := c.read(16)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// EncodeBoolean writes the non-standard single-octet boolean.
func (c *Codec) EncodeBoolean(v bool) error {
	if v {
		return c.write([]byte{1})
	}
	return c.write([]byte{0})
}

// DecodeBoolean treats any nonzero octet as true, per the wire rules.
func (c *Codec) DecodeBoolean() (bool, error) {
	b, err := c.read(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// EncodeShortstr writes a string with a 1-byte length prefix. Strings
// longer than 255 octets are rejected before any bytes are written.
func (c *Codec) EncodeShortstr(s string) error {
	if len(s) > 255 {
		return rangeErrorf("shortstr", len(s))
	}
	if err := c.EncodeOctet(len(s)); err != nil {
		return err
	}
	return c.write([]byte(s))
}

func (c *Codec) DecodeShortstr() (string, error) {
	n, err := c.DecodeOctet()
	if err != nil {
		return "", err
	}
	b, err := c.read(int(n))
	return string(b), err
}

// EncodeLongstrBytes writes bytes with a 4-byte length prefix.
func (c *Codec) EncodeLongstrBytes(b []byte) error {
	if err := c.EncodeLong(int64(len(b))); err != nil {
		return err
	}
	return c.write(b)
}

func (c *Codec) DecodeLongstr() ([]byte, error) {
	n, err := c.DecodeLong()
	if err != nil {
		return nil, err
	}
	return c.read(int(n))
}

// EncodeTable writes a field table: the entries are encoded into a
// scratch buffer first so the total byte length can prefix them.
// Entry types are resolved from the runtime value types.
func (c *Codec) EncodeTable(tbl map[string]interface{}) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	sub := c.child(nil, buf)
	for key, value := range tbl {
		if c.schema != nil && c.schema.Major == 8 && c.schema.Minor == 0 && len(key) > 128 {
			return errorErrorf("field table key too long: %q", key)
		}
		typeName, err := c.resolve(value)
		if err != nil {
			return err
		}
		code, ok := c.codes[typeName]
		if !ok {
			return errorErrorf("no field table encoding for type %s", typeName)
		}
		if err := sub.EncodeShortstr(key); err != nil {
			return err
		}
		if err := sub.EncodeOctet(int(code)); err != nil {
			return err
		}
		if err := sub.Encode(typeName, value); err != nil {
			return err
		}
	}
	if err := sub.Flush(); err != nil {
		return err
	}
	if err := c.EncodeLong(int64(buf.Len())); err != nil {
		return err
	}
	return c.write(buf.Bytes())
}

// DecodeTable reads entries until the declared byte length is
// consumed. Known type codes decode through the code table; unknown
// codes fall back to the generic width rules and yield raw bytes.
func (c *Codec) DecodeTable() (map[string]interface{}, error) {
	size, err := c.DecodeLong()
	if err != nil {
		return nil, err
	}
	start := c.nread
	result := make(map[string]interface{})
	for c.nread-start < int(size) {
		key, err := c.DecodeShortstr()
		if err != nil {
			return nil, err
		}
		code, err := c.DecodeOctet()
		if err != nil {
			return nil, err
		}
		value, err := c.decodeTableValue(code)
		if err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, nil
}

func (c *Codec) decodeTableValue(code uint8) (interface{}, error) {
	if typeName, ok := c.types[code]; ok {
		v, err := c.Decode(typeName)
		if err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok && typeName == "longstr" {
			return string(b), nil
		}
		return v, nil
	}
	w, err := typeWidth(code)
	if err != nil {
		return nil, err
	}
	if typeFixed(code) {
		return c.read(w)
	}
	n, err := c.decNum(w)
	if err != nil {
		return nil, err
	}
	return c.read(int(n))
}

// DecodeArray reads the generic array encoding: total size, element
// type code, element count. Decode only; nothing we emit uses it.
func (c *Codec) DecodeArray() ([]interface{}, error) {
	if _, err := c.DecodeLong(); err != nil {
		return nil, err
	}
	code, err := c.DecodeOctet()
	if err != nil {
		return nil, err
	}
	count, err := c.DecodeLong()
	if err != nil {
		return nil, err
	}
	result := make([]interface{}, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := c.decodeTableValue(code)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// EncodeContent writes a content payload: a discriminator octet
// (1 = reference, 0 = inline) followed by a long string holding either
// the reference id or the inline bytes.
func (c *Codec) EncodeContent(v interface{}) error {
	if ref, ok := v.(ReferenceID); ok {
		if err := c.EncodeOctet(1); err != nil {
			return err
		}
		return c.EncodeLongstrBytes([]byte(ref))
	}
	b, err := coerceBytes(v)
	if err != nil {
		return err
	}
	if err := c.EncodeOctet(0); err != nil {
		return err
	}
	return c.EncodeLongstrBytes(b)
}

// DecodeContent returns []byte for inline data and a ReferenceID for
// references.
func (c *Codec) DecodeContent() (interface{}, error) {
	disc, err := c.DecodeOctet()
	if err != nil {
		return nil, err
	}
	b, err := c.DecodeLongstr()
	if err != nil {
		return nil, err
	}
	if disc == 0 {
		return b, nil
	}
	return ReferenceID(b), nil
}

// EncodeLongSet writes an RFC 1982 serial-number set: a 2-byte byte
// count followed by 4-byte entries.
func (c *Codec) EncodeLongSet(set []uint32) error {
	if err := c.EncodeShort(len(set) * 4); err != nil {
		return err
	}
	for _, v := range set {
		if err := c.EncodeLong(int64(v)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) DecodeLongSet() ([]uint32, error) {
	n, err := c.DecodeShort()
	if err != nil {
		return nil, err
	}
	count := int(n) / 4
	set := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		v, err := c.DecodeLong()
		if err != nil {
			return nil, err
		}
		set = append(set, v)
	}
	return set, nil
}

func (c *Codec) encNum(width int, n int) error {
	switch width {
	case 1:
		return c.EncodeOctet(n)
	case 2:
		return c.EncodeShort(n)
	case 4:
		return c.EncodeLong(int64(n))
	default:
		return errorErrorf("invalid length prefix width: %d", width)
	}
}

func (c *Codec) decNum(width int) (uint32, error) {
	switch width {
	case 1:
		n, err := c.DecodeOctet()
		return uint32(n), err
	case 2:
		n, err := c.DecodeShort()
		return uint32(n), err
	case 4:
		return c.DecodeLong()
	default:
		return 0, errorErrorf("invalid length prefix width: %d", width)
	}
}

// EncodeStruct writes a struct instance, wrapping the body in a
// length prefix when the type declares one.
func (c *Codec) EncodeStruct(t *StructType, s *Struct) error {
	if t.Size == 0 {
		return c.encodeStructBody(t, s)
	}
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	sub := c.child(nil, buf)
	if err := sub.encodeStructBody(t, s); err != nil {
		return err
	}
	if err := c.encNum(t.Size, buf.Len()); err != nil {
		return err
	}
	return c.write(buf.Bytes())
}

// DecodeStruct reads a struct instance. A zero length prefix decodes
// as an absent struct (nil).
func (c *Codec) DecodeStruct(t *StructType) (*Struct, error) {
	if t.Size > 0 {
		size, err := c.decNum(t.Size)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return nil, nil
		}
	}
	return c.decodeStructBody(t)
}

// encodeStructBody writes one presence/value bit per field (for "bit"
// fields the bit is the value), zero-pads the reserved bits, then the
// present non-bit field values in declared order.
func (c *Codec) encodeStructBody(t *StructType, s *Struct) error {
	reserved := t.reservedBits()
	if reserved < 0 {
		return errorErrorf("struct %s: pack width %d too small for %d fields",
			t.Name, t.Pack, len(t.Fields))
	}

	for _, f := range t.Fields {
		switch {
		case s == nil:
			c.EncodeBit(false)
		case f.Type == "bit":
			c.EncodeBit(truthy(s.Get(f.Name)))
		default:
			c.EncodeBit(s.Has(f.Name))
		}
	}
	for i := 0; i < reserved; i++ {
		c.EncodeBit(false)
	}

	for _, f := range t.Fields {
		if f.Type != "bit" && s != nil && s.Has(f.Name) {
			if err := c.Encode(f.Type, s.Get(f.Name)); err != nil {
				return err
			}
		}
	}
	return c.Flush()
}

func (c *Codec) decodeStructBody(t *StructType) (*Struct, error) {
	reserved := t.reservedBits()
	if reserved < 0 {
		return nil, errorErrorf("struct %s: pack width %d too small for %d fields",
			t.Name, t.Pack, len(t.Fields))
	}

	s := NewStruct(t)
	for _, f := range t.Fields {
		b, err := c.DecodeBit()
		if err != nil {
			return nil, err
		}
		if f.Type == "bit" {
			s.Set(f.Name, b)
		} else if b {
			s.Set(f.Name, nil)
		}
	}
	for i := 0; i < reserved; i++ {
		b, err := c.DecodeBit()
		if err != nil {
			return nil, err
		}
		if b {
			return nil, malformedf("nonzero reserved bit in struct %s", t.Name)
		}
	}

	for _, f := range t.Fields {
		if f.Type != "bit" && s.Has(f.Name) {
			v, err := c.Decode(f.Type)
			if err != nil {
				return nil, err
			}
			s.Set(f.Name, v)
		}
	}
	c.clearBits()
	return s, nil
}

// EncodeLongStruct writes a struct as a long string wrapping a 2-byte
// struct type code plus the struct body.
func (c *Codec) EncodeLongStruct(s *Struct) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	sub := c.child(nil, buf)
	if err := sub.EncodeShort(int(s.Type.Code)); err != nil {
		return err
	}
	if err := sub.encodeStructBody(s.Type, s); err != nil {
		return err
	}
	return c.EncodeLongstrBytes(buf.Bytes())
}

func (c *Codec) DecodeLongStruct() (*Struct, error) {
	body, err := c.DecodeLongstr()
	if err != nil {
		return nil, err
	}
	sub := c.child(bytes.NewReader(body), nil)
	code, err := sub.DecodeShort()
	if err != nil {
		return nil, err
	}
	t := c.schema.StructByCode(code)
	if t == nil {
		return nil, malformedf("unknown struct type code %#04x", code)
	}
	return sub.decodeStructBody(t)
}

// Encode dispatches on a schema type name. Domain struct types take
// precedence over primitives. A long string handed a mapping value is
// encoded as a field table instead.
func (c *Codec) Encode(typeName string, v interface{}) error {
	if c.schema != nil {
		if st := c.schema.StructByName(typeName); st != nil {
			s, err := coerceStruct(v)
			if err != nil {
				return err
			}
			return c.EncodeStruct(st, s)
		}
	}
	switch typeName {
	case "bit":
		return c.EncodeBit(truthy(v))
	case "octet":
		n, err := coerceInt(v, "octet")
		if err != nil {
			return err
		}
		return c.EncodeOctet(int(n))
	case "short":
		n, err := coerceInt(v, "short")
		if err != nil {
			return err
		}
		return c.EncodeShort(int(n))
	case "long":
		n, err := coerceInt(v, "long")
		if err != nil {
			return err
		}
		return c.EncodeLong(n)
	case "longlong":
		n, err := coerceUint(v, "longlong")
		if err != nil {
			return err
		}
		return c.EncodeLonglong(n)
	case "signed_int":
		n, err := coerceInt(v, "signed_int")
		if err != nil {
			return err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return rangeErrorf("signed_int", n)
		}
		return c.EncodeSignedInt(int32(n))
	case "signed_long":
		n, err := coerceInt(v, "signed_long")
		if err != nil {
			return err
		}
		return c.EncodeSignedLong(n)
	case "float":
		f, err := coerceFloat(v)
		if err != nil {
			return err
		}
		return c.EncodeFloat(float32(f))
	case "double":
		f, err := coerceFloat(v)
		if err != nil {
			return err
		}
		return c.EncodeDouble(f)
	case "shortstr":
		s, err := coerceString(v)
		if err != nil {
			return err
		}
		return c.EncodeShortstr(s)
	case "longstr":
		if m, ok := v.(map[string]interface{}); ok {
			return c.EncodeTable(m)
		}
		b, err := coerceBytes(v)
		if err != nil {
			return err
		}
		return c.EncodeLongstrBytes(b)
	case "table":
		m, _ := v.(map[string]interface{})
		if v != nil && m == nil {
			return errorErrorf("table value must be map[string]interface{}, got %T", v)
		}
		return c.EncodeTable(m)
	case "timestamp":
		n, err := coerceUint(v, "timestamp")
		if err != nil {
			return err
		}
		return c.EncodeTimestamp(n)
	case "content":
		return c.EncodeContent(v)
	case "uuid":
		u, err := coerceUUID(v)
		if err != nil {
			return err
		}
		return c.EncodeUUID(u)
	case "boolean":
		return c.EncodeBoolean(truthy(v))
	case "void":
		return nil
	case "rfc1982_long":
		n, err := coerceInt(v, "rfc1982_long")
		if err != nil {
			return err
		}
		return c.EncodeLong(n)
	case "rfc1982_long_set":
		set, err := coerceLongSet(v)
		if err != nil {
			return err
		}
		return c.EncodeLongSet(set)
	case "long_struct":
		s, err := coerceStruct(v)
		if err != nil {
			return err
		}
		if s == nil {
			return errorErrorf("long_struct value must not be nil")
		}
		return c.EncodeLongStruct(s)
	default:
		return errorErrorf("no encoder for type %s", typeName)
	}
}

// Decode dispatches on a schema type name.
func (c *Codec) Decode(typeName string) (interface{}, error) {
	if c.schema != nil {
		if st := c.schema.StructByName(typeName); st != nil {
			return c.DecodeStruct(st)
		}
	}
	switch typeName {
	case "bit":
		return c.DecodeBit()
	case "octet":
		return c.DecodeOctet()
	case "signed_octet":
		return c.DecodeSignedOctet()
	case "short":
		return c.DecodeShort()
	case "signed_short":
		return c.DecodeSignedShort()
	case "long", "rfc1982_long":
		return c.DecodeLong()
	case "longlong":
		return c.DecodeLonglong()
	case "signed_int":
		return c.DecodeSignedInt()
	case "signed_long":
		return c.DecodeSignedLong()
	case "float":
		return c.DecodeFloat()
	case "double":
		return c.DecodeDouble()
	case "shortstr":
		return c.DecodeShortstr()
	case "longstr":
		return c.DecodeLongstr()
	case "table":
		return c.DecodeTable()
	case "timestamp":
		return c.DecodeTimestamp()
	case "content":
		return c.DecodeContent()
	case "uuid":
		return c.DecodeUUID()
	case "boolean":
		return c.DecodeBoolean()
	case "void":
		return nil, nil
	case "rfc1982_long_set":
		return c.DecodeLongSet()
	case "long_struct":
		return c.DecodeLongStruct()
	case "sequence":
		return c.DecodeArray()
	default:
		return nil, errorErrorf("no decoder for type %s", typeName)
	}
}

// resolve maps a runtime value to the narrowest applicable wire type
// name: integers to signed 32/64-bit, floats to double, byte and text
// values to long strings, nil to void, slices to sequences, maps to
// tables. Booleans use the boolean wire type only when the feature
// flag allows; otherwise they follow the integer rules.
func (c *Codec) resolve(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "void", nil
	case bool:
		if c.understandBoolean {
			return "boolean", nil
		}
		return "signed_int", nil
	case float32, float64:
		return "double", nil
	case string, []byte:
		return "longstr", nil
	case []interface{}:
		return "sequence", nil
	case map[string]interface{}:
		return "table", nil
	default:
		n, ok := toInt64(t)
		if !ok {
			return "", errorErrorf("no encoding for %T", v)
		}
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return "signed_int", nil
		}
		return "signed_long", nil
	}
}

// typeFixed reports whether a field-table type code has a fixed width
// (true) or carries its own length field (false).
func typeFixed(code uint8) bool {
	return code>>6 != 2
}

// typeWidth returns the byte width of a fixed-width code or the width
// of the length field for a variable-width code.
func typeWidth(code uint8) (int, error) {
	switch {
	case code >= 192: // decimal
		switch (code >> 4) & 3 {
		case 0:
			return 5, nil
		case 1:
			return 9, nil
		case 3:
			return 0, nil
		default:
			return 0, malformedf("invalid type code %#02x", code)
		}
	case code >= 128: // variable width
		lenlen := (code >> 4) & 3
		if lenlen == 3 {
			return 0, malformedf("invalid type code %#02x", code)
		}
		return 1 << lenlen, nil
	default: // fixed width
		return int((code >> 4) & 7), nil
	}
}

// Value coercion. Schema arguments arrive as interface{} values; nil
// means an unset field and coerces to the type's zero value.

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		n, ok := toInt64(v)
		return ok && n != 0
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	default:
		return 0, false
	}
}

func coerceInt(v interface{}, typ string) (int64, error) {
	if v == nil {
		return 0, nil
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, rangeErrorf(typ, v)
	}
	return n, nil
}

func coerceUint(v interface{}, typ string) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if u, ok := v.(uint64); ok {
		return u, nil
	}
	n, ok := toInt64(v)
	if !ok || n < 0 {
		return 0, rangeErrorf(typ, v)
	}
	return uint64(n), nil
}

func coerceFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		n, ok := toInt64(v)
		if !ok {
			return 0, errorErrorf("cannot encode %T as float", v)
		}
		return float64(n), nil
	}
}

func coerceString(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", errorErrorf("cannot encode %T as string", v)
	}
}

func coerceBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, errorErrorf("cannot encode %T as bytes", v)
	}
}

func coerceUUID(v interface{}) ([16]byte, error) {
	var out [16]byte
	switch t := v.(type) {
	case nil:
		return out, nil
	case [16]byte:
		return t, nil
	case []byte:
		if len(t) != 16 {
			return out, errorErrorf("uuid must be 16 bytes, got %d", len(t))
		}
		copy(out[:], t)
		return out, nil
	default:
		return out, errorErrorf("cannot encode %T as uuid", v)
	}
}

func coerceStruct(v interface{}) (*Struct, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *Struct:
		return t, nil
	default:
		return nil, errorErrorf("cannot encode %T as struct", v)
	}
}

func coerceLongSet(v interface{}) ([]uint32, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []uint32:
		return t, nil
	case []int64:
		out := make([]uint32, len(t))
		for i, n := range t {
			if n < 0 || n > math.MaxUint32 {
				return nil, rangeErrorf("rfc1982_long_set", n)
			}
			out[i] = uint32(n)
		}
		return out, nil
	default:
		return nil, errorErrorf("cannot encode %T as long set", v)
	}
}
