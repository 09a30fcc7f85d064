package amq

import (
	"bytes"
	"io"
)

// Frame is one unit of the wire protocol, tagged with the channel it
// belongs to.
type Frame interface {
	Channel() uint16
	SetChannel(uint16)

	payloadCode(w WireConstants) uint8
	encodePayload(c *Codec) error
}

type frameBase struct {
	channel    uint16
	subchannel uint8
}

func (f *frameBase) Channel() uint16       { return f.channel }
func (f *frameBase) SetChannel(ch uint16)  { f.channel = ch }
func (f *frameBase) Subchannel() uint8     { return f.subchannel }
func (f *frameBase) SetSubchannel(s uint8) { f.subchannel = s }

// MethodFrame carries one method invocation: its resolved type and the
// argument values in field order.
type MethodFrame struct {
	frameBase
	Type *MethodType
	Args []interface{}
}

// NewMethodFrame builds a method frame, requiring one argument per
// declared field.
func NewMethodFrame(t *MethodType, args []interface{}) (*MethodFrame, error) {
	if len(args) != len(t.Fields) {
		return nil, errorErrorf("%s expects %d arguments, got %d",
			t.QualifiedName(), len(t.Fields), len(args))
	}
	return &MethodFrame{Type: t, Args: args}, nil
}

// Field returns the argument value for the named field, or nil.
func (f *MethodFrame) Field(name string) interface{} {
	i := f.Type.FieldIndex(name)
	if i < 0 {
		return nil
	}
	return f.Args[i]
}

func (f *MethodFrame) payloadCode(w WireConstants) uint8 { return w.FrameMethod }

func (f *MethodFrame) encodePayload(c *Codec) error {
	if c.schema.compactMethodIDs() {
		if err := c.EncodeOctet(int(f.Type.Class.ID)); err != nil {
			return err
		}
		if err := c.EncodeOctet(int(f.Type.ID)); err != nil {
			return err
		}
	} else {
		if err := c.EncodeShort(int(f.Type.Class.ID)); err != nil {
			return err
		}
		if err := c.EncodeShort(int(f.Type.ID)); err != nil {
			return err
		}
	}
	for i, field := range f.Type.Fields {
		if err := c.Encode(field.Type, f.Args[i]); err != nil {
			return errorWrapf(err, "%s.%s", f.Type.QualifiedName(), field.Name)
		}
	}
	return nil
}

func decodeMethodPayload(c *Codec) (*MethodFrame, error) {
	var classID, methodID uint16
	if c.schema.compactMethodIDs() {
		cid, err := c.DecodeOctet()
		if err != nil {
			return nil, err
		}
		mid, err := c.DecodeOctet()
		if err != nil {
			return nil, err
		}
		classID, methodID = uint16(cid), uint16(mid)
	} else {
		var err error
		if classID, err = c.DecodeShort(); err != nil {
			return nil, err
		}
		if methodID, err = c.DecodeShort(); err != nil {
			return nil, err
		}
	}
	t := c.schema.MethodByID(classID, methodID)
	if t == nil {
		return nil, malformedf("unknown method %d/%d", classID, methodID)
	}
	args := make([]interface{}, len(t.Fields))
	for i, field := range t.Fields {
		v, err := c.Decode(field.Type)
		if err != nil {
			return nil, errorWrapf(err, "%s.%s", t.QualifiedName(), field.Name)
		}
		args[i] = v
	}
	c.clearBits()
	return &MethodFrame{Type: t, Args: args}, nil
}

// RequestFrame wraps a method with a request id and the sender's
// cumulative response mark.
type RequestFrame struct {
	frameBase
	ID           uint64
	ResponseMark uint64
	Method       *MethodFrame
}

func (f *RequestFrame) payloadCode(w WireConstants) uint8 { return w.FrameRequest }

func (f *RequestFrame) encodePayload(c *Codec) error {
	if err := c.EncodeLonglong(f.ID); err != nil {
		return err
	}
	if err := c.EncodeLonglong(f.ResponseMark); err != nil {
		return err
	}
	// reserved
	if err := c.EncodeLong(0); err != nil {
		return err
	}
	return f.Method.encodePayload(c)
}

func decodeRequestPayload(c *Codec) (*RequestFrame, error) {
	id, err := c.DecodeLonglong()
	if err != nil {
		return nil, err
	}
	mark, err := c.DecodeLonglong()
	if err != nil {
		return nil, err
	}
	if _, err := c.DecodeLong(); err != nil {
		return nil, err
	}
	method, err := decodeMethodPayload(c)
	if err != nil {
		return nil, err
	}
	return &RequestFrame{ID: id, ResponseMark: mark, Method: method}, nil
}

// ResponseFrame wraps a method answering one or more requests. A
// nonzero BatchOffset extends the response to the request id range
// [RequestID, RequestID+BatchOffset].
type ResponseFrame struct {
	frameBase
	ID          uint64
	RequestID   uint64
	BatchOffset uint32
	Method      *MethodFrame
}

func (f *ResponseFrame) payloadCode(w WireConstants) uint8 { return w.FrameResponse }

func (f *ResponseFrame) encodePayload(c *Codec) error {
	if err := c.EncodeLonglong(f.ID); err != nil {
		return err
	}
	if err := c.EncodeLonglong(f.RequestID); err != nil {
		return err
	}
	if err := c.EncodeLong(int64(f.BatchOffset)); err != nil {
		return err
	}
	return f.Method.encodePayload(c)
}

func decodeResponsePayload(c *Codec) (*ResponseFrame, error) {
	id, err := c.DecodeLonglong()
	if err != nil {
		return nil, err
	}
	requestID, err := c.DecodeLonglong()
	if err != nil {
		return nil, err
	}
	offset, err := c.DecodeLong()
	if err != nil {
		return nil, err
	}
	method, err := decodeMethodPayload(c)
	if err != nil {
		return nil, err
	}
	return &ResponseFrame{ID: id, RequestID: requestID, BatchOffset: offset, Method: method}, nil
}

// HeaderFrame announces framed content: the total body size plus the
// content properties. Class and Weight are meaningful only for the
// legacy encoding; the struct encoding folds the size into the
// message properties instead.
type HeaderFrame struct {
	frameBase
	Class      *Class
	Weight     uint16
	Size       uint64
	Properties map[string]interface{}
}

func (f *HeaderFrame) payloadCode(w WireConstants) uint8 { return w.FrameHeader }

func (f *HeaderFrame) encodePayload(c *Codec) error {
	if c.schema.usesStructEncoding() {
		return f.encodeStructs(c)
	}
	return f.encodeLegacy(c)
}

func (f *HeaderFrame) encodeStructs(c *Codec) error {
	structs := []*Struct{
		NewStruct(c.schema.DeliveryProperties),
		NewStruct(c.schema.MessageProperties),
	}
	for name, value := range f.Properties {
		placed := false
		for _, s := range structs {
			if s.Type.HasField(name) {
				s.Set(name, value)
				placed = true
				break
			}
		}
		if !placed {
			return errorErrorf("no such content property: %s", name)
		}
	}
	// The message properties carry the content length in this
	// encoding; weight is not part of it.
	structs[1].Set("content_length", f.Size)

	for _, s := range structs {
		if err := c.EncodeLongStruct(s); err != nil {
			return err
		}
	}
	return nil
}

// encodeLegacy writes class id, weight, and body size, then the
// property flags as a chain of shorts holding 15 presence bits each
// with the low bit marking continuation, then the present property
// values in declared order.
func (f *HeaderFrame) encodeLegacy(c *Codec) error {
	if err := c.EncodeShort(int(f.Class.ID)); err != nil {
		return err
	}
	if err := c.EncodeShort(int(f.Weight)); err != nil {
		return err
	}
	if err := c.EncodeLonglong(f.Size); err != nil {
		return err
	}

	nprops := len(f.Class.Fields)
	flags := 0
	for i := 0; i < nprops; i++ {
		field := f.Class.Fields[i]
		flags <<= 1
		if v, ok := f.Properties[field.Name]; ok && v != nil {
			flags |= 1
		}
		if i > 0 && i%15 == 0 {
			flags <<= 1
			if nprops > i+1 {
				flags |= 1
				if err := c.EncodeShort(flags); err != nil {
					return err
				}
				flags = 0
			}
		}
	}
	flags <<= (16 - nprops%15) % 16
	if err := c.EncodeShort(flags); err != nil {
		return err
	}

	for _, field := range f.Class.Fields {
		if v, ok := f.Properties[field.Name]; ok && v != nil {
			if err := c.Encode(field.Type, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeHeaderPayload(c *Codec, size int) (*HeaderFrame, error) {
	if c.schema.usesStructEncoding() {
		return decodeHeaderStructs(c, size)
	}
	return decodeHeaderLegacy(c)
}

func decodeHeaderStructs(c *Codec, size int) (*HeaderFrame, error) {
	start := c.nread
	var structs []*Struct
	for c.nread-start < size {
		s, err := c.DecodeLongStruct()
		if err != nil {
			return nil, err
		}
		structs = append(structs, s)
	}

	props := make(map[string]interface{})
	var length uint64
	for _, s := range structs {
		for _, field := range s.Type.Fields {
			if !s.Has(field.Name) {
				continue
			}
			props[field.Name] = s.Get(field.Name)
			if field.Name == "content_length" {
				n, err := coerceUint(s.Get(field.Name), "content_length")
				if err != nil {
					return nil, err
				}
				length = n
			}
		}
	}
	return &HeaderFrame{Size: length, Properties: props}, nil
}

func decodeHeaderLegacy(c *Codec) (*HeaderFrame, error) {
	classID, err := c.DecodeShort()
	if err != nil {
		return nil, err
	}
	cls := c.schema.ClassByID(classID)
	if cls == nil {
		return nil, malformedf("unknown content class %d", classID)
	}
	weight, err := c.DecodeShort()
	if err != nil {
		return nil, err
	}
	size, err := c.DecodeLonglong()
	if err != nil {
		return nil, err
	}

	var bits []bool
	for {
		flags, err := c.DecodeShort()
		if err != nil {
			return nil, err
		}
		for i := 15; i > 0; i-- {
			bits = append(bits, flags>>i&1 != 0)
		}
		if flags&1 == 0 {
			break
		}
	}

	props := make(map[string]interface{})
	for i, field := range cls.Fields {
		if i >= len(bits) || !bits[i] {
			continue
		}
		v, err := c.Decode(field.Type)
		if err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		props[field.Name] = v
	}
	return &HeaderFrame{Class: cls, Weight: weight, Size: size, Properties: props}, nil
}

// BodyFrame carries one fragment of content data.
type BodyFrame struct {
	frameBase
	Content []byte
}

func (f *BodyFrame) payloadCode(w WireConstants) uint8 { return w.FrameBody }

func (f *BodyFrame) encodePayload(c *Codec) error {
	return c.write(f.Content)
}

// Transport moves whole frames over a byte stream.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Flush() error
	Close() error
}

// FrameIO implements Transport over an io.ReadWriter, choosing the
// wire generation from the schema revision: 0-10 and 99-0 use the
// segmented framing with a 12-byte header, everything else the legacy
// long-string framing.
type FrameIO struct {
	codec  *Codec
	schema *Schema
	stream io.ReadWriter
}

func NewFrameIO(stream io.ReadWriter, schema *Schema) *FrameIO {
	return &FrameIO{
		codec:  NewCodec(stream, schema),
		schema: schema,
		stream: stream,
	}
}

func (f *FrameIO) Flush() error {
	return f.codec.Flush()
}

func (f *FrameIO) Close() error {
	if c, ok := f.stream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (f *FrameIO) WriteFrame(frame Frame) error {
	if f.schema.usesStructEncoding() {
		return f.writeSegmented(frame)
	}
	return f.writeLegacy(frame)
}

func (f *FrameIO) ReadFrame() (Frame, error) {
	if f.schema.usesStructEncoding() {
		return f.readSegmented()
	}
	return f.readLegacy()
}

func (f *FrameIO) encodeBody(frame Frame) (*bytes.Buffer, error) {
	body := bufPool.Get().(*bytes.Buffer)
	body.Reset()
	enc := f.codec.child(nil, body)
	if err := frame.encodePayload(enc); err != nil {
		bufPool.Put(body)
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		bufPool.Put(body)
		return nil, err
	}
	return body, nil
}

func (f *FrameIO) writeLegacy(frame Frame) error {
	body, err := f.encodeBody(frame)
	if err != nil {
		return err
	}
	defer bufPool.Put(body)

	c := f.codec
	if err := c.EncodeOctet(int(frame.payloadCode(f.schema.Wire))); err != nil {
		return err
	}
	if err := c.EncodeShort(int(frame.Channel())); err != nil {
		return err
	}
	if err := c.EncodeLongstrBytes(body.Bytes()); err != nil {
		return err
	}
	return c.EncodeOctet(int(f.schema.Wire.FrameEnd))
}

func (f *FrameIO) readLegacy() (Frame, error) {
	c := f.codec
	tid, err := c.DecodeOctet()
	if err != nil {
		return nil, err
	}
	if !f.knownFrameCode(tid) {
		return nil, f.unknownFrameType(tid)
	}
	channel, err := c.DecodeShort()
	if err != nil {
		return nil, err
	}
	body, err := c.DecodeLongstr()
	if err != nil {
		return nil, err
	}
	frame, err := f.decodePayload(tid, body)
	if err != nil {
		return nil, err
	}
	frame.SetChannel(channel)
	if err := f.expectFrameEnd(); err != nil {
		return nil, err
	}
	return frame, nil
}

func (f *FrameIO) writeSegmented(frame Frame) error {
	body, err := f.encodeBody(frame)
	if err != nil {
		return err
	}
	defer bufPool.Put(body)

	var flags uint8 = 0x0f // bof | eof | bos | eos
	switch fr := frame.(type) {
	case *MethodFrame:
		if fr.Type.Content {
			flags &^= 0x04
		}
	case *HeaderFrame:
		flags &^= 0x08
		if fr.Size != 0 {
			flags &^= 0x04
		}
	case *BodyFrame:
		flags &^= 0x08
	}

	c := f.codec
	if err := c.EncodeOctet(int(flags)); err != nil {
		return err
	}
	if err := c.EncodeOctet(int(frame.payloadCode(f.schema.Wire))); err != nil {
		return err
	}
	if err := c.EncodeShort(body.Len() + 12); err != nil {
		return err
	}
	if err := c.EncodeOctet(0); err != nil { // reserved
		return err
	}
	var subchannel uint8
	if fb, ok := frame.(interface{ Subchannel() uint8 }); ok {
		subchannel = fb.Subchannel()
	}
	if err := c.EncodeOctet(int(subchannel & 0x0f)); err != nil {
		return err
	}
	if err := c.EncodeShort(int(frame.Channel())); err != nil {
		return err
	}
	if err := c.EncodeLong(0); err != nil { // reserved
		return err
	}
	if err := c.write(body.Bytes()); err != nil {
		return err
	}
	return c.EncodeOctet(int(f.schema.Wire.FrameEnd))
}

func (f *FrameIO) readSegmented() (Frame, error) {
	c := f.codec
	flags, err := c.DecodeOctet()
	if err != nil {
		return nil, err
	}
	if (flags&0xc0)>>6 != 0 {
		return nil, malformedf("unknown framing version in flags %#02x", flags)
	}
	tid, err := c.DecodeOctet()
	if err != nil {
		return nil, err
	}
	frameSize, err := c.DecodeShort()
	if err != nil {
		return nil, err
	}
	if frameSize < 12 {
		return nil, malformedf("frame size %d smaller than frame header", frameSize)
	}
	reserved1, err := c.DecodeOctet()
	if err != nil {
		return nil, err
	}
	field, err := c.DecodeOctet()
	if err != nil {
		return nil, err
	}
	channel, err := c.DecodeShort()
	if err != nil {
		return nil, err
	}
	if _, err := c.DecodeLong(); err != nil { // reserved
		return nil, err
	}
	if flags&0x30 != 0 || reserved1 != 0 || field&0xf0 != 0 {
		return nil, malformedf("reserved framing bits not all zero")
	}
	body, err := c.read(int(frameSize) - 12)
	if err != nil {
		return nil, err
	}
	frame, err := f.decodePayload(tid, body)
	if err != nil {
		if err == ErrEOF {
			return nil, malformedf("truncated frame body (%d bytes)", len(body))
		}
		return nil, err
	}
	frame.SetChannel(channel)
	if fb, ok := frame.(interface{ SetSubchannel(uint8) }); ok {
		fb.SetSubchannel(field & 0x0f)
	}
	if err := f.expectFrameEnd(); err != nil {
		return nil, err
	}
	return frame, nil
}

func (f *FrameIO) decodePayload(tid uint8, body []byte) (Frame, error) {
	dec := f.codec.child(bytes.NewReader(body), nil)
	w := f.schema.Wire
	switch tid {
	case w.FrameMethod:
		return decodeMethodPayload(dec)
	case w.FrameHeader:
		return decodeHeaderPayload(dec, len(body))
	case w.FrameBody:
		return &BodyFrame{Content: body}, nil
	case w.FrameRequest:
		return decodeRequestPayload(dec)
	case w.FrameResponse:
		return decodeResponsePayload(dec)
	default:
		return nil, malformedf("unknown frame type %d", tid)
	}
}

func (f *FrameIO) knownFrameCode(tid uint8) bool {
	w := f.schema.Wire
	switch tid {
	case w.FrameMethod, w.FrameHeader, w.FrameBody, w.FrameRequest, w.FrameResponse:
		return true
	}
	return false
}

// unknownFrameType distinguishes a protocol header sent in place of a
// frame, which the remote uses to demand a different version, from
// plain garbage.
func (f *FrameIO) unknownFrameType(tid uint8) error {
	if tid == 'A' {
		rest, err := f.codec.read(3)
		if err != nil {
			return err
		}
		if string(rest) == "MQP" {
			hdr, err := f.codec.read(4)
			if err != nil {
				return err
			}
			return &VersionError{Major: hdr[2], Minor: hdr[3]}
		}
	}
	return malformedf("unknown frame type %d", tid)
}

// expectFrameEnd consumes the frame-end octet. On mismatch it skips
// forward to the next frame-end octet and reports how much garbage it
// swallowed.
func (f *FrameIO) expectFrameEnd() error {
	end, err := f.codec.DecodeOctet()
	if err != nil {
		return err
	}
	if end == f.schema.Wire.FrameEnd {
		return nil
	}
	garbage := 0
	for end != f.schema.Wire.FrameEnd {
		garbage++
		end, err = f.codec.DecodeOctet()
		if err != nil {
			return err
		}
	}
	logFraming().WithField("garbage", garbage).Debug("skipped garbage searching for frame end")
	return malformedf("expected frame end %#02x, got %d bytes of garbage", f.schema.Wire.FrameEnd, garbage)
}
