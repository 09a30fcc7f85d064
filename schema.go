package amq

// The schema model mirrors what a protocol metadata loader supplies:
// classes of methods, struct types, and field lists with their wire
// types. Parsing the protocol definition files is out of scope;
// callers hand a fully populated Schema to NewPeer and the codec.

// Field is one named, typed slot of a method or struct. Type names a
// primitive ("octet", "longstr", "table", "bit", ...) or a domain
// struct registered on the schema.
type Field struct {
	Name string
	Type string
}

// StructType describes a bit-packed struct: an ordered field list, the
// width in bytes of the leading presence/bit mask (Pack), and an
// optional byte-length prefix width (Size; 0 means none). Code is the
// wire type code used by the long-struct encoding.
//
// Invariant: 8*Pack >= len(Fields); the remaining bits are reserved
// and must be zero on the wire.
type StructType struct {
	Name   string
	Code   uint16
	Size   int
	Pack   int
	Fields []Field
}

func (st *StructType) reservedBits() int {
	return 8*st.Pack - len(st.Fields)
}

// HasField reports whether name is a declared field of the struct.
func (st *StructType) HasField(name string) bool {
	for i := range st.Fields {
		if st.Fields[i].Name == name {
			return true
		}
	}
	return false
}

// Struct is a sparse instance of a StructType: only fields that have
// been set are encoded; absence is a cleared presence bit.
type Struct struct {
	Type   *StructType
	values map[string]interface{}
}

func NewStruct(t *StructType) *Struct {
	return &Struct{Type: t, values: make(map[string]interface{})}
}

func (s *Struct) Set(name string, value interface{}) { s.values[name] = value }

func (s *Struct) Get(name string) interface{} { return s.values[name] }

// Has reports presence, not non-nilness: a field explicitly set to nil
// is present.
func (s *Struct) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

func (s *Struct) Delete(name string) { delete(s.values, name) }

// Class groups the methods of one protocol class. Fields lists the
// legacy content-header properties of the class.
type Class struct {
	Name    string
	ID      uint16
	Methods []*MethodType
	Fields  []Field
}

// MethodType is the resolved description of one protocol method.
type MethodType struct {
	Name    string
	ID      uint16
	Class   *Class
	Fields  []Field
	Content bool // method carries framed content

	// L4Command marks methods subject to the execution/completion
	// tracking protocol.
	L4Command bool

	// Responses lists the method types that satisfy this method as a
	// synchronous reply. Result, if set, names the struct delivered
	// asynchronously through the execution layer instead.
	Responses []*MethodType
	Result    *StructType

	// IsResponse is derived during Finalize: true when this method
	// appears in another method's Responses.
	IsResponse bool
}

// QualifiedName returns "class.method".
func (m *MethodType) QualifiedName() string {
	return m.Class.Name + "." + m.Name
}

// FieldIndex returns the position of the named field, or -1.
func (m *MethodType) FieldIndex(name string) int {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

func (m *MethodType) isPublish() bool {
	return m.Class.Name == "basic" && m.Name == "publish"
}

// RespondsWith reports whether t satisfies this method as a reply.
func (m *MethodType) RespondsWith(t *MethodType) bool {
	for _, r := range m.Responses {
		if r == t {
			return true
		}
	}
	return false
}

// Arguments orders positional and keyword arguments against the field
// list. Missing trailing arguments become nil; unknown keywords and
// surplus positionals are an error.
func (m *MethodType) Arguments(args []interface{}, kwargs map[string]interface{}) ([]interface{}, error) {
	if len(args) > len(m.Fields) {
		return nil, errorErrorf("%s takes at most %d arguments, got %d",
			m.QualifiedName(), len(m.Fields), len(args))
	}
	out := make([]interface{}, len(m.Fields))
	set := make([]bool, len(m.Fields))
	copy(out, args)
	for i := range args {
		set[i] = true
	}
	for name, value := range kwargs {
		i := m.FieldIndex(name)
		if i < 0 {
			return nil, errorErrorf("%s has no field %q", m.QualifiedName(), name)
		}
		if set[i] {
			return nil, errorErrorf("%s: duplicate argument %q", m.QualifiedName(), name)
		}
		out[i] = value
		set[i] = true
	}
	return out, nil
}

// WireConstants carries the frame-level constants the schema's
// constant table defines. Zero values are replaced by the standard
// assignments in Finalize.
type WireConstants struct {
	FrameEnd      uint8
	FrameMethod   uint8
	FrameHeader   uint8
	FrameBody     uint8
	FrameRequest  uint8
	FrameResponse uint8
}

var defaultWireConstants = WireConstants{
	FrameEnd:      0xCE,
	FrameMethod:   1,
	FrameHeader:   2,
	FrameBody:     3,
	FrameRequest:  9,
	FrameResponse: 10,
}

// Schema is the opaque metadata provider consumed by the codec and
// the channel engine.
type Schema struct {
	Major, Minor int
	Classes     []*Class
	Wire        WireConstants

	// Domain struct types addressable by field type name, e.g.
	// "delivery_properties". Used by struct-typed method fields and
	// the struct-encoded content header.
	Domains map[string]*StructType

	// The two property structs of the struct-encoded content header.
	DeliveryProperties *StructType
	MessageProperties  *StructType

	methodsByName map[string]*MethodType
	classesByID   map[uint16]*Class
	structsByCode map[uint16]*StructType
}

// Finalize builds the lookup indexes and derives per-method flags.
// It must be called once before the schema is used.
func (s *Schema) Finalize() error {
	if s.Wire == (WireConstants{}) {
		s.Wire = defaultWireConstants
	}
	s.methodsByName = make(map[string]*MethodType)
	s.classesByID = make(map[uint16]*Class)
	s.structsByCode = make(map[uint16]*StructType)

	for _, st := range s.Domains {
		if st.reservedBits() < 0 {
			return errorErrorf("struct %s: pack width %d too small for %d fields",
				st.Name, st.Pack, len(st.Fields))
		}
		s.structsByCode[st.Code] = st
	}
	for _, cls := range s.Classes {
		if _, dup := s.classesByID[cls.ID]; dup {
			return errorErrorf("duplicate class id %d", cls.ID)
		}
		s.classesByID[cls.ID] = cls
		for _, m := range cls.Methods {
			m.Class = cls
			name := m.QualifiedName()
			if _, dup := s.methodsByName[name]; dup {
				return errorErrorf("duplicate method %s", name)
			}
			s.methodsByName[name] = m
		}
	}
	for _, cls := range s.Classes {
		for _, m := range cls.Methods {
			for _, r := range m.Responses {
				r.IsResponse = true
			}
		}
	}
	return nil
}

// Method looks up a method type by its "class.method" name.
func (s *Schema) Method(name string) *MethodType {
	return s.methodsByName[name]
}

// MethodByID resolves a method from its class and method wire ids.
func (s *Schema) MethodByID(classID, methodID uint16) *MethodType {
	cls := s.classesByID[classID]
	if cls == nil {
		return nil
	}
	for _, m := range cls.Methods {
		if m.ID == methodID {
			return m
		}
	}
	return nil
}

func (s *Schema) ClassByID(id uint16) *Class { return s.classesByID[id] }

// StructByCode resolves a long-struct wire type code.
func (s *Schema) StructByCode(code uint16) *StructType { return s.structsByCode[code] }

// StructByName resolves a domain struct type referenced by a field's
// type name, or nil for primitive type names.
func (s *Schema) StructByName(name string) *StructType {
	if s.Domains == nil {
		return nil
	}
	return s.Domains[name]
}

// usesStructEncoding reports whether the content header is encoded as
// property long-structs rather than the legacy flag chain.
func (s *Schema) usesStructEncoding() bool {
	return (s.Major == 0 && s.Minor == 10) || (s.Major == 99 && s.Minor == 0)
}

// usesExecutionLayer reports whether the protocol revision tracks
// command completion through the execution layer.
func (s *Schema) usesExecutionLayer() bool {
	return (s.Major == 0 && s.Minor == 10) || (s.Major == 99 && s.Minor == 0)
}

// usesRequestCorrelation reports whether methods are carried inside
// Request/Response frames with explicit correlation ids.
func (s *Schema) usesRequestCorrelation() bool {
	return s.Major == 0 && s.Minor == 9
}

// compactMethodIDs reports whether class and method ids are single
// octets on the wire rather than shorts.
func (s *Schema) compactMethodIDs() bool {
	return (s.Major == 0 && s.Minor == 10) || (s.Major == 99 && s.Minor == 0)
}
