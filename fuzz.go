// +build gofuzz

package amq

import "bytes"

func fuzzSchema(major, minor int) *Schema {
	execution := &Class{
		Name: "execution",
		ID:   3,
		Methods: []*MethodType{
			{Name: "complete", ID: 1, Fields: []Field{
				{Name: "cumulative_execution_mark", Type: "long"},
				{Name: "ranged_execution_set", Type: "rfc1982_long_set"},
			}},
		},
	}
	basic := &Class{
		Name: "basic",
		ID:   60,
		Fields: []Field{
			{Name: "content_type", Type: "shortstr"},
			{Name: "headers", Type: "table"},
			{Name: "delivery_mode", Type: "octet"},
		},
		Methods: []*MethodType{
			{Name: "publish", ID: 40, Content: true, Fields: []Field{
				{Name: "exchange", Type: "shortstr"},
				{Name: "routing_key", Type: "shortstr"},
				{Name: "mandatory", Type: "bit"},
				{Name: "immediate", Type: "bit"},
			}},
			{Name: "get", ID: 70, Fields: []Field{
				{Name: "queue", Type: "shortstr"},
				{Name: "nowait", Type: "bit"},
			}},
		},
	}
	delivery := &StructType{Name: "delivery_properties", Code: 0x0401, Size: 4, Pack: 2, Fields: []Field{
		{Name: "discard_unroutable", Type: "bit"},
		{Name: "priority", Type: "octet"},
	}}
	message := &StructType{Name: "message_properties", Code: 0x0402, Size: 4, Pack: 2, Fields: []Field{
		{Name: "content_length", Type: "longlong"},
		{Name: "content_type", Type: "shortstr"},
	}}
	s := &Schema{
		Major:   major,
		Minor:   minor,
		Classes: []*Class{execution, basic},
		Domains: map[string]*StructType{
			delivery.Name: delivery,
			message.Name:  message,
		},
		DeliveryProperties: delivery,
		MessageProperties:  message,
	}
	if err := s.Finalize(); err != nil {
		panic(err)
	}
	return s
}

func FuzzFrame(data []byte) int {
	score := 0
	for _, schema := range []*Schema{fuzzSchema(8, 0), fuzzSchema(0, 10)} {
		fio := NewFrameIO(bytes.NewBuffer(data), schema)
		if _, err := fio.ReadFrame(); err == nil {
			score = 1
		}
	}
	return score
}

func FuzzTable(data []byte) int {
	c := NewCodec(bytes.NewBuffer(data), fuzzSchema(0, 10))
	tbl, err := c.DecodeTable()
	if err != nil {
		return 0
	}
	var out bytes.Buffer
	enc := NewEncoder(&out, fuzzSchema(0, 10))
	if err := enc.EncodeTable(tbl); err != nil {
		panic(err)
	}
	return 1
}
