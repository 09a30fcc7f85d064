package amq

// Content is a unit of framed message data: a body, optional nested
// child contents counted by the header weight, and the content
// properties carried in the header frame.
type Content struct {
	Properties map[string]interface{}
	Children   []*Content
	Body       []byte
}

func (c *Content) Weight() int { return len(c.Children) }

func (c *Content) Size() int { return len(c.Body) }

// readContent assembles one content unit from a frame queue: the
// header, one recursive child per weight unit, then body frames until
// the declared size is accumulated.
func readContent(q *queue[Frame]) (*Content, error) {
	frame, err := q.get()
	if err != nil {
		return nil, err
	}
	header, ok := frame.(*HeaderFrame)
	if !ok {
		return nil, malformedf("expected content header, got %T", frame)
	}
	var children []*Content
	for i := 0; i < int(header.Weight); i++ {
		child, err := readContent(q)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	var body []byte
	for uint64(len(body)) < header.Size {
		frame, err := q.get()
		if err != nil {
			return nil, err
		}
		bf, ok := frame.(*BodyFrame)
		if !ok {
			return nil, malformedf("expected content body, got %T", frame)
		}
		body = append(body, bf.Content...)
	}
	props := make(map[string]interface{}, len(header.Properties))
	for k, v := range header.Properties {
		props[k] = v
	}
	return &Content{Properties: props, Children: children, Body: body}, nil
}
