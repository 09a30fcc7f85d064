package amq

import "fmt"

// Message is the assembled unit handed to delegates and returned from
// synchronous invocations: the originating channel, the frame and its
// method, the defragmented content when the method carries some, and
// the result value for result-correlated commands.
type Message struct {
	Channel *Channel
	Frame   Frame
	Method  *MethodFrame
	Content *Content
	Result  interface{}
}

func newMessage(ch *Channel, frame Frame, content *Content) *Message {
	m := &Message{Channel: ch, Frame: frame, Content: content}
	switch f := frame.(type) {
	case *MethodFrame:
		m.Method = f
	case *RequestFrame:
		m.Method = f.Method
	case *ResponseFrame:
		m.Method = f.Method
	}
	return m
}

// Field returns the method argument with the given schema field name,
// or nil.
func (m *Message) Field(name string) interface{} {
	if m.Method == nil {
		return nil
	}
	return m.Method.Field(name)
}

func (m *Message) String() string {
	if m.Method == nil {
		return fmt.Sprintf("Message(result=%v)", m.Result)
	}
	return fmt.Sprintf("Message(%s)", m.Method.Type.QualifiedName())
}
