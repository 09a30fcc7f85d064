package amq

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testEqual(x, y interface{}) bool {
	return cmp.Equal(x, y)
}

func testDiff(x, y interface{}) string {
	return cmp.Diff(x, y)
}

// testSchema builds a small but representative schema for the given
// protocol revision: connection and channel management, basic
// publish/consume/get, the execution layer, and a result-bearing
// queue query.
func testSchema(t testing.TB, major, minor int) *Schema {
	t.Helper()

	connection := &Class{
		Name: "connection",
		ID:   10,
		Methods: []*MethodType{
			{Name: "start", ID: 10, Fields: []Field{
				{Name: "version_major", Type: "octet"},
				{Name: "version_minor", Type: "octet"},
				{Name: "server_properties", Type: "table"},
				{Name: "mechanisms", Type: "longstr"},
				{Name: "locales", Type: "longstr"},
			}},
			{Name: "start-ok", ID: 11, Fields: []Field{
				{Name: "client_properties", Type: "table"},
				{Name: "mechanism", Type: "shortstr"},
				{Name: "response", Type: "longstr"},
				{Name: "locale", Type: "shortstr"},
			}},
			{Name: "tune", ID: 30, Fields: []Field{
				{Name: "channel_max", Type: "short"},
				{Name: "frame_max", Type: "long"},
				{Name: "heartbeat", Type: "short"},
			}},
			{Name: "close", ID: 50, Fields: []Field{
				{Name: "reply_code", Type: "short"},
				{Name: "reply_text", Type: "shortstr"},
			}},
			{Name: "close-ok", ID: 51},
		},
	}
	connection.Methods[0].Responses = []*MethodType{connection.Methods[1]}
	connection.Methods[3].Responses = []*MethodType{connection.Methods[4]}

	channel := &Class{
		Name: "channel",
		ID:   20,
		Methods: []*MethodType{
			{Name: "open", ID: 10, Fields: []Field{
				{Name: "out_of_band", Type: "shortstr"},
			}},
			{Name: "open-ok", ID: 11},
			{Name: "flow", ID: 20, Fields: []Field{
				{Name: "active", Type: "bit"},
			}},
			{Name: "flow-ok", ID: 21, Fields: []Field{
				{Name: "active", Type: "bit"},
			}},
			{Name: "close", ID: 40, Fields: []Field{
				{Name: "reply_code", Type: "short"},
				{Name: "reply_text", Type: "shortstr"},
			}},
			{Name: "close-ok", ID: 41},
		},
	}
	channel.Methods[0].Responses = []*MethodType{channel.Methods[1]}
	channel.Methods[4].Responses = []*MethodType{channel.Methods[5]}

	basic := &Class{
		Name: "basic",
		ID:   60,
		Fields: []Field{
			{Name: "content_type", Type: "shortstr"},
			{Name: "content_encoding", Type: "shortstr"},
			{Name: "headers", Type: "table"},
			{Name: "delivery_mode", Type: "octet"},
			{Name: "priority", Type: "octet"},
		},
		Methods: []*MethodType{
			{Name: "consume", ID: 20, Fields: []Field{
				{Name: "queue", Type: "shortstr"},
				{Name: "consumer_tag", Type: "shortstr"},
				{Name: "no_ack", Type: "bit"},
				{Name: "nowait", Type: "bit"},
			}},
			{Name: "consume-ok", ID: 21, Fields: []Field{
				{Name: "consumer_tag", Type: "shortstr"},
			}},
			{Name: "publish", ID: 40, Content: true, Fields: []Field{
				{Name: "exchange", Type: "shortstr"},
				{Name: "routing_key", Type: "shortstr"},
				{Name: "mandatory", Type: "bit"},
				{Name: "immediate", Type: "bit"},
			}},
			{Name: "deliver", ID: 60, Content: true, Fields: []Field{
				{Name: "consumer_tag", Type: "shortstr"},
				{Name: "delivery_tag", Type: "longlong"},
			}},
			{Name: "get", ID: 70, Fields: []Field{
				{Name: "queue", Type: "shortstr"},
				{Name: "no_ack", Type: "bit"},
			}},
			{Name: "get-ok", ID: 71, Content: true, Fields: []Field{
				{Name: "delivery_tag", Type: "longlong"},
				{Name: "message_count", Type: "long"},
			}},
			{Name: "get-empty", ID: 72},
		},
	}
	basic.Methods[0].Responses = []*MethodType{basic.Methods[1]}
	basic.Methods[4].Responses = []*MethodType{basic.Methods[5], basic.Methods[6]}

	queryResult := &StructType{
		Name: "query_result",
		Code: 0x0091,
		Pack: 2,
		Fields: []Field{
			{Name: "message_count", Type: "long"},
			{Name: "consumer_count", Type: "long"},
		},
	}
	queueClass := &Class{
		Name: "queue",
		ID:   50,
		Methods: []*MethodType{
			{Name: "query", ID: 1, L4Command: true, Result: queryResult, Fields: []Field{
				{Name: "queue", Type: "shortstr"},
			}},
		},
	}

	execution := &Class{
		Name: "execution",
		ID:   3,
		Methods: []*MethodType{
			{Name: "sync", ID: 1},
			{Name: "complete", ID: 2, Fields: []Field{
				{Name: "cumulative_execution_mark", Type: "rfc1982_long"},
				{Name: "ranged_execution_set", Type: "rfc1982_long_set"},
			}},
			{Name: "result", ID: 3, Fields: []Field{
				{Name: "command_id", Type: "rfc1982_long"},
				{Name: "value", Type: "long_struct"},
			}},
		},
	}

	messageClass := &Class{
		Name: "message",
		ID:   4,
		Methods: []*MethodType{
			{Name: "transfer", ID: 1, Content: true, L4Command: true, Fields: []Field{
				{Name: "destination", Type: "shortstr"},
			}},
		},
	}

	delivery := &StructType{
		Name: "delivery_properties",
		Code: 0x0401,
		Size: 4,
		Pack: 2,
		Fields: []Field{
			{Name: "discard_unroutable", Type: "bit"},
			{Name: "priority", Type: "octet"},
			{Name: "routing_key", Type: "shortstr"},
		},
	}
	message := &StructType{
		Name: "message_properties",
		Code: 0x0402,
		Size: 4,
		Pack: 2,
		Fields: []Field{
			{Name: "content_length", Type: "longlong"},
			{Name: "content_type", Type: "shortstr"},
		},
	}

	s := &Schema{
		Major:   major,
		Minor:   minor,
		Classes: []*Class{connection, channel, basic, queueClass, execution, messageClass},
		Domains: map[string]*StructType{
			delivery.Name:    delivery,
			message.Name:     message,
			queryResult.Name: queryResult,
		},
		DeliveryProperties: delivery,
		MessageProperties:  message,
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("finalize schema: %+v", err)
	}
	return s
}

// mustMethodFrame builds a method frame from keyword arguments.
func mustMethodFrame(t testing.TB, s *Schema, name string, kwargs map[string]interface{}) *MethodFrame {
	t.Helper()
	mt := s.Method(name)
	if mt == nil {
		t.Fatalf("schema has no method %s", name)
	}
	args, err := mt.Arguments(nil, kwargs)
	if err != nil {
		t.Fatalf("arguments for %s: %+v", name, err)
	}
	frame, err := NewMethodFrame(mt, args)
	if err != nil {
		t.Fatalf("frame for %s: %+v", name, err)
	}
	return frame
}
