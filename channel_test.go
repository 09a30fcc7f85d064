package amq

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelHarness struct {
	schema   *Schema
	outgoing *queue[Frame]
	work     *queue[*queue[Frame]]
	ch       *Channel
}

func newChannelHarness(t testing.TB, major, minor int, opts ChannelOptions) *channelHarness {
	t.Helper()
	schema := testSchema(t, major, minor)
	outgoing := newQueue[Frame]()
	return &channelHarness{
		schema:   schema,
		outgoing: outgoing,
		work:     newQueue[*queue[Frame]](),
		ch:       NewChannel(1, outgoing, schema, opts),
	}
}

// nextOutgoing pops the next written frame, failing the test if none
// arrives in time.
func (h *channelHarness) nextOutgoing(t testing.TB) Frame {
	t.Helper()
	type result struct {
		frame Frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		f, err := h.outgoing.get()
		done <- result{f, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("outgoing queue closed: %v", r.err)
		}
		return r.frame
	case <-time.After(time.Second):
		t.Fatal("no outgoing frame within deadline")
		return nil
	}
}

func (h *channelHarness) receive(t testing.TB, frame Frame) {
	t.Helper()
	if err := h.ch.receive(frame, h.work); err != nil {
		t.Fatalf("receive: %+v", err)
	}
}

type invokeResult struct {
	msg *Message
	err error
}

func TestChannelInvokeResponse(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 8, 0, ChannelOptions{})

	done := make(chan invokeResult, 1)
	go func() {
		msg, err := h.ch.Invoke("basic.get", "q", false)
		done <- invokeResult{msg, err}
	}()

	sent := h.nextOutgoing(t).(*MethodFrame)
	assert.Equal(t, h.schema.Method("basic.get"), sent.Type)
	assert.Equal(t, uint16(1), sent.Channel())

	h.receive(t, mustMethodFrame(t, h.schema, "basic.get-empty", nil))

	r := <-done
	require.NoError(t, r.err)
	require.NotNil(t, r.msg)
	assert.Equal(t, h.schema.Method("basic.get-empty"), r.msg.Method.Type)
}

func TestChannelInvokeResponseWithContent(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 8, 0, ChannelOptions{})

	done := make(chan invokeResult, 1)
	go func() {
		msg, err := h.ch.Invoke("basic.get", "q", false)
		done <- invokeResult{msg, err}
	}()
	h.nextOutgoing(t)

	h.receive(t, mustMethodFrame(t, h.schema, "basic.get-ok", map[string]interface{}{
		"delivery_tag":  uint64(9),
		"message_count": 1,
	}))
	h.receive(t, &HeaderFrame{
		Class:      h.schema.ClassByID(60),
		Size:       5,
		Properties: map[string]interface{}{"content_type": "text/plain"},
	})
	h.receive(t, &BodyFrame{Content: []byte("he")})
	h.receive(t, &BodyFrame{Content: []byte("llo")})

	r := <-done
	require.NoError(t, r.err)
	require.NotNil(t, r.msg.Content)
	assert.Equal(t, []byte("hello"), r.msg.Content.Body)
	assert.Equal(t, "text/plain", r.msg.Content.Properties["content_type"])
}

func TestChannelInvokeUnexpectedResponse(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 8, 0, ChannelOptions{})

	done := make(chan invokeResult, 1)
	go func() {
		msg, err := h.ch.Invoke("basic.get", "q", false)
		done <- invokeResult{msg, err}
	}()
	h.nextOutgoing(t)

	h.receive(t, mustMethodFrame(t, h.schema, "channel.open-ok", nil))

	r := <-done
	require.Error(t, r.err)
	var ue *UnexpectedResponseError
	require.True(t, errors.As(r.err, &ue), "expected UnexpectedResponseError, got %T: %v", r.err, r.err)
}

func TestChannelNowaitSkipsResponse(t *testing.T) {
	h := newChannelHarness(t, 8, 0, ChannelOptions{})

	msg, err := h.ch.InvokeKW("basic.consume", map[string]interface{}{
		"queue":  "q",
		"nowait": true,
	})
	require.NoError(t, err)
	assert.Nil(t, msg)

	sent := h.nextOutgoing(t).(*MethodFrame)
	assert.Equal(t, h.schema.Method("basic.consume"), sent.Type)
}

func TestChannelCloseReleasesWaiters(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 8, 0, ChannelOptions{})

	done := make(chan invokeResult, 1)
	go func() {
		msg, err := h.ch.Invoke("basic.get", "q", false)
		done <- invokeResult{msg, err}
	}()
	h.nextOutgoing(t)

	reason := errorNew("connection torn down")
	h.ch.Close(reason)

	r := <-done
	require.Error(t, r.err)
	var ce *ClosedError
	require.True(t, errors.As(r.err, &ce))
	assert.Equal(t, reason, ce.Reason)

	// Further invocations fail immediately with the same reason.
	_, err := h.ch.Invoke("basic.get", "q", false)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, reason, ce.Reason)
}

func TestChannelContentRoutingSingleFlag(t *testing.T) {
	h := newChannelHarness(t, 8, 0, ChannelOptions{})

	// A delivery starts routing content to the incoming queue.
	h.receive(t, mustMethodFrame(t, h.schema, "basic.deliver", map[string]interface{}{
		"consumer_tag": "c1",
		"delivery_tag": uint64(1),
	}))
	// A content-bearing response re-points the single content
	// destination before the delivery's content arrived.
	h.receive(t, mustMethodFrame(t, h.schema, "basic.get-ok", map[string]interface{}{
		"delivery_tag":  uint64(2),
		"message_count": 0,
	}))
	h.receive(t, &HeaderFrame{Class: h.schema.ClassByID(60), Size: 0})

	// The header followed the latest content destination: the
	// responses queue, not the delivery's incoming queue.
	respFrames := drainQueue(t, h.ch.responses)
	require.Len(t, respFrames, 2)
	_, ok := respFrames[1].(*HeaderFrame)
	assert.True(t, ok, "header should have been routed to the responses queue")

	inFrames := drainQueue(t, h.ch.incoming)
	require.Len(t, inFrames, 1)
	_, ok = inFrames[0].(*MethodFrame)
	assert.True(t, ok)
}

func drainQueue(t testing.TB, q *queue[Frame]) []Frame {
	t.Helper()
	var out []Frame
	for {
		q.mu.Lock()
		n := len(q.items)
		q.mu.Unlock()
		if n == 0 {
			return out
		}
		f, err := q.get()
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestChannelFlowControlTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 8, 0, ChannelOptions{FlowControlWait: 30 * time.Millisecond})

	h.ch.SetFlowControl(true)
	_, err := h.ch.Invoke("basic.publish", "", "rk", false, false)
	require.Error(t, err)
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "expected TimeoutError, got %T: %v", err, err)
}

func TestChannelFlowControlRelease(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 8, 0, ChannelOptions{})

	h.ch.SetFlowControl(true)
	done := make(chan invokeResult, 1)
	go func() {
		msg, err := h.ch.Invoke("basic.publish", "", "rk", false, false)
		done <- invokeResult{msg, err}
	}()

	time.Sleep(10 * time.Millisecond)
	h.ch.SetFlowControl(false)

	r := <-done
	require.NoError(t, r.err)

	// Publish declares content: the method frame is followed by an
	// empty content header.
	method := h.nextOutgoing(t).(*MethodFrame)
	assert.Equal(t, h.schema.Method("basic.publish"), method.Type)
	header := h.nextOutgoing(t).(*HeaderFrame)
	assert.Equal(t, uint64(0), header.Size)
}

func TestChannelContentChunking(t *testing.T) {
	h := newChannelHarness(t, 8, 0, ChannelOptions{MaxFrameSize: 16})

	body := make([]byte, 20)
	for i := range body {
		body[i] = byte(i)
	}
	_, err := h.ch.InvokeKW("basic.publish", map[string]interface{}{
		"routing_key": "rk",
		"content":     &Content{Body: body},
	})
	require.NoError(t, err)

	h.nextOutgoing(t) // method
	header := h.nextOutgoing(t).(*HeaderFrame)
	assert.Equal(t, uint64(20), header.Size)

	// 16-byte frames less 8 bytes overhead leave 8-byte chunks.
	var got []byte
	for len(got) < 20 {
		bf := h.nextOutgoing(t).(*BodyFrame)
		assert.LessOrEqual(t, len(bf.Content), 8)
		got = append(got, bf.Content...)
	}
	assert.Equal(t, body, got)
}

func TestChannelInvokeResult(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 0, 10, ChannelOptions{})

	done := make(chan invokeResult, 1)
	go func() {
		msg, err := h.ch.Invoke("queue.query", "q")
		done <- invokeResult{msg, err}
	}()

	sent := h.nextOutgoing(t).(*MethodFrame)
	assert.Equal(t, h.schema.Method("queue.query"), sent.Type)

	result := NewStruct(h.schema.StructByName("query_result"))
	result.Set("message_count", uint32(4))
	require.NoError(t, h.ch.DeliverResult(0, result))

	r := <-done
	require.NoError(t, r.err)
	require.NotNil(t, r.msg)
	assert.Equal(t, result, r.msg.Result)
}

func TestChannelInvokeResultTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 0, 10, ChannelOptions{InvokeTimeout: 30 * time.Millisecond})

	_, err := h.ch.Invoke("queue.query", "q")
	require.Error(t, err)
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "expected TimeoutError, got %T: %v", err, err)
	h.nextOutgoing(t)
}

func TestChannelInvokeResultAsync(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 0, 10, ChannelOptions{})

	future, err := h.ch.InvokeAsync("queue.query", "q")
	require.NoError(t, err)
	require.NotNil(t, future)
	h.nextOutgoing(t)

	result := NewStruct(h.schema.StructByName("query_result"))
	require.NoError(t, h.ch.DeliverResult(0, result))

	v, ok := future.Get(time.Second)
	require.True(t, ok)
	msg := v.(*Message)
	assert.Equal(t, result, msg.Result)
}

func TestChannelExecutionSyncCompletion(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 0, 10, ChannelOptions{})

	done := make(chan invokeResult, 1)
	go func() {
		msg, err := h.ch.InvokeKW("message.transfer", map[string]interface{}{
			"destination": "d",
			"content":     &Content{Body: []byte("x")},
		})
		done <- invokeResult{msg, err}
	}()

	method := h.nextOutgoing(t).(*MethodFrame)
	assert.Equal(t, h.schema.Method("message.transfer"), method.Type)
	h.nextOutgoing(t) // header
	h.nextOutgoing(t) // body
	sync := h.nextOutgoing(t).(*MethodFrame)
	assert.Equal(t, h.schema.Method("execution.sync"), sync.Type)

	h.ch.CompleteOutgoing(0)

	r := <-done
	require.NoError(t, r.err)
	assert.Nil(t, r.msg)
}

func TestChannelCompletionTimeoutClosesChannel(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 0, 10, ChannelOptions{InvokeTimeout: 30 * time.Millisecond})

	_, err := h.ch.InvokeKW("message.transfer", map[string]interface{}{
		"destination": "d",
	})
	require.Error(t, err)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	require.Error(t, h.ch.Err(), "channel should be force-closed after a completion timeout")
}

func TestChannelInvokeReliable(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 0, 9, ChannelOptions{})

	done := make(chan invokeResult, 1)
	go func() {
		msg, err := h.ch.Invoke("basic.get", "q", false)
		done <- invokeResult{msg, err}
	}()

	sent := h.nextOutgoing(t).(*RequestFrame)
	assert.Equal(t, uint64(1), sent.ID)
	assert.Equal(t, h.schema.Method("basic.get"), sent.Method.Type)

	resp := &ResponseFrame{
		ID:        1,
		RequestID: sent.ID,
		Method:    mustMethodFrame(t, h.schema, "basic.get-empty", nil),
	}
	h.receive(t, resp)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, h.schema.Method("basic.get-empty"), r.msg.Method.Type)
}

func TestChannelInvokeReliableAsync(t *testing.T) {
	defer leaktest.Check(t)()
	h := newChannelHarness(t, 0, 9, ChannelOptions{})

	future, err := h.ch.InvokeAsync("basic.get", "q", false)
	require.NoError(t, err)
	require.NotNil(t, future)

	sent := h.nextOutgoing(t).(*RequestFrame)
	resp := &ResponseFrame{
		ID:        1,
		RequestID: sent.ID,
		Method:    mustMethodFrame(t, h.schema, "basic.get-empty", nil),
	}
	h.receive(t, resp)

	v, ok := future.Get(time.Second)
	require.True(t, ok)
	msg := v.(*Message)
	assert.Equal(t, h.schema.Method("basic.get-empty"), msg.Method.Type)
}

func TestRequesterUnknownResponse(t *testing.T) {
	r := newRequester(func(Frame, *Content) error { return nil })
	err := r.Receive(nil, &ResponseFrame{ID: 1, RequestID: 42})
	require.Error(t, err)
	var me *MalformedError
	require.True(t, errors.As(err, &me))
}

func TestResponderBatching(t *testing.T) {
	var written []Frame
	r := newResponder(func(f Frame, _ *Content) error {
		written = append(written, f)
		return nil
	})
	method := &MethodFrame{Type: &MethodType{Name: "ok", Class: &Class{Name: "test"}}}

	// Positive batch extends forward from the request id.
	require.NoError(t, r.Respond(method, 3, &RequestFrame{ID: 10}))
	resp := written[0].(*ResponseFrame)
	assert.Equal(t, uint64(1), resp.ID)
	assert.Equal(t, uint64(10), resp.RequestID)
	assert.Equal(t, uint32(3), resp.BatchOffset)

	// Negative batch shifts the base id back.
	require.NoError(t, r.Respond(method, -2, &RequestFrame{ID: 10}))
	resp = written[1].(*ResponseFrame)
	assert.Equal(t, uint64(2), resp.ID)
	assert.Equal(t, uint64(8), resp.RequestID)
	assert.Equal(t, uint32(2), resp.BatchOffset)

	// A bare method request is answered with a bare method.
	require.NoError(t, r.Respond(method, 0, method))
	_, ok := written[2].(*MethodFrame)
	assert.True(t, ok)
}
