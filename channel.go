package amq

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultFlowControlWait = 60 * time.Second
	defaultInvokeTimeout   = 10 * time.Second
	defaultMaxFrameSize    = 65536

	// Per-frame overhead subtracted from the frame size when chunking
	// content bodies.
	frameHeaderOverhead = 8
)

// ChannelOptions bounds the blocking behavior of a channel. The zero
// value selects the defaults.
type ChannelOptions struct {
	// FlowControlWait bounds how long a publish blocks while the
	// remote has flow control engaged.
	FlowControlWait time.Duration

	// InvokeTimeout bounds synchronous waits for results and
	// completion acknowledgements.
	InvokeTimeout time.Duration

	// MaxFrameSize is the negotiated frame size used to chunk content
	// bodies.
	MaxFrameSize int
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.FlowControlWait == 0 {
		o.FlowControlWait = defaultFlowControlWait
	}
	if o.InvokeTimeout == 0 {
		o.InvokeTimeout = defaultInvokeTimeout
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = defaultMaxFrameSize
	}
	return o
}

// responseListener consumes one response frame correlated to an
// earlier request.
type responseListener func(*Channel, *ResponseFrame) error

// Requester assigns request ids and routes correlated responses back
// to their listeners.
type Requester struct {
	write    func(Frame, *Content) error
	sequence *Sequence

	mu          sync.Mutex
	mark        uint64
	outstanding map[uint64]responseListener
}

func newRequester(write func(Frame, *Content) error) *Requester {
	return &Requester{
		write:       write,
		sequence:    NewSequence(1, 1),
		outstanding: make(map[uint64]responseListener),
	}
}

// Request wraps the method in a request frame, registers the listener
// under the new id, and sends it.
func (r *Requester) Request(method *MethodFrame, listener responseListener, content *Content) error {
	frame := &RequestFrame{
		ID:     uint64(r.sequence.Next()),
		Method: method,
	}
	r.mu.Lock()
	frame.ResponseMark = r.mark
	r.outstanding[frame.ID] = listener
	r.mu.Unlock()
	return r.write(frame, content)
}

// Receive routes a response to its listener. A response correlating
// to no outstanding request is a protocol error.
func (r *Requester) Receive(ch *Channel, frame *ResponseFrame) error {
	r.mu.Lock()
	listener, ok := r.outstanding[frame.RequestID]
	delete(r.outstanding, frame.RequestID)
	r.mu.Unlock()
	if !ok {
		return malformedf("response %d to unknown request %d", frame.ID, frame.RequestID)
	}
	return listener(ch, frame)
}

// Responder assigns response ids. A negative batch offset shifts the
// base request id back so batches can be expressed from either end.
type Responder struct {
	write    func(Frame, *Content) error
	sequence *Sequence
}

func newResponder(write func(Frame, *Content) error) *Responder {
	return &Responder{write: write, sequence: NewSequence(1, 1)}
}

func (r *Responder) Respond(method *MethodFrame, batch int32, request Frame) error {
	req, ok := request.(*RequestFrame)
	if !ok {
		// Un-correlated methods are answered with a bare method.
		return r.write(method, nil)
	}
	frame := &ResponseFrame{ID: uint64(r.sequence.Next()), Method: method}
	if batch < 0 {
		frame.RequestID = req.ID - uint64(-batch)
		frame.BatchOffset = uint32(-batch)
	} else {
		frame.RequestID = req.ID
		frame.BatchOffset = uint32(batch)
	}
	return r.write(frame, nil)
}

// Channel demultiplexes the frames of one channel id, correlates
// synchronous replies, and tracks command completion. Incoming frames
// are sorted between the incoming queue (remote-initiated methods,
// handed to the worker) and the responses queue (replies to our own
// invocations, consumed inline by the invoking goroutine).
type Channel struct {
	ID     uint16
	schema *Schema
	opts   ChannelOptions

	outgoing  *queue[Frame]
	incoming  *queue[Frame]
	responses *queue[Frame]

	// Destination of the next frame. There is a single content
	// destination per channel, so interleaving inbound and response
	// content on one channel corrupts routing; the protocol avoids
	// this by never doing so.
	queue        *queue[Frame]
	contentQueue *queue[Frame]

	requester *Requester
	responder *Responder

	completion         *OutgoingCompletion
	incomingCompletion *IncomingCompletion

	mu       sync.Mutex
	isClosed bool
	reason   error

	futuresMu sync.Mutex
	futures   map[int64]*Future

	methods map[string]methodFunc

	flowMu       sync.Mutex
	flowControl  bool
	flowReleased chan struct{}
}

// NewChannel builds a channel writing to the shared outgoing queue.
func NewChannel(id uint16, outgoing *queue[Frame], schema *Schema, opts ChannelOptions) *Channel {
	ch := &Channel{
		ID:        id,
		schema:    schema,
		opts:      opts.withDefaults(),
		outgoing:  outgoing,
		incoming:  newQueue[Frame](),
		responses: newQueue[Frame](),
		futures:   make(map[int64]*Future),
	}
	ch.requester = newRequester(ch.write)
	ch.responder = newResponder(ch.write)
	ch.completion = NewOutgoingCompletion()
	ch.incomingCompletion = NewIncomingCompletion(ch.notifyComplete)
	ch.bindMethods()
	return ch
}

// Close shuts the channel down: queues close, completion waiters
// release, and pending futures settle with the reason. Idempotent;
// only the first reason is kept.
func (ch *Channel) Close(reason error) {
	ch.mu.Lock()
	if ch.isClosed {
		ch.mu.Unlock()
		return
	}
	ch.isClosed = true
	ch.reason = reason
	ch.mu.Unlock()

	logChannel().WithField("channel", ch.ID).WithError(reason).Debug("channel closed")
	ch.incoming.close(reason)
	ch.responses.close(reason)
	ch.completion.Close()
	ch.incomingCompletion.Reset()

	ch.futuresMu.Lock()
	for _, f := range ch.futures {
		f.put(reason)
	}
	ch.futuresMu.Unlock()
}

// Err returns the close reason, or nil while the channel is open.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.isClosed {
		return nil
	}
	return ch.reason
}

func (ch *Channel) closedErr() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return closedError(ch.reason)
}

// normalizeClosed rewrites queue-closed errors so callers see the
// channel's own close reason no matter which internal queue released
// them.
func (ch *Channel) normalizeClosed(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ClosedError); !ok {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.isClosed {
		return closedError(ch.reason)
	}
	return err
}

// write tags the frame with the channel id and queues it. Methods
// that declare content but were given none send an empty content
// unit, so a header frame always follows.
func (ch *Channel) write(frame Frame, content *Content) error {
	ch.mu.Lock()
	if ch.isClosed {
		reason := ch.reason
		ch.mu.Unlock()
		return closedError(reason)
	}
	ch.mu.Unlock()

	frame.SetChannel(ch.ID)
	if err := ch.outgoing.put(frame); err != nil {
		return ch.normalizeClosed(err)
	}
	mt := methodTypeOf(frame)
	if mt != nil && mt.Content && content == nil {
		content = &Content{}
	}
	if content != nil && mt != nil {
		return ch.writeContent(mt.Class, content)
	}
	return nil
}

// writeContent sends the header, any child contents, and the body
// chunked to the negotiated frame size.
func (ch *Channel) writeContent(cls *Class, content *Content) error {
	header := &HeaderFrame{
		Class:      cls,
		Weight:     uint16(content.Weight()),
		Size:       uint64(content.Size()),
		Properties: content.Properties,
	}
	if err := ch.write(header, nil); err != nil {
		return err
	}
	for _, child := range content.Children {
		if err := ch.writeContent(cls, child); err != nil {
			return err
		}
	}
	if len(content.Body) == 0 {
		return nil
	}
	frameMax := ch.opts.MaxFrameSize - frameHeaderOverhead
	body := content.Body
	for start := 0; start < len(body); start += frameMax {
		end := start + frameMax
		if end > len(body) {
			end = len(body)
		}
		if err := ch.write(&BodyFrame{Content: body[start:end]}, nil); err != nil {
			return err
		}
	}
	return nil
}

// receive sorts one inbound frame. Remote-initiated methods and
// requests land in the incoming queue and announce it on the work
// queue; responses are routed to their listeners or the responses
// queue; header and body frames follow the current content
// destination.
func (ch *Channel) receive(frame Frame, work *queue[*queue[Frame]]) error {
	switch f := frame.(type) {
	case *MethodFrame:
		if f.Type.Content {
			if f.Type.IsResponse {
				ch.contentQueue = ch.responses
			} else {
				ch.contentQueue = ch.incoming
			}
		}
		if f.Type.IsResponse {
			ch.queue = ch.responses
		} else {
			ch.queue = ch.incoming
			if err := work.put(ch.incoming); err != nil {
				return err
			}
		}
	case *RequestFrame:
		ch.queue = ch.incoming
		if err := work.put(ch.incoming); err != nil {
			return err
		}
	case *ResponseFrame:
		if err := ch.requester.Receive(ch, f); err != nil {
			return err
		}
		if f.Method.Type.Content {
			ch.queue = ch.responses
		}
		return nil
	case *HeaderFrame, *BodyFrame:
		ch.queue = ch.contentQueue
	}
	if ch.queue == nil {
		return malformedf("frame %T with no destination on channel %d", frame, ch.ID)
	}
	return ch.queue.put(frame)
}

// Request sends a correlated request through the requester.
func (ch *Channel) Request(method *MethodFrame, listener responseListener, content *Content) error {
	return ch.requester.Request(method, listener, content)
}

// Respond answers a request through the responder.
func (ch *Channel) Respond(method *MethodFrame, batch int32, request Frame) error {
	return ch.responder.Respond(method, batch, request)
}

// CompleteIncoming reports completion of a received command, sending
// the corresponding execution-complete notification.
func (ch *Channel) CompleteIncoming(mark int64, cumulative bool) error {
	return ch.incomingCompletion.Complete(mark, cumulative)
}

// NextIncomingID issues the id for the next received command.
func (ch *Channel) NextIncomingID() int64 {
	return ch.incomingCompletion.Next()
}

// CompleteOutgoing records the remote's cumulative completion mark.
func (ch *Channel) CompleteOutgoing(mark uint32) {
	ch.completion.Complete(int64(mark))
}

// DeliverResult settles the future registered for a command id with
// the result value.
func (ch *Channel) DeliverResult(commandID int64, value interface{}) error {
	ch.futuresMu.Lock()
	future, ok := ch.futures[commandID]
	delete(ch.futures, commandID)
	ch.futuresMu.Unlock()
	if !ok {
		return malformedf("result for unknown command %d", commandID)
	}
	future.put(&Message{Channel: ch, Result: value})
	return nil
}

// notifyComplete sends the execution-complete control directly,
// bypassing invocation bookkeeping.
func (ch *Channel) notifyComplete(cumulativeMark uint32, ranged []uint32) error {
	t := ch.schema.Method("execution.complete")
	if t == nil {
		return errorNew("schema has no execution.complete method")
	}
	kwargs := map[string]interface{}{"cumulative_execution_mark": cumulativeMark}
	if ranged != nil {
		if i := t.FieldIndex("ranged_execution_set"); i >= 0 {
			kwargs["ranged_execution_set"] = ranged
		}
	}
	args, err := t.Arguments(nil, kwargs)
	if err != nil {
		return err
	}
	frame, err := NewMethodFrame(t, args)
	if err != nil {
		return err
	}
	return ch.write(frame, nil)
}

// executionSync asks the remote to acknowledge all outstanding
// commands. Sent directly; the sync control itself is not tracked.
func (ch *Channel) executionSync() error {
	t := ch.schema.Method("execution.sync")
	if t == nil {
		return nil
	}
	frame, err := NewMethodFrame(t, make([]interface{}, len(t.Fields)))
	if err != nil {
		return err
	}
	return ch.write(frame, nil)
}

// SetFlowControl engages or releases flow control. Releasing wakes
// every publisher blocked on it.
func (ch *Channel) SetFlowControl(blocked bool) {
	ch.flowMu.Lock()
	defer ch.flowMu.Unlock()
	if blocked == ch.flowControl {
		return
	}
	ch.flowControl = blocked
	if blocked {
		ch.flowReleased = make(chan struct{})
	} else if ch.flowReleased != nil {
		close(ch.flowReleased)
		ch.flowReleased = nil
	}
}

// checkFlowControlLocked blocks while flow control is engaged, up to
// the configured bound. Called and returning with flowMu held.
func (ch *Channel) checkFlowControlLocked() error {
	if !ch.flowControl {
		return nil
	}
	released := ch.flowReleased
	ch.flowMu.Unlock()
	select {
	case <-released:
	case <-time.After(ch.opts.FlowControlWait):
	}
	ch.flowMu.Lock()
	if ch.flowControl {
		return &TimeoutError{Op: fmt.Sprintf(
			"send blocked for %v by remote flow control", ch.opts.FlowControlWait)}
	}
	return nil
}

// invoke runs one method invocation. Opening or closing the channel
// or session resets both completion counters first. The wire strategy
// depends on the revision: request/response correlation where the
// schema uses it, plain methods with queued responses otherwise.
func (ch *Channel) invoke(t *MethodType, args []interface{}, kwargs map[string]interface{}, synchronous bool) (*Message, *Future, error) {
	if (t.Class.Name == "channel" || t.Class.Name == "session") &&
		(t.Name == "open" || t.Name == "close" || t.Name == "closed") {
		ch.completion.Reset()
		ch.incomingCompletion.Reset()
	}
	ch.completion.NextCommand(t)

	var content *Content
	if kwargs != nil {
		if v, ok := kwargs["content"]; ok {
			c, ok := v.(*Content)
			if !ok && v != nil {
				return nil, nil, errorErrorf("content must be *Content, got %T", v)
			}
			content = c
			delete(kwargs, "content")
		}
	}
	ordered, err := t.Arguments(args, kwargs)
	if err != nil {
		return nil, nil, err
	}
	frame, err := NewMethodFrame(t, ordered)
	if err != nil {
		return nil, nil, err
	}

	if ch.schema.usesRequestCorrelation() {
		return ch.invokeReliable(frame, content, synchronous)
	}
	return ch.invokeMethod(frame, content, synchronous)
}

// invokeReliable is the request/response strategy: every method goes
// out as a request and the reply arrives as a correlated response.
func (ch *Channel) invokeReliable(frame *MethodFrame, content *Content, synchronous bool) (*Message, *Future, error) {
	if !synchronous {
		future := newFuture()
		err := ch.Request(frame, func(c *Channel, resp *ResponseFrame) error {
			future.put(&Message{Channel: c, Frame: resp, Method: resp.Method})
			return nil
		}, content)
		if err != nil {
			return nil, nil, err
		}
		if len(frame.Type.Responses) == 0 {
			return nil, nil, nil
		}
		return nil, future, nil
	}

	err := ch.Request(frame, func(c *Channel, resp *ResponseFrame) error {
		return c.responses.put(resp.Method)
	}, content)
	if err != nil {
		return nil, nil, err
	}
	if len(frame.Type.Responses) == 0 {
		if ch.schema.usesExecutionLayer() && frame.Type.L4Command {
			if err := ch.executionSync(); err != nil {
				return nil, nil, err
			}
			ch.completion.Wait(-1, 0)
			if ch.Err() != nil {
				return nil, nil, ch.closedErr()
			}
		}
		return nil, nil, nil
	}
	msg, err := ch.awaitResponse()
	return msg, nil, err
}

// invokeMethod is the plain strategy: the method goes out directly
// and the reply, if any, is the next method on the responses queue.
// Methods declaring results are correlated through the futures table
// instead.
func (ch *Channel) invokeMethod(frame *MethodFrame, content *Content, synchronous bool) (*Message, *Future, error) {
	var future *Future
	if frame.Type.Result != nil {
		future = newFuture()
		ch.futuresMu.Lock()
		ch.futures[ch.completion.CommandID()] = future
		ch.futuresMu.Unlock()
	}

	// Publish admission and the flow control check happen under one
	// lock so a release cannot slip between them.
	if frame.Type.isPublish() {
		ch.flowMu.Lock()
		err := ch.checkFlowControlLocked()
		if err == nil {
			err = ch.write(frame, content)
		}
		ch.flowMu.Unlock()
		if err != nil {
			return nil, nil, err
		}
	} else if err := ch.write(frame, content); err != nil {
		return nil, nil, err
	}

	nowait := false
	if i := frame.Type.FieldIndex("nowait"); i >= 0 {
		nowait = truthy(frame.Args[i])
	}

	switch {
	case !nowait && len(frame.Type.Responses) > 0:
		msg, err := ch.awaitResponse()
		if err != nil {
			return nil, nil, err
		}
		if !frame.Type.RespondsWith(msg.Method.Type) {
			return nil, nil, &UnexpectedResponseError{Frame: msg.Method}
		}
		return msg, nil, nil

	case frame.Type.Result != nil:
		if !synchronous {
			return nil, future, nil
		}
		v, ok := future.Get(ch.opts.InvokeTimeout)
		if ch.Err() != nil {
			return nil, nil, ch.closedErr()
		}
		if !ok {
			return nil, nil, &TimeoutError{Op: "result of " + frame.Type.QualifiedName()}
		}
		if err, isErr := v.(error); isErr {
			return nil, nil, closedError(err)
		}
		return v.(*Message), nil, nil

	case synchronous && !frame.Type.IsResponse &&
		ch.schema.usesExecutionLayer() && frame.Type.L4Command:
		if err := ch.executionSync(); err != nil {
			return nil, nil, err
		}
		completed := ch.completion.Wait(-1, ch.opts.InvokeTimeout)
		if ch.Err() != nil {
			return nil, nil, ch.closedErr()
		}
		if !completed {
			reason := &TimeoutError{Op: "completion of " + frame.Type.QualifiedName()}
			ch.Close(reason)
			return nil, nil, reason
		}
	}
	return nil, nil, nil
}

// awaitResponse takes the next method off the responses queue,
// assembling its content when the method carries some.
func (ch *Channel) awaitResponse() (*Message, error) {
	resp, err := ch.responses.get()
	if err != nil {
		return nil, ch.normalizeClosed(err)
	}
	mf, ok := resp.(*MethodFrame)
	if !ok {
		return nil, malformedf("expected response method, got %T", resp)
	}
	var content *Content
	if mf.Type.Content {
		content, err = readContent(ch.responses)
		if err != nil {
			return nil, ch.normalizeClosed(err)
		}
	}
	return &Message{Channel: ch, Frame: mf, Method: mf, Content: content}, nil
}

// methodTypeOf extracts the method type a frame carries, or nil.
func methodTypeOf(frame Frame) *MethodType {
	switch f := frame.(type) {
	case *MethodFrame:
		return f.Type
	case *RequestFrame:
		return f.Method.Type
	case *ResponseFrame:
		return f.Method.Type
	}
	return nil
}
