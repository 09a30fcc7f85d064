package amq

import (
	"sync"
	"time"
)

const stopJoinTimeout = 1 * time.Second

// ChannelFactory builds the channel for an id the first time a frame
// or caller refers to it.
type ChannelFactory func(id uint16, outgoing *queue[Frame], schema *Schema, opts ChannelOptions) *Channel

// PeerOption configures a Peer at construction.
type PeerOption func(*Peer)

// WithChannelFactory replaces the default channel constructor.
func WithChannelFactory(f ChannelFactory) PeerOption {
	return func(p *Peer) { p.channelFactory = f }
}

// WithChannelOptions sets the options handed to every new channel.
func WithChannelOptions(opts ChannelOptions) PeerOption {
	return func(p *Peer) { p.channelOpts = opts }
}

// Peer runs the three loops of one protocol endpoint: a reader
// sorting inbound frames to their channels, a writer draining the
// shared outgoing queue, and a worker assembling complete
// method+content units and handing them to the delegate. It is usable
// for clients, servers, and proxies alike.
type Peer struct {
	transport Transport
	delegate  Delegate
	schema    *Schema

	outgoing *queue[Frame]
	work     *queue[*queue[Frame]]

	mu       sync.Mutex
	channels map[uint16]*Channel

	channelFactory ChannelFactory
	channelOpts    ChannelOptions

	closeOnce  sync.Once
	readerDone chan struct{}
	writerDone chan struct{}
	workerDone chan struct{}
}

func NewPeer(transport Transport, delegate Delegate, schema *Schema, opts ...PeerOption) *Peer {
	p := &Peer{
		transport:      transport,
		delegate:       delegate,
		schema:         schema,
		outgoing:       newQueue[Frame](),
		work:           newQueue[*queue[Frame]](),
		channels:       make(map[uint16]*Channel),
		channelFactory: NewChannel,
		readerDone:     make(chan struct{}),
		writerDone:     make(chan struct{}),
		workerDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Channel returns the channel with the given id, creating it on first
// use.
func (p *Peer) Channel(id uint16) *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[id]
	if !ok {
		ch = p.channelFactory(id, p.outgoing, p.schema, p.channelOpts)
		p.channels[id] = ch
	}
	return ch
}

// Start launches the reader, writer, and worker loops.
func (p *Peer) Start() {
	go p.writer()
	go p.reader()
	go p.worker()
}

// fatal handles an unexpected failure that kills a loop.
func (p *Peer) fatal(err error) {
	logPeer().WithError(err).Error("fatal loop failure")
	p.closed(errorWrapf(err, "fatal error"))
}

// closed tears the peer down. The delegate is notified before the
// channels close, so threads the channels wake never observe the
// delegate as still open.
func (p *Peer) closed(reason error) {
	p.closeOnce.Do(func() {
		p.delegate.Closed(reason)
		p.mu.Lock()
		channels := make([]*Channel, 0, len(p.channels))
		for _, ch := range p.channels {
			channels = append(channels, ch)
		}
		p.mu.Unlock()
		for _, ch := range channels {
			ch.Close(reason)
		}
		p.outgoing.close(reason)
	})
}

func (p *Peer) reader() {
	defer close(p.readerDone)
	for {
		frame, err := p.transport.ReadFrame()
		if err == ErrEOF {
			p.work.close(errorNew("connection lost"))
			return
		}
		if err != nil {
			if _, ok := err.(*VersionError); ok {
				p.closed(err)
			} else {
				p.fatal(err)
			}
			return
		}
		logPeer().WithField("channel", frame.Channel()).Debug("frame received")
		ch := p.Channel(frame.Channel())
		if err := ch.receive(frame, p.work); err != nil {
			p.fatal(err)
			return
		}
	}
}

func (p *Peer) writer() {
	defer close(p.writerDone)
	for {
		frame, err := p.outgoing.get()
		if err != nil {
			return
		}
		if err := p.transport.WriteFrame(frame); err != nil {
			p.closed(err)
			return
		}
		if err := p.transport.Flush(); err != nil {
			p.closed(err)
			return
		}
	}
}

// worker drains the work queue, assembling one complete unit per
// method: the method frame plus its content when the method declares
// some.
func (p *Peer) worker() {
	defer close(p.workerDone)
	for {
		q, err := p.work.get()
		if err != nil {
			p.closed(workerCloseReason(err))
			return
		}
		frame, err := q.get()
		if err != nil {
			p.closed(workerCloseReason(err))
			return
		}
		ch := p.Channel(frame.Channel())
		var content *Content
		if mt := methodTypeOf(frame); mt != nil && mt.Content {
			content, err = readContent(q)
			if err != nil {
				p.fatal(err)
				return
			}
		}
		if err := p.delegate.Dispatch(ch, newMessage(ch, frame, content)); err != nil {
			p.fatal(err)
			return
		}
	}
}

func workerCloseReason(err error) error {
	if c, ok := err.(*ClosedError); ok && c.Reason != nil {
		return c.Reason
	}
	return errorNew("worker closed")
}

// Stop closes the queues and the transport, then waits briefly for
// the loops to drain, warning about any that fail to stop in time.
func (p *Peer) Stop() {
	p.work.close(errorNew("peer stopped"))
	p.outgoing.close(errorNew("peer stopped"))
	if err := p.transport.Close(); err != nil {
		logPeer().WithError(err).Warn("error closing transport")
	}
	join := func(done chan struct{}, name string) {
		select {
		case <-done:
		case <-time.After(stopJoinTimeout):
			logPeer().WithField("loop", name).Warn("loop failed to shut down within timeout")
		}
	}
	join(p.workerDone, "worker")
	join(p.readerDone, "reader")
	join(p.writerDone, "writer")
}
