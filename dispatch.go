package amq

// EventKind is the closed set of protocol events a dispatcher routes.
// Methods outside the set fall through to the unhandled hook.
type EventKind int

const (
	EventUnhandled EventKind = iota
	EventConnectionStart
	EventConnectionTune
	EventConnectionOpenOK
	EventConnectionClose
	EventChannelOpenOK
	EventChannelFlow
	EventChannelClose
	EventSessionAttached
	EventSessionDetached
	EventExecutionComplete
	EventExecutionResult
	EventDeliver
	EventReturn
)

// eventNames maps qualified method names to event kinds. Only names
// present in the schema end up in a dispatcher's table.
var eventNames = map[string]EventKind{
	"connection.start":    EventConnectionStart,
	"connection.tune":     EventConnectionTune,
	"connection.open-ok":  EventConnectionOpenOK,
	"connection.close":    EventConnectionClose,
	"channel.open-ok":     EventChannelOpenOK,
	"channel.flow":        EventChannelFlow,
	"channel.close":       EventChannelClose,
	"session.attached":    EventSessionAttached,
	"session.detached":    EventSessionDetached,
	"execution.complete":  EventExecutionComplete,
	"execution.result":    EventExecutionResult,
	"basic.deliver":       EventDeliver,
	"basic.return":        EventReturn,
	"message.transfer":    EventDeliver,
}

// Handler consumes one dispatched message.
type Handler func(*Channel, *Message) error

// Delegate receives assembled messages from a peer's worker loop and
// the terminal close notification.
type Delegate interface {
	Dispatch(*Channel, *Message) error
	Closed(reason error)
}

// Dispatcher is a table-driven Delegate: each incoming method maps to
// an event kind resolved once at construction, and each kind to a
// handler. Flow control and the execution layer are wired by default;
// callers override or extend with Handle.
type Dispatcher struct {
	kinds     map[*MethodType]EventKind
	handlers  map[EventKind]Handler
	unhandled Handler
	onClosed  func(error)
}

func NewDispatcher(schema *Schema) *Dispatcher {
	d := &Dispatcher{
		kinds:    make(map[*MethodType]EventKind),
		handlers: make(map[EventKind]Handler),
	}
	for name, kind := range eventNames {
		if t := schema.Method(name); t != nil {
			d.kinds[t] = kind
		}
	}
	d.handlers[EventChannelFlow] = handleChannelFlow
	d.handlers[EventExecutionComplete] = handleExecutionComplete
	d.handlers[EventExecutionResult] = handleExecutionResult
	return d
}

// Handle installs or replaces the handler for an event kind.
func (d *Dispatcher) Handle(kind EventKind, h Handler) {
	d.handlers[kind] = h
}

// OnUnhandled installs the hook for methods outside the event set.
func (d *Dispatcher) OnUnhandled(h Handler) { d.unhandled = h }

// OnClosed installs the terminal close hook.
func (d *Dispatcher) OnClosed(f func(error)) { d.onClosed = f }

func (d *Dispatcher) Dispatch(ch *Channel, msg *Message) error {
	kind := EventUnhandled
	if msg.Method != nil {
		kind = d.kinds[msg.Method.Type]
	}
	if h := d.handlers[kind]; h != nil {
		return h(ch, msg)
	}
	if d.unhandled != nil {
		return d.unhandled(ch, msg)
	}
	logPeer().WithField("message", msg.String()).Debug("unhandled method")
	return nil
}

func (d *Dispatcher) Closed(reason error) {
	if d.onClosed != nil {
		d.onClosed(reason)
	}
}

// handleChannelFlow engages flow control when the remote clears the
// active bit and releases it when the bit is set.
func handleChannelFlow(ch *Channel, msg *Message) error {
	ch.SetFlowControl(!truthy(msg.Field("active")))
	return nil
}

func handleExecutionComplete(ch *Channel, msg *Message) error {
	mark, err := coerceUint(msg.Field("cumulative_execution_mark"), "cumulative_execution_mark")
	if err != nil {
		return err
	}
	ch.CompleteOutgoing(uint32(mark))
	return nil
}

func handleExecutionResult(ch *Channel, msg *Message) error {
	commandID, err := coerceInt(msg.Field("command_id"), "command_id")
	if err != nil {
		return err
	}
	return ch.DeliverResult(commandID, msg.Field("value"))
}
