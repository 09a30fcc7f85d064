package amq

// methodFunc is one bound invocation closure.
type methodFunc func(args []interface{}, kwargs map[string]interface{}, synchronous bool) (*Message, *Future, error)

// bindMethods builds the invocation registry: one closure per schema
// method, keyed by qualified name. Built once at construction so
// lookups are plain map reads.
func (ch *Channel) bindMethods() {
	ch.methods = make(map[string]methodFunc)
	for _, cls := range ch.schema.Classes {
		for _, t := range cls.Methods {
			t := t
			ch.methods[t.QualifiedName()] = func(args []interface{}, kwargs map[string]interface{}, synchronous bool) (*Message, *Future, error) {
				return ch.invoke(t, args, kwargs, synchronous)
			}
		}
	}
}

func (ch *Channel) lookupMethod(name string) (methodFunc, error) {
	fn, ok := ch.methods[name]
	if !ok {
		return nil, errorErrorf("no method %q in schema %d-%d", name, ch.schema.Major, ch.schema.Minor)
	}
	return fn, nil
}

// Invoke sends the named method ("class.method") with positional
// arguments and blocks for its reply, result, or completion as the
// method's declaration requires. Methods with neither reply nor
// result return (nil, nil) on success.
func (ch *Channel) Invoke(name string, args ...interface{}) (*Message, error) {
	fn, err := ch.lookupMethod(name)
	if err != nil {
		return nil, err
	}
	msg, _, err := fn(args, nil, true)
	return msg, err
}

// InvokeKW is Invoke with keyword arguments. The "content" key, if
// present, must hold a *Content and is sent as framed content rather
// than a method field.
func (ch *Channel) InvokeKW(name string, kwargs map[string]interface{}) (*Message, error) {
	fn, err := ch.lookupMethod(name)
	if err != nil {
		return nil, err
	}
	msg, _, err := fn(nil, kwargs, true)
	return msg, err
}

// InvokeAsync sends the named method without blocking for its
// outcome. The returned future, when non-nil, settles with the reply
// or result *Message, or with the close reason.
func (ch *Channel) InvokeAsync(name string, args ...interface{}) (*Future, error) {
	fn, err := ch.lookupMethod(name)
	if err != nil {
		return nil, err
	}
	_, future, err := fn(args, nil, false)
	return future, err
}

// InvokeAsyncKW is InvokeAsync with keyword arguments.
func (ch *Channel) InvokeAsyncKW(name string, kwargs map[string]interface{}) (*Future, error) {
	fn, err := ch.lookupMethod(name)
	if err != nil {
		return nil, err
	}
	_, future, err := fn(nil, kwargs, false)
	return future, err
}
