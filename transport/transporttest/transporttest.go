// Package transporttest provides an in-memory transport for session testing.
package transporttest

import (
	"context"
	"sync"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/transport"
)

// Outbound is an operation submitted to the transport
// and waiting for the test to acknowledge it.
type Outbound struct {
	Message *common.Message // Send
	Patch   []byte          // UpdateTwin
	Status  int             // method response
	Done    transport.AckFunc
}

// Ack acknowledges the operation successfully.
func (o *Outbound) Ack(code int) {
	o.Done(&transport.Ack{StatusCode: code}, nil)
}

// Option configures the fake transport.
type Option func(tr *Transport)

// WithConnectError makes Connect fail with err.
func WithConnectError(err error) Option {
	return func(tr *Transport) {
		tr.connectErr = err
	}
}

// WithSupportedOptions sets option names accepted by SetOption.
func WithSupportedOptions(names ...string) Option {
	return func(tr *Transport) {
		for _, n := range names {
			tr.supported[n] = true
		}
	}
}

// WithAutoAck acknowledges every outbound operation straight away.
func WithAutoAck() Option {
	return func(tr *Transport) {
		tr.autoAck = true
	}
}

// New creates a fake transport.
func New(opts ...Option) *Transport {
	tr := &Transport{
		supported: map[string]bool{},
		options:   map[string]interface{}{},
		outbound:  make(chan *Outbound, 128),
		events:    make(chan *transport.Event, 128),
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Transport is a fake transport.Transport implementation.
type Transport struct {
	mu         sync.Mutex
	connectErr error
	autoAck    bool
	supported  map[string]bool
	options    map[string]interface{}
	connected  bool
	subscribed bool
	connects   int
	sends      int
	closes     int

	outbound chan *Outbound
	events   chan *transport.Event
}

var _ transport.Transport = (*Transport)(nil)

func (tr *Transport) Name() string {
	return "fake"
}

func (tr *Transport) SetLogger(common.Logger) {}

func (tr *Transport) SetOption(name string, value interface{}) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.supported[name] {
		return &transport.UnsupportedOptionError{Name: name, Transport: tr.Name()}
	}
	tr.options[name] = value
	return nil
}

// Option returns the named option value set with SetOption.
func (tr *Transport) Option(name string) interface{} {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.options[name]
}

func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.connects++
	if tr.connectErr != nil {
		return tr.connectErr
	}
	tr.connected = true
	return nil
}

func (tr *Transport) Subscribe(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.connected {
		return transport.ErrNotConnected
	}
	tr.subscribed = true
	return nil
}

func (tr *Transport) Events() <-chan *transport.Event {
	return tr.events
}

func (tr *Transport) Send(ctx context.Context, msg *common.Message, done transport.AckFunc) error {
	return tr.submit(&Outbound{Message: msg, Done: done})
}

func (tr *Transport) UpdateTwin(ctx context.Context, patch []byte, done transport.AckFunc) error {
	return tr.submit(&Outbound{Patch: patch, Done: done})
}

func (tr *Transport) submit(o *Outbound) error {
	tr.mu.Lock()
	if !tr.connected {
		tr.mu.Unlock()
		return transport.ErrNotConnected
	}
	tr.sends++
	auto := tr.autoAck
	tr.mu.Unlock()

	if auto {
		go o.Ack(204)
		return nil
	}
	tr.outbound <- o
	return nil
}

// Outbound returns submitted operations not acknowledged automatically.
func (tr *Transport) Outbound() <-chan *Outbound {
	return tr.outbound
}

// Inject delivers the given event to the session.
func (tr *Transport) Inject(ev *transport.Event) {
	tr.events <- ev
}

// InjectMessage delivers a cloud-to-device message, its disposition is sent to the returned channel.
func (tr *Transport) InjectMessage(msg *common.Message) <-chan transport.Disposition {
	ch := make(chan transport.Disposition, 1)
	tr.Inject(&transport.Event{
		Kind:    transport.EventMessage,
		Message: msg,
		SettleFunc: func(d transport.Disposition) error {
			ch <- d
			return nil
		},
	})
	return ch
}

// InjectMethod delivers a method invocation, the reply is sent to the returned channel.
func (tr *Transport) InjectMethod(name string, payload []byte) <-chan *Outbound {
	ch := make(chan *Outbound, 1)
	tr.Inject(&transport.Event{
		Kind:    transport.EventMethod,
		Method:  name,
		Payload: payload,
		RespondFunc: func(ctx context.Context, status int, b []byte, done transport.AckFunc) error {
			o := &Outbound{Status: status, Patch: b, Done: done}
			ch <- o
			o.Ack(200)
			return nil
		},
	})
	return ch
}

// Sends returns the number of accepted Send and UpdateTwin calls.
func (tr *Transport) Sends() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sends
}

// Connects returns the number of Connect calls.
func (tr *Transport) Connects() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.connects
}

// Closes returns the number of Close calls.
func (tr *Transport) Closes() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closes
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closes++
	tr.connected = false
	tr.subscribed = false
	return nil
}
