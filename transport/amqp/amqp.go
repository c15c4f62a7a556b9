// Package amqp implements the IoT Hub device AMQP transport,
// it supports device-to-cloud and cloud-to-device messages only.
package amqp

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/credentials"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/pkg/errors"
	"pack.ag/amqp"
)

const (
	tokenUpdateInterval = time.Hour

	// tokens are renewed before they expire so the broker
	// doesn't detach links in the middle of the message flow
	tokenUpdateSpan = 10 * time.Minute
)

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets logger for errors and warnings
// plus debug messages when it's enabled.
func WithLogger(l common.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithConnOption appends an option to the amqp connection options.
func WithConnOption(opt amqp.ConnOption) TransportOption {
	return func(tr *Transport) {
		tr.opts = append(tr.opts, opt)
	}
}

// WithRetryPolicy changes how connecting and sending are retried.
func WithRetryPolicy(p transport.RetryPolicy) TransportOption {
	return func(tr *Transport) {
		tr.retry = p
	}
}

// New returns new AMQP transport.
func New(opts ...TransportOption) *Transport {
	tr := &Transport{
		logger: common.NopLogger,
		retry:  transport.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Transport is the AMQP transport.
type Transport struct {
	mu     sync.RWMutex
	logger common.Logger
	retry  transport.RetryPolicy
	opts   []amqp.ConnOption

	conn  *amqp.Client
	sess  *amqp.Session
	creds transport.Credentials

	sendMu sync.Mutex
	send   *amqp.Sender

	cbsMu sync.Mutex // serializes put-token exchanges

	ctx    context.Context
	cancel context.CancelFunc
	events chan *transport.Event
	lost   *sync.Once
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func (tr *Transport) Name() string {
	return "amqp"
}

func (tr *Transport) SetLogger(logger common.Logger) {
	tr.mu.Lock()
	tr.logger = logger
	tr.mu.Unlock()
}

// SetOption supports no options.
func (tr *Transport) SetOption(name string, value interface{}) error {
	return &transport.UnsupportedOptionError{Name: name, Transport: tr.Name()}
}

func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.conn != nil {
		return errors.New("already connected")
	}
	if _, err := creds.GenerateToken(audience(creds)); err != nil {
		return &transport.AuthError{Err: err}
	}

	if err := transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
		return tr.dial(ctx, creds)
	}); err != nil {
		return err
	}
	tr.creds = creds
	tr.ctx, tr.cancel = context.WithCancel(context.Background())
	tr.events = make(chan *transport.Event, 10)
	tr.lost = &sync.Once{}

	tr.wg.Add(1)
	go func(ctx context.Context) {
		defer tr.wg.Done()
		tr.putTokenContinuously(ctx)
	}(tr.ctx)
	return nil
}

// dial opens the connection and authorizes it with a put-token exchange.
func (tr *Transport) dial(ctx context.Context, creds transport.Credentials) error {
	host := creds.GetHostName()
	opts := append([]amqp.ConnOption{
		amqp.ConnTLSConfig(common.TLSConfig(host)),
		amqp.ConnSASLAnonymous(),
	}, tr.opts...)
	conn, err := amqp.Dial("amqps://"+host, opts...)
	if err != nil {
		return &transport.NetworkError{Err: err}
	}
	sess, err := conn.NewSession()
	if err != nil {
		_ = conn.Close()
		return &transport.NetworkError{Err: err}
	}
	if err = putToken(ctx, sess, creds); err != nil {
		_ = conn.Close()
		return err
	}
	tr.conn, tr.sess = conn, sess
	tr.logger.Debugf("connected to %s", host)
	return nil
}

func audience(creds transport.Credentials) string {
	return creds.GetHostName() + "/devices/" + url.PathEscape(creds.GetDeviceID())
}

// putTokenContinuously renews the token until ctx is done,
// failing to do that is considered a connection loss.
func (tr *Transport) putTokenContinuously(ctx context.Context) {
	t := time.NewTimer(tokenUpdateInterval - tokenUpdateSpan)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		tr.mu.RLock()
		sess, creds := tr.sess, tr.creds
		tr.mu.RUnlock()

		tr.cbsMu.Lock()
		err := putToken(ctx, sess, creds)
		tr.cbsMu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				tr.connectionLost(ctx, errors.Wrap(err, "token renewal"))
			}
			return
		}
		tr.logger.Debugf("token renewed")
		t.Reset(tokenUpdateInterval - tokenUpdateSpan)
	}
}

// putToken authorizes the device link with a claims-based security token.
func putToken(ctx context.Context, sess *amqp.Session, creds transport.Credentials) error {
	aud := audience(creds)
	token, err := creds.GenerateToken(aud, credentials.WithDuration(tokenUpdateInterval))
	if err != nil {
		return &transport.AuthError{Err: err}
	}

	send, err := sess.NewSender(amqp.LinkTargetAddress("$cbs"))
	if err != nil {
		return &transport.NetworkError{Err: err}
	}
	defer send.Close(context.Background())

	recv, err := sess.NewReceiver(amqp.LinkSourceAddress("$cbs"))
	if err != nil {
		return &transport.NetworkError{Err: err}
	}
	defer recv.Close(context.Background())

	if err = send.Send(ctx, &amqp.Message{
		Value: token,
		Properties: &amqp.MessageProperties{
			To:      "$cbs",
			ReplyTo: "cbs",
		},
		ApplicationProperties: map[string]interface{}{
			"operation": "put-token",
			"type":      "azure-devices.net:sastoken",
			"name":      aud,
		},
	}); err != nil {
		return &transport.NetworkError{Err: err}
	}

	msg, err := recv.Receive(ctx)
	if err != nil {
		return &transport.NetworkError{Err: err}
	}
	if err = msg.Accept(); err != nil {
		return &transport.NetworkError{Err: err}
	}
	return checkMessageResponse(msg)
}

// checkMessageResponse checks for 200 response code otherwise returns an error,
// rejected tokens are reported as authentication errors.
func checkMessageResponse(msg *amqp.Message) error {
	rc, ok := msg.ApplicationProperties["status-code"].(int32)
	if !ok {
		return errors.New("unable to typecast status-code")
	}
	if rc == 200 || rc == 202 {
		return nil
	}
	rd, _ := msg.ApplicationProperties["status-description"].(string)
	err := fmt.Errorf("code = %d, description = %q", rc, rd)
	switch {
	case rc == 401 || rc == 403:
		return &transport.AuthError{Err: err}
	case rc >= 500:
		return &transport.NetworkError{Err: err}
	default:
		return err
	}
}

// Subscribe attaches the cloud-to-device receiver link.
func (tr *Transport) Subscribe(ctx context.Context) error {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.conn == nil {
		return transport.ErrNotConnected
	}
	recv, err := tr.sess.NewReceiver(
		amqp.LinkSourceAddress("/devices/" + url.PathEscape(tr.creds.GetDeviceID()) + "/messages/devicebound"),
	)
	if err != nil {
		return &transport.NetworkError{Err: err}
	}
	tr.wg.Add(1)
	go func(ctx context.Context) {
		defer tr.wg.Done()
		tr.receive(ctx, recv)
	}(tr.ctx)
	return nil
}

func (tr *Transport) receive(ctx context.Context, recv *amqp.Receiver) {
	defer recv.Close(context.Background())
	for {
		m, err := recv.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				tr.connectionLost(ctx, err)
			}
			return
		}
		msg := fromAMQP(m)
		tr.logger.Debugf("received message %q", msg.MessageID)
		select {
		case tr.events <- &transport.Event{
			Kind:    transport.EventMessage,
			Message: msg,
			SettleFunc: func(d transport.Disposition) error {
				return settle(m, d)
			},
		}:
		case <-ctx.Done():
			return
		}
	}
}

func settle(m *amqp.Message, d transport.Disposition) error {
	switch d {
	case transport.Accepted:
		return m.Accept()
	case transport.Rejected:
		return m.Reject(nil)
	case transport.Abandoned:
		return m.Release()
	default:
		return errors.Errorf("unknown disposition %d", d)
	}
}

func (tr *Transport) Events() <-chan *transport.Event {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.events
}

func (tr *Transport) Send(ctx context.Context, msg *common.Message, done transport.AckFunc) error {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.conn == nil {
		return transport.ErrNotConnected
	}
	target := "/devices/" + url.PathEscape(tr.creds.GetDeviceID()) + "/messages/events"
	m := toAMQP(msg, target)

	tr.wg.Add(1)
	go func(ctx context.Context) {
		err := transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
			return tr.sendMessage(ctx, target, m)
		})
		if err != nil && transport.IsNetworkError(err) {
			tr.connectionLost(ctx, err)
		}
		// acks run outside of the wait group so they can close the transport
		tr.wg.Done()
		if err != nil {
			done(nil, err)
			return
		}
		done(&transport.Ack{}, nil)
	}(tr.ctx)
	return nil
}

// sendMessage sends m over the events link, the link is attached
// on first use and reattached after failures.
func (tr *Transport) sendMessage(ctx context.Context, target string, m *amqp.Message) error {
	tr.sendMu.Lock()
	defer tr.sendMu.Unlock()
	if tr.send == nil {
		tr.mu.RLock()
		sess := tr.sess
		tr.mu.RUnlock()
		if sess == nil {
			return transport.ErrNotConnected
		}
		send, err := sess.NewSender(amqp.LinkTargetAddress(target))
		if err != nil {
			return &transport.NetworkError{Err: err}
		}
		tr.send = send
	}
	if err := tr.send.Send(ctx, m); err != nil {
		if ctx.Err() != nil {
			return err
		}
		_ = tr.send.Close(context.Background())
		tr.send = nil
		return &transport.NetworkError{Err: err}
	}
	return nil
}

// UpdateTwin is not available in the AMQP transport.
func (tr *Transport) UpdateTwin(ctx context.Context, patch []byte, done transport.AckFunc) error {
	return transport.ErrNotSupported
}

// connectionLost reports the first unrecoverable error of the connection.
func (tr *Transport) connectionLost(ctx context.Context, err error) {
	tr.mu.RLock()
	once, events := tr.lost, tr.events
	tr.mu.RUnlock()
	if once == nil {
		return
	}
	once.Do(func() {
		tr.logger.Errorf("giving up: %s", err)
		select {
		case events <- &transport.Event{
			Kind: transport.EventConnectionLost,
			Err:  &transport.ConnectionLostError{Err: err},
		}:
		case <-ctx.Done():
		}
	})
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	conn, cancel := tr.conn, tr.cancel
	tr.conn, tr.sess, tr.cancel = nil, nil, nil
	tr.mu.Unlock()
	if conn == nil {
		return nil
	}
	cancel()
	err := conn.Close()
	tr.wg.Wait()

	tr.sendMu.Lock()
	tr.send = nil
	tr.sendMu.Unlock()
	tr.logger.Debugf("closed")
	return err
}
