// Package http implements the IoT Hub device REST transport:
// device-to-cloud messages, long-polling for cloud-to-device
// messages and file upload negotiation.
package http

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/pkg/errors"
)

// DefaultMinPollingInterval is the default delay between cloud-to-device polls.
const DefaultMinPollingInterval = 1500 * time.Second

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets logger for errors and warnings
// plus debug messages when it's enabled.
func WithLogger(l common.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithClient sets client to use for HTTP requests.
func WithClient(c *http.Client) TransportOption {
	return func(tr *Transport) {
		tr.client = c
	}
}

// WithEndpoint overrides the https://{HostName} endpoint.
func WithEndpoint(u string) TransportOption {
	return func(tr *Transport) {
		tr.endpoint = strings.TrimRight(u, "/")
	}
}

// WithRetryPolicy changes how transient errors are retried.
func WithRetryPolicy(p transport.RetryPolicy) TransportOption {
	return func(tr *Transport) {
		tr.retry = p
	}
}

// WithFilesOnly makes the transport serve file uploads only,
// it never polls for cloud-to-device messages.
func WithFilesOnly() TransportOption {
	return func(tr *Transport) {
		tr.filesOnly = true
	}
}

// New returns new HTTP transport.
func New(opts ...TransportOption) *Transport {
	tr := &Transport{
		logger:     common.NopLogger,
		client:     http.DefaultClient,
		retry:      transport.DefaultRetryPolicy,
		minPolling: DefaultMinPollingInterval,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Transport is the HTTP transport, it has no persistent connection
// so connecting polls the hub once to validate credentials.
type Transport struct {
	mu        sync.RWMutex
	logger    common.Logger
	client    *http.Client
	endpoint  string
	retry     transport.RetryPolicy
	filesOnly bool

	timeout    time.Duration // per request, 0 means the client's default
	minPolling time.Duration

	creds  transport.Credentials
	ctx    context.Context
	cancel context.CancelFunc
	events chan *transport.Event
	lost   *sync.Once
	wg     sync.WaitGroup
}

var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.FileTransport = (*Transport)(nil)
)

func (tr *Transport) Name() string {
	return "http"
}

func (tr *Transport) SetLogger(logger common.Logger) {
	tr.mu.Lock()
	tr.logger = logger
	tr.mu.Unlock()
}

func (tr *Transport) SetOption(name string, value interface{}) error {
	switch name {
	case transport.OptionTimeout:
		n, err := transport.IntOption(name, value)
		if err != nil {
			return err
		}
		tr.mu.Lock()
		tr.timeout = time.Duration(n) * time.Millisecond
		tr.mu.Unlock()
		return nil
	case transport.OptionMinPollingInterval:
		n, err := transport.IntOption(name, value)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Errorf("option %s must be positive", name)
		}
		tr.mu.Lock()
		tr.minPolling = time.Duration(n) * time.Second
		tr.mu.Unlock()
		return nil
	default:
		return &transport.UnsupportedOptionError{Name: name, Transport: tr.Name()}
	}
}

func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials) error {
	if _, err := creds.GenerateToken(resource(creds)); err != nil {
		return &transport.AuthError{Err: err}
	}
	tr.mu.Lock()
	if tr.cancel != nil {
		tr.mu.Unlock()
		return errors.New("already connected")
	}
	tr.creds = creds
	tr.ctx, tr.cancel = context.WithCancel(context.Background())
	tr.events = make(chan *transport.Event, 10)
	tr.lost = &sync.Once{}
	lctx, filesOnly := tr.ctx, tr.filesOnly
	tr.mu.Unlock()
	if filesOnly {
		return nil
	}

	// the first poll makes the hub check credentials,
	// a message it returns is the first event
	var ev *transport.Event
	if err := transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
		var err error
		ev, err = tr.receive(ctx, lctx)
		return err
	}); err != nil {
		_ = tr.Close()
		return err
	}
	if ev != nil {
		tr.events <- ev
	}
	return nil
}

// Subscribe starts polling for cloud-to-device messages.
func (tr *Transport) Subscribe(ctx context.Context) error {
	tr.mu.RLock()
	filesOnly := tr.filesOnly
	tr.mu.RUnlock()
	if filesOnly {
		return nil
	}
	return tr.goWithLifetime(tr.poll)
}

func (tr *Transport) Events() <-chan *transport.Event {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.events
}

// goWithLifetime runs fn in a goroutine with the connection context
// that is cancelled on Close, Close waits for fn to return.
func (tr *Transport) goWithLifetime(fn func(ctx context.Context)) error {
	return tr.goWithAck(func(ctx context.Context) func() {
		fn(ctx)
		return nil
	})
}

// goWithAck is goWithLifetime that runs the returned function
// after Close stops waiting for the goroutine, so it may close the transport.
func (tr *Transport) goWithAck(fn func(ctx context.Context) func()) error {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.ctx == nil {
		return transport.ErrNotConnected
	}
	tr.wg.Add(1)
	go func(ctx context.Context) {
		ack := fn(ctx)
		tr.wg.Done()
		if ack != nil {
			ack()
		}
	}(tr.ctx)
	return nil
}

func (tr *Transport) Send(ctx context.Context, msg *common.Message, done transport.AckFunc) error {
	h := messageHeaders(msg)
	return tr.goWithAck(func(lctx context.Context) func() {
		err := transport.Retry(lctx, tr.retry, func(ctx context.Context) error {
			return tr.do(ctx, http.MethodPost, "/messages/events", nil, h, msg.Payload, http.StatusNoContent, nil)
		})
		if err != nil {
			if transport.IsNetworkError(err) {
				tr.connectionLost(lctx, err)
			}
			return func() { done(nil, err) }
		}
		return func() { done(&transport.Ack{StatusCode: http.StatusNoContent}, nil) }
	})
}

// UpdateTwin is not available in the HTTP transport.
func (tr *Transport) UpdateTwin(ctx context.Context, patch []byte, done transport.AckFunc) error {
	return transport.ErrNotSupported
}

func (tr *Transport) poll(ctx context.Context) {
	for {
		var ev *transport.Event
		err := transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
			var err error
			ev, err = tr.receive(ctx, ctx)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				tr.connectionLost(ctx, err)
			}
			return
		}
		if ev != nil && !tr.emit(ctx, ev) {
			return
		}

		tr.mu.RLock()
		d := tr.minPolling
		tr.mu.RUnlock()
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// receive fetches a single cloud-to-device message, nil means there is none.
// The message is settled within the connection lifetime lctx.
func (tr *Transport) receive(ctx, lctx context.Context) (*transport.Event, error) {
	var (
		msg  *common.Message
		etag string
	)
	if err := tr.do(ctx, http.MethodGet, "/messages/deviceBound", nil, nil, nil,
		http.StatusOK, func(res *http.Response) error {
			if res.StatusCode == http.StatusNoContent {
				return nil
			}
			b, err := ioutil.ReadAll(res.Body)
			if err != nil {
				return &transport.NetworkError{Err: err}
			}
			etag = strings.Trim(res.Header.Get("ETag"), `"`)
			msg = parseMessage(res.Header, b)
			return nil
		},
	); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	if etag == "" {
		return nil, errors.New("cloud-to-device message without a lock token")
	}
	tr.logger.Debugf("received message %q lock=%s", msg.MessageID, etag)
	return &transport.Event{
		Kind:    transport.EventMessage,
		Message: msg,
		SettleFunc: func(d transport.Disposition) error {
			return tr.settle(lctx, etag, d)
		},
	}, nil
}

// settle completes, rejects or abandons the locked message.
func (tr *Transport) settle(ctx context.Context, etag string, d transport.Disposition) error {
	method, path, q := http.MethodDelete, "/messages/deviceBound/"+url.PathEscape(etag), url.Values{}
	switch d {
	case transport.Accepted:
	case transport.Rejected:
		q.Set("reject", "")
	case transport.Abandoned:
		method, path = http.MethodPost, path+"/abandon"
	default:
		return errors.Errorf("unknown disposition %d", d)
	}
	return transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
		return tr.do(ctx, method, path, q, nil, nil, http.StatusNoContent, nil)
	})
}

func (tr *Transport) emit(ctx context.Context, ev *transport.Event) bool {
	select {
	case tr.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// connectionLost reports the first unrecoverable error of the connection.
func (tr *Transport) connectionLost(ctx context.Context, err error) {
	tr.mu.RLock()
	once := tr.lost
	tr.mu.RUnlock()
	once.Do(func() {
		tr.logger.Errorf("giving up: %s", err)
		tr.emit(ctx, &transport.Event{
			Kind: transport.EventConnectionLost,
			Err:  &transport.ConnectionLostError{Err: err},
		})
	})
}

func resource(creds transport.Credentials) string {
	return creds.GetHostName() + "/devices/" + url.PathEscape(creds.GetDeviceID())
}

// do performs a device-scoped request, classifies errors and
// passes successful responses to fn when it's not nil.
func (tr *Transport) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	header http.Header,
	body []byte,
	want int,
	fn func(res *http.Response) error,
) error {
	tr.mu.RLock()
	creds, endpoint, timeout, client := tr.creds, tr.endpoint, tr.timeout, tr.client
	tr.mu.RUnlock()
	if creds == nil {
		return transport.ErrNotConnected
	}
	if endpoint == "" {
		endpoint = "https://" + creds.GetHostName()
	}

	token, err := creds.GenerateToken(resource(creds))
	if err != nil {
		return &transport.AuthError{Err: err}
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", common.APIVersion)
	uri := endpoint + "/devices/" + url.PathEscape(creds.GetDeviceID()) + path + "?" + query.Encode()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, r)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", token)

	tr.logger.Debugf("%s %s", method, path)
	res, err := client.Do(req)
	if err != nil {
		return &transport.NetworkError{Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == want, res.StatusCode == http.StatusNoContent && fn != nil:
		if fn != nil {
			return fn(res)
		}
		return nil
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		return &transport.AuthError{Err: statusError(res)}
	case res.StatusCode == http.StatusTooManyRequests, res.StatusCode >= 500:
		return &transport.NetworkError{Err: statusError(res)}
	default:
		return statusError(res)
	}
}

func statusError(res *http.Response) error {
	b, _ := ioutil.ReadAll(io.LimitReader(res.Body, 512))
	if len(b) == 0 {
		return errors.Errorf("unexpected status code %d", res.StatusCode)
	}
	return errors.Errorf("unexpected status code %d: %s", res.StatusCode, b)
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	cancel := tr.cancel
	tr.cancel = nil
	tr.ctx = nil
	tr.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	tr.wg.Wait()
	tr.logger.Debugf("closed")
	return nil
}
