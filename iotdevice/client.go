// Package iotdevice implements the device-side session runtime: it owns
// the connection lifecycle, tracks asynchronous outbound operations
// and routes inbound events to registered handlers.
package iotdevice

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amenzhinsky/iotsession/blob"
	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/credentials"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/amenzhinsky/iotsession/transport/http"
	"github.com/pkg/errors"
)

// ClientOption is a client configuration option.
type ClientOption func(c *Client) error

// WithTransport sets the transport the client runs on, it's required.
func WithTransport(tr transport.Transport) ClientOption {
	return func(c *Client) error {
		c.tr = tr
		return nil
	}
}

// WithConnectionString same as WithCredentials,
// but it parses the given connection string first.
func WithConnectionString(cs string) ClientOption {
	return func(c *Client) error {
		creds, err := credentials.ParseConnectionString(cs)
		if err != nil {
			return err
		}
		c.creds = creds
		return nil
	}
}

// WithCredentials sets the device credentials.
func WithCredentials(creds transport.Credentials) ClientOption {
	return func(c *Client) error {
		c.creds = creds
		return nil
	}
}

// WithLogger changes the default logger, it's propagated to transports.
func WithLogger(l common.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithFileTransport sets the transport used to negotiate blob uploads
// when the main transport cannot do it, HTTP is used by default.
func WithFileTransport(ft transport.FileTransport) ClientOption {
	return func(c *Client) error {
		c.files = ft
		return nil
	}
}

// WithBlobUploader changes the storage client used to stream blobs.
func WithBlobUploader(u blob.Uploader) ClientOption {
	return func(c *Client) error {
		c.blobs = u
		return nil
	}
}

// WithSweepInterval sets how often pending operations are checked
// for expiration, the default is one second.
func WithSweepInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("sweep interval must be positive")
		}
		c.sweepInterval = d
		return nil
	}
}

// New creates a new device client.
//
// When no credentials are given the DEVICE_CONNECTION_STRING
// environment variable is used.
func New(opts ...ClientOption) (*Client, error) {
	c := &Client{
		subs:          &subscribers{},
		sweepInterval: time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = common.NewLoggerFromEnv("iotdevice", "IOTHUB_DEVICE_LOG_LEVEL")
	}
	if c.tr == nil {
		return nil, errors.New("transport is nil, consider using `WithTransport` option")
	}
	if c.creds == nil {
		cs := os.Getenv("DEVICE_CONNECTION_STRING")
		if cs == "" {
			return nil, errors.New("credentials are missing, consider using `WithConnectionString` option")
		}
		if err := WithConnectionString(cs)(c); err != nil {
			return nil, err
		}
	}
	if c.files == nil {
		if ft, ok := c.tr.(transport.FileTransport); ok {
			c.files = ft
		} else {
			c.files = http.New(http.WithFilesOnly())
		}
	}
	if c.blobs == nil {
		c.blobs = blob.NewStorageUploader(blob.WithLogger(c.logger))
	}

	c.tr.SetLogger(c.logger)
	if tr, ok := c.files.(transport.Transport); ok && tr != c.tr {
		tr.SetLogger(c.logger)
	}
	c.sess = c.newSession()
	return c, nil
}

// Client is a device client, it's safe for concurrent use.
//
// Every Connect after Close or a fault starts a new session,
// registered handlers and options are kept between sessions.
type Client struct {
	tr     transport.Transport
	files  transport.FileTransport
	blobs  blob.Uploader
	creds  transport.Credentials
	logger common.Logger
	subs   *subscribers

	sweepInterval  time.Duration
	messageTimeout atomic.Int64 // milliseconds

	mu   sync.Mutex
	sess *session
}

func (c *Client) newSession() *session {
	return newSession(sessionConfig{
		tr:     c.tr,
		files:  c.files,
		blobs:  c.blobs,
		creds:  c.creds,
		subs:   c.subs,
		logger: c.logger,
		messageTimeout: func() time.Duration {
			return time.Duration(c.messageTimeout.Load()) * time.Millisecond
		},
		sweepInterval: c.sweepInterval,
	})
}

func (c *Client) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// DeviceID returns the device identifier.
func (c *Client) DeviceID() string {
	return c.creds.GetDeviceID()
}

// Connect establishes the session, it blocks until the session
// is active or the connection attempt fails.
//
// Authentication errors are never retried, the session ends up faulted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sess.State().terminal() {
		c.sess = c.newSession()
	}
	s := c.sess
	c.mu.Unlock()
	return s.connect(ctx)
}

// State returns the current session state.
func (c *Client) State() State {
	return c.session().State()
}

// Err returns the error that faulted the current session, if any.
func (c *Client) Err() error {
	return c.session().Err()
}

// Metrics returns counters of the current session.
func (c *Client) Metrics() *Metrics {
	return c.session().metrics
}

// SetOption applies the named option.
//
// message-timeout-ms is applied by the client to every transport,
// others are validated and forwarded to the transport that
// returns an UnsupportedOptionError when it cannot apply them.
func (c *Client) SetOption(name string, value interface{}) error {
	switch name {
	case transport.OptionMessageTimeout:
		ms, err := transport.IntOption(name, value)
		if err != nil {
			return err
		}
		c.messageTimeout.Store(int64(ms))
		c.logger.Debugf("option %s set to %d", name, ms)
		return nil
	case transport.OptionTimeout, transport.OptionMinPollingInterval:
		n, err := transport.IntOption(name, value)
		if err != nil {
			return err
		}
		return c.tr.SetOption(name, n)
	case transport.OptionTrace:
		b, err := transport.BoolOption(name, value)
		if err != nil {
			return err
		}
		return c.tr.SetOption(name, b)
	default:
		return errors.Wrap(ErrUnknownOption, name)
	}
}

// SendConfirmationHandler receives device-to-cloud message outcomes.
type SendConfirmationHandler func(msg *common.Message, result Result, userContext interface{})

// SendEventAsync submits a device-to-cloud message, fn is invoked exactly
// once when the broker acknowledges it, it times out, fails or the
// client is closed. The message must not be modified until then.
//
// userContext is passed back to fn, comparable non-nil values have to be
// unique among pending sends.
func (c *Client) SendEventAsync(
	ctx context.Context, msg *common.Message, fn SendConfirmationHandler, userContext interface{},
) (OperationID, error) {
	if msg == nil {
		return 0, errors.New("message is nil")
	}
	return c.session().submit(OpSend, userContext, msg, func(comp *Completion) {
		if fn != nil {
			fn(comp.Message, comp.Result, comp.Context)
		}
	}, func(done transport.AckFunc) error {
		return c.tr.Send(ctx, msg, done)
	})
}

// ReportedStateHandler receives reported properties update outcomes,
// statusCode is the broker response code when there is one.
type ReportedStateHandler func(result Result, statusCode int, userContext interface{})

// SendReportedState submits a reported properties patch.
func (c *Client) SendReportedState(
	ctx context.Context, patch []byte, fn ReportedStateHandler, userContext interface{},
) (OperationID, error) {
	if len(patch) == 0 {
		return 0, errors.New("patch is empty")
	}
	return c.session().submit(OpTwinUpdate, userContext, nil, func(comp *Completion) {
		if fn != nil {
			fn(comp.Result, comp.Status, comp.Context)
		}
	}, func(done transport.AckFunc) error {
		return c.tr.UpdateTwin(ctx, patch, done)
	})
}

// UploadHandler receives blob upload outcomes.
type UploadHandler func(result Result, err error, userContext interface{})

// UploadBlobAsync uploads size bytes read from r to the named blob,
// negative size means reading until EOF. r is read from a background
// goroutine and must not be used until fn is invoked.
func (c *Client) UploadBlobAsync(
	ctx context.Context, blobName string, r io.Reader, size int64, fn UploadHandler, userContext interface{},
) (OperationID, error) {
	if blobName == "" {
		return 0, errors.New("blob name is blank")
	}
	if r == nil {
		return 0, errors.New("reader is nil")
	}
	return c.session().upload(blobName, r, size, userContext, func(comp *Completion) {
		if fn != nil {
			fn(comp.Result, comp.Err, comp.Context)
		}
	})
}

// SetMessageCallback registers the cloud-to-device message handler,
// nil unregisters it. Messages without a handler are abandoned.
func (c *Client) SetMessageCallback(fn MessageHandler) {
	if fn == nil {
		c.register(capMessage, nil)
		return
	}
	c.register(capMessage, fn)
}

// SetTwinCallback registers the twin document and desired properties handler.
func (c *Client) SetTwinCallback(fn TwinHandler) {
	if fn == nil {
		c.register(capTwin, nil)
		return
	}
	c.register(capTwin, fn)
}

// SetMethodCallback registers the direct methods handler,
// invocations without a handler are answered with 501.
func (c *Client) SetMethodCallback(fn MethodHandler) {
	if fn == nil {
		c.register(capMethod, nil)
		return
	}
	c.register(capMethod, fn)
}

// SetConnectionStatusCallback registers the connection status handler.
func (c *Client) SetConnectionStatusCallback(fn ConnectionStatusHandler) {
	if fn == nil {
		c.register(capStatus, nil)
		return
	}
	c.register(capStatus, fn)
}

func (c *Client) register(cp capability, fn interface{}) {
	if c.subs.set(cp, fn) {
		c.logger.Debugf("%s handler replaced", cp)
	}
}

// WaitIdle blocks until the current session has no pending operations.
func (c *Client) WaitIdle(ctx context.Context) error {
	return c.session().tracker.waitIdle(ctx)
}

// Close cancels all pending operations, their handlers are
// invoked with ResultCancelled, and closes the transport.
// ctx bounds waiting for the transport to close.
//
// It's safe to call Close from any handler.
func (c *Client) Close(ctx context.Context) error {
	return c.session().close(ctx)
}
