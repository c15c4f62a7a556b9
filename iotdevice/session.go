package iotdevice

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amenzhinsky/iotsession/blob"
	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type sessionConfig struct {
	tr     transport.Transport
	files  transport.FileTransport
	blobs  blob.Uploader
	creds  transport.Credentials
	subs   *subscribers
	logger common.Logger

	messageTimeout func() time.Duration
	sweepInterval  time.Duration
}

// session is a single connection lifetime, once it's closed
// or faulted the client has to create a new one.
//
// The state is changed only by compare-and-swap so concurrent
// transition requests cannot both win.
type session struct {
	sessionConfig

	state   atomic.Int32
	tracker *tracker
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	asyncMu      sync.Mutex
	asyncStopped bool
	async        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func newSession(cfg sessionConfig) *session {
	m := &Metrics{}
	s := &session{
		sessionConfig: cfg,
		metrics:       m,
		tracker:       newTracker(m, cfg.logger),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// State returns the current session state.
func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) transition(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.logger.Debugf("session %s -> %s", from, to)
	return true
}

// Err returns the error that faulted the session.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) connect(ctx context.Context) error {
	if !s.transition(StateIdle, StateConnecting) {
		return errors.Errorf("cannot connect in %s state", s.State())
	}
	if err := s.tr.Connect(ctx, s.creds); err != nil {
		s.fault(err)
		return errors.Wrapf(err, "%s connect", s.tr.Name())
	}
	if tr, ok := s.files.(transport.Transport); ok && tr != s.tr {
		if err := tr.Connect(ctx, s.creds); err != nil {
			s.logger.Warnf("file uploads are unavailable: %s", err)
		}
	}
	if !s.transition(StateConnecting, StateAuthenticated) {
		return ErrNotConnected
	}
	if err := s.tr.Subscribe(ctx); err != nil {
		s.fault(err)
		return errors.Wrapf(err, "%s subscribe", s.tr.Name())
	}

	var gctx context.Context
	s.group, gctx = errgroup.WithContext(s.ctx)
	events := s.tr.Events()
	s.group.Go(func() error {
		return s.pump(gctx, events)
	})
	s.group.Go(func() error {
		return s.sweep(gctx)
	})

	if !s.transition(StateAuthenticated, StateActive) {
		if err := s.Err(); err != nil {
			return err
		}
		return ErrNotConnected
	}
	s.logger.Infof("connected to %s over %s", s.creds.GetHostName(), s.tr.Name())
	s.notify(ConnectionAuthenticated, ReasonOK)
	return nil
}

// pump dispatches inbound events sequentially until ctx is done.
func (s *session) pump(ctx context.Context, events <-chan *transport.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.fault(transport.ErrConnectionLost)
				return nil
			}
			s.dispatch(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *session) dispatch(ctx context.Context, ev *transport.Event) {
	s.metrics.incInbound(ev.Kind)
	switch ev.Kind {
	case transport.EventMessage:
		if ev.Message == nil {
			s.logger.Warnf("message event without a message")
			return
		}
		s.logger.Debugf("cloud-to-device message %q", ev.Message.MessageID)
		d := s.subs.dispatchMessage(ev.Message)
		if err := ev.Settle(d); err != nil {
			s.logger.Errorf("message %q %s error: %s", ev.Message.MessageID, d, err)
		}
	case transport.EventTwinUpdate:
		if !s.subs.dispatchTwin(ev.TwinState, ev.Payload) {
			s.logger.Debugf("twin %s update has no handler", ev.TwinState)
		}
	case transport.EventMethod:
		s.respond(ctx, ev)
	case transport.EventConnectionLost:
		var err error = &transport.ConnectionLostError{Err: ev.Err}
		if errors.Is(ev.Err, transport.ErrConnectionLost) {
			err = ev.Err
		}
		s.fault(err)
	default:
		s.logger.Warnf("unknown event kind %d", ev.Kind)
	}
}

func (s *session) respond(ctx context.Context, ev *transport.Event) {
	status, payload := s.subs.dispatchMethod(ev.Method, ev.Payload)
	s.logger.Debugf("method %q replies with %d", ev.Method, status)
	id, err := s.tracker.submit(OpMethodResponse, nil, nil, 0, func(c *Completion) {
		if c.Result != ResultOK {
			s.logger.Errorf("method %q reply %s: %v", ev.Method, c.Result, c.Err)
		}
	})
	if err != nil {
		s.logger.Warnf("method %q reply dropped: %s", ev.Method, err)
		return
	}
	if err = ev.Respond(ctx, status, payload, s.ackFunc(id)); err != nil && s.tracker.abort(id) {
		s.logger.Errorf("method %q reply error: %s", ev.Method, err)
	}
}

func (s *session) sweep(ctx context.Context) error {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			s.tracker.sweep(now)
		case <-ctx.Done():
			return nil
		}
	}
}

// submit registers an operation and hands it over to the transport,
// operations refused by the transport are never completed.
func (s *session) submit(
	kind OpKind,
	userContext interface{},
	msg *common.Message,
	fn completionFunc,
	call func(done transport.AckFunc) error,
) (OperationID, error) {
	if s.State() != StateActive {
		return 0, ErrNotConnected
	}
	var timeout time.Duration
	if kind == OpSend || kind == OpTwinUpdate {
		timeout = s.messageTimeout()
	}
	id, err := s.tracker.submit(kind, userContext, msg, timeout, fn)
	if err != nil {
		return 0, err
	}
	if err = call(s.ackFunc(id)); err != nil && s.tracker.abort(id) {
		return 0, err
	}
	return id, nil
}

func (s *session) ackFunc(id OperationID) transport.AckFunc {
	return func(ack *transport.Ack, err error) {
		c := &Completion{Result: ResultOK}
		if ack != nil {
			c.Status = ack.StatusCode
			c.Version = ack.Version
		}
		if err != nil {
			c.Result = ResultFailure
			c.Err = err
		}
		if err = s.tracker.complete(id, c); err != nil {
			s.logger.Errorf("completion error: %s", err)
		}
	}
}

// goAsync runs fn in a goroutine that close waits for,
// it returns false when the session is stopping.
func (s *session) goAsync(fn func(ctx context.Context)) bool {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	if s.asyncStopped {
		return false
	}
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *session) stopAsync() {
	s.asyncMu.Lock()
	s.asyncStopped = true
	s.asyncMu.Unlock()
	s.cancel()
}

// fault moves the session to the terminal Faulted state,
// all pending operations fail with err.
func (s *session) fault(err error) {
	for {
		st := s.State()
		if st.terminal() || st == StateClosing {
			return
		}
		if s.transition(st, StateFaulted) {
			break
		}
	}

	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()

	s.logger.Errorf("session faulted: %s", err)
	n := s.tracker.drain(ResultFailure, err)
	if n != 0 {
		s.logger.Warnf("%d pending operations failed", n)
	}
	s.stopAsync()
	if cerr := s.closeTransports(); cerr != nil {
		s.logger.Warnf("%s close error: %s", s.tr.Name(), cerr)
	}
	s.notify(ConnectionUnauthenticated, reasonOf(err))
}

func reasonOf(err error) ConnectionStatusReason {
	switch {
	case transport.IsAuthError(err):
		return ReasonBadCredential
	case transport.IsNetworkError(err):
		return ReasonNoNetwork
	default:
		return ReasonCommunicationError
	}
}

// close cancels pending operations, stops the background goroutines
// and closes the transport, it's a no-op for terminated sessions.
//
// Only closing the transport is waited for, bounded by ctx, so it
// can be called from any handler. The session becomes Closed once
// the transport is closed even when ctx is done earlier.
func (s *session) close(ctx context.Context) error {
	for {
		st := s.State()
		switch st {
		case StateClosed, StateFaulted, StateClosing:
			return nil
		case StateConnecting, StateAuthenticated:
			return errors.Errorf("cannot close in %s state", st)
		case StateIdle:
			if s.transition(st, StateClosed) {
				s.cancel()
				return nil
			}
			continue
		}
		if s.transition(StateActive, StateClosing) {
			break
		}
	}

	if n := s.tracker.drain(ResultCancelled, ErrCancelled); n != 0 {
		s.logger.Infof("%d pending operations cancelled", n)
	}
	s.stopAsync()
	go func() {
		if err := s.wait(); err != nil {
			s.logger.Warnf("background error: %s", err)
		}
	}()

	done := make(chan error, 1)
	go func() {
		err := s.closeTransports()
		s.transition(StateClosing, StateClosed)
		s.notify(ConnectionUnauthenticated, ReasonClientClose)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeTransports closes the main transport and
// the file upload one when it's a separate connection.
func (s *session) closeTransports() error {
	err := s.tr.Close()
	if tr, ok := s.files.(transport.Transport); ok && tr != s.tr {
		if cerr := tr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// wait waits for the background goroutines to exit.
func (s *session) wait() error {
	s.async.Wait()
	if s.group != nil {
		return s.group.Wait()
	}
	return nil
}

func (s *session) notify(status ConnectionStatus, reason ConnectionStatusReason) {
	if fn := s.subs.status(); fn != nil {
		fn(status, reason)
	}
}

// upload runs the three upload phases in the background:
// negotiating a storage slot, streaming the blob and notifying the outcome.
func (s *session) upload(
	name string, r io.Reader, size int64, userContext interface{}, fn completionFunc,
) (OperationID, error) {
	if s.State() != StateActive {
		return 0, ErrNotConnected
	}
	if s.files == nil || s.blobs == nil {
		return 0, transport.ErrNotSupported
	}
	id, err := s.tracker.submit(OpUpload, userContext, nil, 0, fn)
	if err != nil {
		return 0, err
	}
	s.goAsync(func(ctx context.Context) {
		c := &Completion{Result: ResultOK}
		if err := s.uploadBlob(ctx, name, r, size); err != nil {
			s.logger.Errorf("upload %q error: %s", name, err)
			c.Result = ResultFailure
			c.Err = err
		}
		if err := s.tracker.complete(id, c); err != nil {
			s.logger.Errorf("completion error: %s", err)
		}
	})
	return id, nil
}

func (s *session) uploadBlob(ctx context.Context, name string, r io.Reader, size int64) error {
	u, err := s.files.CreateFileUpload(ctx, name)
	if err != nil {
		return errors.Wrap(err, "create file upload")
	}
	s.logger.Debugf("uploading %q to %s/%s", name, u.HostName, u.ContainerName)

	code, desc := 200, "upload succeeded"
	uerr := s.blobs.Upload(ctx, u, r, size)
	if uerr != nil {
		code, desc = 500, uerr.Error()
	}
	if err = s.files.NotifyFileUpload(ctx, u.CorrelationID, uerr == nil, code, desc); err != nil {
		if uerr == nil {
			return errors.Wrap(err, "notify file upload")
		}
		s.logger.Warnf("notify file upload error: %s", err)
	}
	if uerr != nil {
		return errors.Wrap(uerr, "upload blob")
	}
	return nil
}
