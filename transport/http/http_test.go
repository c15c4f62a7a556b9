package http

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/credentials"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

const testConnectionString = "HostName=test.azure-devices.net;DeviceId=dev1;SharedAccessKey=c2VjcmV0"

var fastRetry = transport.RetryPolicy{
	MaxAttempts: 3,
	Backoff:     transport.BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond},
}

type request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

func newServer(t *testing.T, h func(w http.ResponseWriter, r *request), opts ...TransportOption) (*Transport, <-chan *request) {
	t.Helper()
	reqs := make(chan *request, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "SharedAccessSignature sr=") {
			t.Errorf("Authorization = %q, want a SAS token", r.Header.Get("Authorization"))
		}
		if v := r.URL.Query().Get("api-version"); v != common.APIVersion {
			t.Errorf("api-version = %q, want %q", v, common.APIVersion)
		}
		b, _ := ioutil.ReadAll(r.Body)
		q := r.URL.Query()
		q.Del("api-version")
		req := &request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  q.Encode(),
			Header: r.Header,
			Body:   string(b),
		}
		reqs <- req
		h(w, req)
	}))
	t.Cleanup(srv.Close)

	tr := New(append([]TransportOption{
		WithEndpoint(srv.URL), WithClient(srv.Client()), WithRetryPolicy(fastRetry),
	}, opts...)...)
	t.Cleanup(func() {
		if err := tr.Close(); err != nil {
			t.Error(err)
		}
	})
	return tr, reqs
}

func testCredentials(t *testing.T) transport.Credentials {
	t.Helper()
	creds, err := credentials.ParseConnectionString(testConnectionString)
	if err != nil {
		t.Fatal(err)
	}
	return creds
}

// newTransport returns a connected transport,
// the poll made by Connect is taken off reqs.
func newTransport(t *testing.T, h func(w http.ResponseWriter, r *request)) (*Transport, <-chan *request) {
	t.Helper()
	tr, reqs := newServer(t, h)
	if err := tr.Connect(context.Background(), testCredentials(t)); err != nil {
		t.Fatal(err)
	}
	if req := <-reqs; req.Method != http.MethodGet || req.Path != "/devices/dev1/messages/deviceBound" {
		t.Fatalf("connect request = %s %s", req.Method, req.Path)
	}
	return tr, reqs
}

// noContentPolls answers polls with no message and passes other requests to h.
func noContentPolls(h func(w http.ResponseWriter, r *request)) func(w http.ResponseWriter, r *request) {
	return func(w http.ResponseWriter, r *request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

type ackResult struct {
	ack *transport.Ack
	err error
}

func sendMessage(t *testing.T, tr *Transport, msg *common.Message) *ackResult {
	t.Helper()
	ch := make(chan *ackResult, 1)
	if err := tr.Send(context.Background(), msg, func(ack *transport.Ack, err error) {
		ch <- &ackResult{ack, err}
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("send timed out")
	}
	return nil
}

func TestSend(t *testing.T) {
	t.Parallel()

	tr, reqs := newTransport(t, func(w http.ResponseWriter, r *request) {
		w.WriteHeader(http.StatusNoContent)
	})
	msg := common.NewMessage([]byte("hello"))
	msg.MessageID = "mid-1"
	msg.SetProperty("foo", "bar")

	r := sendMessage(t, tr, msg)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.ack.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", r.ack.StatusCode, http.StatusNoContent)
	}

	req := <-reqs
	if req.Method != http.MethodPost || req.Path != "/devices/dev1/messages/events" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.Body != "hello" {
		t.Errorf("body = %q, want %q", req.Body, "hello")
	}
	for k, w := range map[string]string{
		"iothub-messageid": "mid-1",
		"iothub-app-foo":   "bar",
	} {
		if g := req.Header.Get(k); g != w {
			t.Errorf("header %s = %q, want %q", k, g, w)
		}
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var n int32
	tr, _ := newTransport(t, noContentPolls(func(w http.ResponseWriter, r *request) {
		if atomic.AddInt32(&n, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	if r := sendMessage(t, tr, common.NewMessage([]byte("x"))); r.err != nil {
		t.Fatal(r.err)
	}
	if g := atomic.LoadInt32(&n); g != 3 {
		t.Errorf("attempts = %d, want 3", g)
	}
}

func TestSendAuthErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var n int32
	tr, _ := newTransport(t, noContentPolls(func(w http.ResponseWriter, r *request) {
		atomic.AddInt32(&n, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	r := sendMessage(t, tr, common.NewMessage([]byte("x")))
	if !transport.IsAuthError(r.err) {
		t.Fatalf("err = %v, want an AuthError", r.err)
	}
	if g := atomic.LoadInt32(&n); g != 1 {
		t.Errorf("attempts = %d, want 1", g)
	}
}

func TestUpdateTwinNotSupported(t *testing.T) {
	t.Parallel()

	tr := New()
	if err := tr.UpdateTwin(context.Background(), []byte(`{}`), nil); err != transport.ErrNotSupported {
		t.Fatalf("UpdateTwin() = %v, want %v", err, transport.ErrNotSupported)
	}
}

func TestSetOption(t *testing.T) {
	t.Parallel()

	tr := New()
	if err := tr.SetOption(transport.OptionTimeout, 241000); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetOption(transport.OptionMinPollingInterval, 10); err != nil {
		t.Fatal(err)
	}
	if tr.timeout != 241*time.Second || tr.minPolling != 10*time.Second {
		t.Errorf("timeout = %s, minPolling = %s", tr.timeout, tr.minPolling)
	}
	if err := tr.SetOption(transport.OptionMinPollingInterval, 0); err == nil {
		t.Error("zero polling interval accepted")
	}
	if err := tr.SetOption(transport.OptionTrace, true); !transport.IsUnsupportedOption(err) {
		t.Errorf("SetOption(%s) = %v, want UnsupportedOptionError", transport.OptionTrace, err)
	}
}

func TestReceiveAndSettle(t *testing.T) {
	t.Parallel()

	var polls int32
	tr, reqs := newTransport(t, func(w http.ResponseWriter, r *request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if atomic.AddInt32(&polls, 1) > 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("ETag", `"lock-1"`)
		w.Header().Set("iothub-messageid", "m1")
		w.Header().Set("iothub-app-color", "red")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hi"))
	})
	if err := tr.SetOption(transport.OptionMinPollingInterval, 1); err != nil {
		t.Fatal(err)
	}
	if err := tr.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}

	var ev *transport.Event
	select {
	case ev = <-tr.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	if ev.Kind != transport.EventMessage {
		t.Fatalf("kind = %s, want %s", ev.Kind, transport.EventMessage)
	}
	if ev.Message.MessageID != "m1" || string(ev.Message.Payload) != "hi" {
		t.Errorf("message = %q %q", ev.Message.MessageID, ev.Message.Payload)
	}
	if diff := cmp.Diff(map[string]string{"color": "red"}, ev.Message.Properties); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}
	<-reqs // poll

	for _, s := range []struct {
		d      transport.Disposition
		method string
		path   string
		query  string
	}{
		{transport.Accepted, http.MethodDelete, "/devices/dev1/messages/deviceBound/lock-1", ""},
		{transport.Rejected, http.MethodDelete, "/devices/dev1/messages/deviceBound/lock-1", "reject="},
		{transport.Abandoned, http.MethodPost, "/devices/dev1/messages/deviceBound/lock-1/abandon", ""},
	} {
		if err := ev.Settle(s.d); err != nil {
			t.Fatalf("Settle(%s) error: %s", s.d, err)
		}
		var req *request
		for req = range reqs {
			if req.Method != http.MethodGet {
				break
			}
		}
		if req.Method != s.method || req.Path != s.path || req.Query != s.query {
			t.Errorf("Settle(%s) request = %s %s?%s, want %s %s?%s",
				s.d, req.Method, req.Path, req.Query, s.method, s.path, s.query)
		}
	}
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()

	for status, check := range map[int]func(error) bool{
		http.StatusInternalServerError: transport.IsNetworkError,
		http.StatusUnauthorized:        transport.IsAuthError,
	} {
		status, check := status, check
		var polls int32
		tr, _ := newTransport(t, func(w http.ResponseWriter, r *request) {
			if atomic.AddInt32(&polls, 1) == 1 {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.WriteHeader(status)
		})
		if err := tr.Subscribe(context.Background()); err != nil {
			t.Fatal(err)
		}
		select {
		case ev := <-tr.Events():
			if ev.Kind != transport.EventConnectionLost {
				t.Fatalf("kind = %s, want %s", ev.Kind, transport.EventConnectionLost)
			}
			if !errors.Is(ev.Err, transport.ErrConnectionLost) {
				t.Errorf("%d: err = %v, want %v", status, ev.Err, transport.ErrConnectionLost)
			}
			if !check(ev.Err) {
				t.Errorf("%d: err = %v, cause is lost", status, ev.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%d: no connection lost event", status)
		}
	}
}

func TestConnectUnauthorized(t *testing.T) {
	t.Parallel()

	tr, reqs := newServer(t, func(w http.ResponseWriter, r *request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := tr.Connect(context.Background(), testCredentials(t))
	if !transport.IsAuthError(err) {
		t.Fatalf("Connect() = %v, want an AuthError", err)
	}
	if len(reqs) != 1 {
		t.Errorf("requests = %d, want 1", len(reqs))
	}
	if err = tr.Send(context.Background(), common.NewMessage(nil), nil); err != transport.ErrNotConnected {
		t.Errorf("Send() = %v, want %v", err, transport.ErrNotConnected)
	}
}

func TestConnectUnreachable(t *testing.T) {
	t.Parallel()

	tr, _ := newServer(t, func(w http.ResponseWriter, r *request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if err := tr.Connect(context.Background(), testCredentials(t)); !transport.IsNetworkError(err) {
		t.Fatalf("Connect() = %v, want a NetworkError", err)
	}
}

func TestConnectHonoursContext(t *testing.T) {
	t.Parallel()

	tr, _ := newServer(t, func(w http.ResponseWriter, r *request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	tr.retry = transport.RetryPolicy{
		MaxAttempts: 1000,
		Backoff:     transport.BackoffConfig{Initial: 10 * time.Millisecond, Max: 10 * time.Millisecond},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.Connect(ctx, testCredentials(t)); err == nil {
		t.Fatal("Connect() = nil, want an error")
	}
	if ctx.Err() == nil {
		t.Error("Connect() returned before the context was done")
	}
}

func TestFilesOnlyDoesNotPoll(t *testing.T) {
	t.Parallel()

	tr, reqs := newServer(t, func(w http.ResponseWriter, r *request) {
		w.WriteHeader(http.StatusNoContent)
	}, WithFilesOnly())
	if err := tr.Connect(context.Background(), testCredentials(t)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case req := <-reqs:
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseFromAck(t *testing.T) {
	t.Parallel()

	tr, _ := newTransport(t, func(w http.ResponseWriter, r *request) {
		w.WriteHeader(http.StatusNoContent)
	})
	closed := make(chan error, 1)
	if err := tr.Send(context.Background(), common.NewMessage([]byte("bye")), func(*transport.Ack, error) {
		closed <- tr.Close()
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close called from an ack did not return")
	}
}

func TestFileUpload(t *testing.T) {
	t.Parallel()

	tr, reqs := newTransport(t, func(w http.ResponseWriter, r *request) {
		switch r.Path {
		case "/devices/dev1/files":
			_ = json.NewEncoder(w).Encode(&transport.FileUpload{
				CorrelationID: "corr-1",
				HostName:      "storage.blob.core.windows.net",
				ContainerName: "uploads",
				BlobName:      "dev1/data.bin",
				SASToken:      "?sig=x",
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	u, err := tr.CreateFileUpload(context.Background(), "data.bin")
	if err != nil {
		t.Fatal(err)
	}
	if u.CorrelationID != "corr-1" || u.ContainerName != "uploads" {
		t.Errorf("upload = %+v", u)
	}
	var create createFileUploadRequest
	if err = json.Unmarshal([]byte((<-reqs).Body), &create); err != nil {
		t.Fatal(err)
	}
	if create.BlobName != "data.bin" {
		t.Errorf("blobName = %q, want %q", create.BlobName, "data.bin")
	}

	if err = tr.NotifyFileUpload(context.Background(), u.CorrelationID, false, 500, "boom"); err != nil {
		t.Fatal(err)
	}
	var notify notifyFileUploadRequest
	if err = json.Unmarshal([]byte((<-reqs).Body), &notify); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(notifyFileUploadRequest{
		CorrelationID:     "corr-1",
		IsSuccess:         false,
		StatusCode:        500,
		StatusDescription: "boom",
	}, notify); diff != "" {
		t.Errorf("notification mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectBadCredentials(t *testing.T) {
	t.Parallel()

	tr := New()
	err := tr.Connect(context.Background(), &credentials.Credentials{
		HostName:        "test.azure-devices.net",
		DeviceID:        "dev1",
		SharedAccessKey: "%%%not-base64",
	})
	if !transport.IsAuthError(err) {
		t.Fatalf("Connect() = %v, want an AuthError", err)
	}
}
