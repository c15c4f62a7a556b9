package blob

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/amenzhinsky/iotsession/transport"
)

func newUpload(srv *httptest.Server) *transport.FileUpload {
	return &transport.FileUpload{
		CorrelationID: "corr",
		HostName:      srv.Listener.Addr().String(),
		ContainerName: "uploads",
		BlobName:      "dev/hello.txt",
		SASToken:      "?sig=secret",
	}
}

func TestHTTPUploader(t *testing.T) {
	t.Parallel()

	var body, blobType, path, sig string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want %s", r.Method, http.MethodPut)
		}
		b, err := ioutil.ReadAll(r.Body)
		if err != nil {
			t.Error(err)
		}
		body = string(b)
		blobType = r.Header.Get("x-ms-blob-type")
		path = r.URL.Path
		sig = r.URL.Query().Get("sig")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := NewHTTPUploader(WithHTTPClient(srv.Client()))
	if err := u.Upload(context.Background(), newUpload(srv), strings.NewReader("hello world"), 5); err != nil {
		t.Fatal(err)
	}
	if body != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
	if blobType != "BlockBlob" {
		t.Errorf("x-ms-blob-type = %q, want %q", blobType, "BlockBlob")
	}
	if path != "/uploads/dev/hello.txt" {
		t.Errorf("path = %q, want %q", path, "/uploads/dev/hello.txt")
	}
	if sig != "secret" {
		t.Errorf("sig = %q, want %q", sig, "secret")
	}
}

func TestHTTPUploaderStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("AuthenticationFailed"))
	}))
	defer srv.Close()

	u := NewHTTPUploader(WithHTTPClient(srv.Client()))
	err := u.Upload(context.Background(), newUpload(srv), strings.NewReader("x"), -1)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v, want a 403 error", err)
	}
}

func TestLimitStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := limit(ctx, strings.NewReader("payload"), -1)
	b := make([]byte, 3)
	if n, err := r.Read(b); err != nil || n != 3 {
		t.Fatalf("Read() = %d, %v", n, err)
	}
	cancel()
	if _, err := r.Read(b); err != context.Canceled {
		t.Fatalf("Read() after cancel error = %v, want %v", err, context.Canceled)
	}
}
