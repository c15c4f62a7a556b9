package blob

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/amenzhinsky/iotsession/transport"
	"github.com/pkg/errors"
)

// NewHTTPUploader creates an uploader that puts blobs with a single
// request to the blob SAS uri, it doesn't depend on the storage SDK.
func NewHTTPUploader(opts ...Option) *HTTPUploader {
	return &HTTPUploader{opts: newOptions(opts)}
}

// HTTPUploader uploads block blobs with plain HTTP PUT requests.
type HTTPUploader struct {
	opts *options
}

var _ Uploader = (*HTTPUploader)(nil)

func (u *HTTPUploader) Upload(ctx context.Context, fu *transport.FileUpload, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fu.BlobURI(), limit(ctx, r, size))
	if err != nil {
		return err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	u.opts.logger.Debugf("PUT %s/%s", fu.ContainerName, fu.BlobName)
	res, err := u.opts.client.Do(req)
	if err != nil {
		return &transport.NetworkError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		b, _ := ioutil.ReadAll(io.LimitReader(res.Body, 512))
		return errors.Errorf("unexpected status code %d: %s", res.StatusCode, b)
	}
	return nil
}
