// Package blob streams file uploads into the storage slots
// negotiated by a transport.FileTransport.
package blob

import (
	"context"
	"io"
	"net/http"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/transport"
)

// Uploader streams blob content into a granted upload slot.
//
// Negative size means r is read until EOF.
type Uploader interface {
	Upload(ctx context.Context, u *transport.FileUpload, r io.Reader, size int64) error
}

// Option is an uploader configuration option.
type Option func(o *options)

type options struct {
	logger common.Logger
	client *http.Client
}

// WithLogger sets the uploader logger.
func WithLogger(l common.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithHTTPClient sets the client used by HTTPUploader.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		logger: common.NopLogger,
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// limit wraps r so it's never read past size bytes
// and reading stops as soon as ctx is done.
func limit(ctx context.Context, r io.Reader, size int64) io.Reader {
	if size >= 0 {
		r = io.LimitReader(r, size)
	}
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(b []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(b)
}
