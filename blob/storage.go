package blob

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/storage"
	"github.com/amenzhinsky/iotsession/transport"
	"github.com/pkg/errors"
)

// NewStorageUploader creates an uploader backed by the azure storage client.
func NewStorageUploader(opts ...Option) *StorageUploader {
	return &StorageUploader{opts: newOptions(opts)}
}

// StorageUploader uploads block blobs with the azure storage client
// authenticated by the container SAS token.
type StorageUploader struct {
	opts *options
}

var _ Uploader = (*StorageUploader)(nil)

func (u *StorageUploader) Upload(ctx context.Context, fu *transport.FileUpload, r io.Reader, size int64) error {
	uri, err := url.Parse(fu.ContainerURI())
	if err != nil {
		return errors.Wrap(err, "parse container uri")
	}
	c, err := storage.GetContainerReferenceFromSASURI(*uri)
	if err != nil {
		return errors.Wrap(err, "container reference")
	}

	var po *storage.PutBlobOptions
	if deadline, ok := ctx.Deadline(); ok {
		if s := time.Until(deadline) / time.Second; s > 0 {
			po = &storage.PutBlobOptions{Timeout: uint(s)}
		}
	}

	b := c.GetBlobReference(fu.BlobName)
	u.opts.logger.Debugf("uploading block blob %s/%s", fu.ContainerName, fu.BlobName)
	if err = b.CreateBlockBlobFromReader(limit(ctx, r, size), po); err != nil {
		return errors.Wrap(err, "create block blob")
	}
	return nil
}
