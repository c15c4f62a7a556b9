package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/amenzhinsky/iotsession/transport"
	"github.com/pkg/errors"
)

var jsonHeader = http.Header{"Content-Type": {"application/json"}}

// CreateFileUpload requests a storage slot for the named blob.
func (tr *Transport) CreateFileUpload(ctx context.Context, blobName string) (*transport.FileUpload, error) {
	body, err := json.Marshal(&createFileUploadRequest{BlobName: blobName})
	if err != nil {
		return nil, err
	}

	var u transport.FileUpload
	if err = transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
		return tr.do(ctx, http.MethodPost, "/files", nil, jsonHeader, body, http.StatusOK,
			func(res *http.Response) error {
				if res.StatusCode != http.StatusOK {
					return errors.Errorf("unexpected status code %d", res.StatusCode)
				}
				return json.NewDecoder(res.Body).Decode(&u)
			},
		)
	}); err != nil {
		return nil, err
	}
	if u.CorrelationID == "" || u.HostName == "" || u.ContainerName == "" {
		return nil, errors.New("malformed file upload response")
	}
	if u.BlobName == "" {
		u.BlobName = blobName
	}
	return &u, nil
}

// NotifyFileUpload reports the upload outcome so the hub
// releases the slot and notifies the back-end.
func (tr *Transport) NotifyFileUpload(
	ctx context.Context, correlationID string, success bool, code int, desc string,
) error {
	body, err := json.Marshal(&notifyFileUploadRequest{
		CorrelationID:     correlationID,
		IsSuccess:         success,
		StatusCode:        code,
		StatusDescription: desc,
	})
	if err != nil {
		return err
	}
	return transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
		return tr.do(ctx, http.MethodPost, "/files/notifications", nil, jsonHeader, body, http.StatusNoContent, nil)
	})
}
