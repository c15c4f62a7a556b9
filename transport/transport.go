// Package transport defines the contract between the device session
// and the network protocols it runs on.
package transport

import (
	"context"
	"fmt"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/credentials"
)

// Transport interface.
//
// Send and UpdateTwin are asynchronous: the returned error reports
// submission failures only, the outcome is delivered by invoking the
// given AckFunc exactly once, usually from a transport goroutine.
type Transport interface {
	Name() string
	SetLogger(logger common.Logger)
	SetOption(name string, value interface{}) error
	Connect(ctx context.Context, creds Credentials) error
	Subscribe(ctx context.Context) error
	Events() <-chan *Event
	Send(ctx context.Context, msg *common.Message, done AckFunc) error
	UpdateTwin(ctx context.Context, patch []byte, done AckFunc) error
	Close() error
}

// FileTransport is implemented by transports that can negotiate blob uploads.
type FileTransport interface {
	CreateFileUpload(ctx context.Context, blobName string) (*FileUpload, error)
	NotifyFileUpload(ctx context.Context, correlationID string, success bool, code int, desc string) error
}

// FileUpload is an upload session granted by the broker.
type FileUpload struct {
	CorrelationID string `json:"correlationId"`
	HostName      string `json:"hostName"`
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
	SASToken      string `json:"sasToken"`
}

// ContainerURI is the storage container address including the SAS token.
func (u *FileUpload) ContainerURI() string {
	return fmt.Sprintf("https://%s/%s%s", u.HostName, u.ContainerName, u.SASToken)
}

// BlobURI is the storage blob address including the SAS token.
func (u *FileUpload) BlobURI() string {
	return fmt.Sprintf("https://%s/%s/%s%s", u.HostName, u.ContainerName, u.BlobName, u.SASToken)
}

// Credentials is what transports need to authenticate a device.
type Credentials interface {
	GetHostName() string
	GetDeviceID() string
	GenerateToken(uri string, opts ...credentials.TokenOption) (string, error)
}

// Ack is a successful outbound operation outcome.
type Ack struct {
	StatusCode int
	Version    int // twin updates only
}

// AckFunc receives the outcome of an asynchronous operation.
type AckFunc func(ack *Ack, err error)

// EventKind is the InboundEvent variant tag.
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventTwinUpdate
	EventMethod
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventTwinUpdate:
		return "twin-update"
	case EventMethod:
		return "method"
	case EventConnectionLost:
		return "connection-lost"
	default:
		return "unknown"
	}
}

// Disposition is the acknowledgment a subscriber returns for a cloud-to-device message.
type Disposition uint8

const (
	Accepted Disposition = iota
	Rejected
	Abandoned
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "ACCEPTED"
	case Rejected:
		return "REJECTED"
	case Abandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// TwinUpdateState tells whether a twin payload is the whole document or a desired patch.
type TwinUpdateState uint8

const (
	TwinComplete TwinUpdateState = iota
	TwinPartial
)

func (s TwinUpdateState) String() string {
	if s == TwinComplete {
		return "COMPLETE"
	}
	return "PARTIAL"
}

// Event is an inbound event.
type Event struct {
	Kind EventKind

	Message   *common.Message // EventMessage
	TwinState TwinUpdateState // EventTwinUpdate
	Method    string          // EventMethod
	Payload   []byte          // twin document or method payload
	Err       error           // EventConnectionLost

	// SettleFunc forwards a message disposition to the broker.
	SettleFunc func(d Disposition) error

	// RespondFunc sends a method invocation reply.
	RespondFunc func(ctx context.Context, status int, payload []byte, done AckFunc) error
}

// Settle forwards the disposition of a message event.
func (e *Event) Settle(d Disposition) error {
	if e.SettleFunc == nil {
		return nil
	}
	return e.SettleFunc(d)
}

// Respond replies to a method invocation event.
func (e *Event) Respond(ctx context.Context, status int, payload []byte, done AckFunc) error {
	if e.RespondFunc == nil {
		return ErrNotSupported
	}
	return e.RespondFunc(ctx, status, payload, done)
}
