package common

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// APIVersion is the IoT Hub REST and MQTT api version used by all transports.
const APIVersion = "2020-09-30"

// Message is a common message format for all device-facing protocols.
// This message format is used for both device-to-cloud and cloud-to-device messages.
//
// Once a message is handed to the client it must not be modified
// until its completion callback fires.
type Message struct {
	// MessageID is a user-settable identifier for the message used for request-reply patterns.
	MessageID string

	// CorrelationID is a string property in a response message that typically
	// contains the MessageId of the request, in request-reply patterns.
	CorrelationID string

	// To is a destination specified in cloud-to-device messages.
	To string

	// UserID is an ID used to specify the origin of messages.
	UserID string

	// ExpiryTime is time of message expiration.
	ExpiryTime time.Time

	// EnqueuedTime is time the cloud-to-device message was received by IoT Hub.
	EnqueuedTime time.Time

	// ContentType and ContentEncoding are used by message routing.
	ContentType     string
	ContentEncoding string

	// Payload is arbitrary data.
	Payload []byte

	// Properties are custom message properties (property bags).
	Properties map[string]string
}

// NewMessage creates a message with the given payload and no properties.
func NewMessage(payload []byte) *Message {
	return &Message{Payload: payload, Properties: map[string]string{}}
}

// SetProperty sets the named custom property replacing the previous value.
func (msg *Message) SetProperty(k, v string) {
	if msg.Properties == nil {
		msg.Properties = map[string]string{}
	}
	msg.Properties[k] = v
}

// Inspect is a human-readable message format.
func (msg *Message) Inspect() string {
	var b strings.Builder
	b.WriteString("--- PAYLOAD -------------\n")
	if len(msg.Payload) > 0 {
		b.WriteString(FormatPayload(msg.Payload))
	} else {
		b.WriteString("[empty]")
	}
	b.WriteString("\n--- PROPERTIES ----------\n")
	if len(msg.Properties) > 0 {
		b.WriteString(FormatProperties(msg.Properties))
	} else {
		b.WriteString("[empty]")
	}
	b.WriteString("\n--- METADATA ------------\n")

	meta := [][2]string{
		{"MessageID", msg.MessageID},
		{"CorrelationID", msg.CorrelationID},
		{"To", msg.To},
		{"UserID", msg.UserID},
		{"ContentType", msg.ContentType},
		{"ContentEncoding", msg.ContentEncoding},
	}
	if !msg.ExpiryTime.IsZero() {
		meta = append(meta, [2]string{"ExpiryTime", msg.ExpiryTime.String()})
	}
	if !msg.EnqueuedTime.IsZero() {
		meta = append(meta, [2]string{"EnqueuedTime", msg.EnqueuedTime.String()})
	}

	l := 0
	for _, kv := range meta {
		if kv[1] != "" && len(kv[0]) > l {
			l = len(kv[0])
		}
	}
	for _, kv := range meta {
		if kv[1] == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("%-"+fmt.Sprint(l)+"s : %s\n", kv[0], kv[1]))
	}
	b.WriteString("=========================")
	return b.String()
}

// FormatPayload converts b into sequence of hex words if it's not printable.
func FormatPayload(b []byte) string {
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return fmt.Sprintf("[% x]", b)
		}
	}
	return string(b)
}

// FormatProperties formats the given map of properties to a per key line string.
func FormatProperties(m map[string]string) string {
	p := 0
	o := make([]string, 0, len(m))
	for k := range m {
		if p < len(k) {
			p = len(k)
		}
		o = append(o, k)
	}
	sort.Strings(o)

	var b strings.Builder
	for i, k := range o {
		if i != 0 {
			b.WriteByte('\n')
		}
		b.WriteString(fmt.Sprintf("%-"+fmt.Sprint(p)+"s : %s", k, FormatPayload([]byte(m[k]))))
	}
	return b.String()
}
