package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/amenzhinsky/iotsession/common"
)

const appPropertyPrefix = "iothub-app-"

// messageHeaders maps message attributes to IoT Hub request headers.
func messageHeaders(msg *common.Message) http.Header {
	h := http.Header{}
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set("iothub-messageid", msg.MessageID)
	set("iothub-correlationid", msg.CorrelationID)
	set("iothub-userid", msg.UserID)
	set("iothub-to", msg.To)
	set("iothub-contenttype", msg.ContentType)
	set("iothub-contentencoding", msg.ContentEncoding)
	if !msg.ExpiryTime.IsZero() {
		h.Set("iothub-expiry", msg.ExpiryTime.UTC().Format(time.RFC3339))
	}
	if msg.ContentType != "" {
		h.Set("Content-Type", msg.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	for k, v := range msg.Properties {
		h.Set(appPropertyPrefix+k, v)
	}
	return h
}

// parseMessage builds a cloud-to-device message from response headers.
// Header names are case-insensitive so custom property names are lowercased.
func parseMessage(h http.Header, payload []byte) *common.Message {
	msg := &common.Message{
		MessageID:       h.Get("iothub-messageid"),
		CorrelationID:   h.Get("iothub-correlationid"),
		UserID:          h.Get("iothub-userid"),
		To:              h.Get("iothub-to"),
		ContentType:     h.Get("Content-Type"),
		ContentEncoding: h.Get("Content-Encoding"),
		ExpiryTime:      parseTime(h.Get("iothub-expiry")),
		EnqueuedTime:    parseTime(h.Get("iothub-enqueuedtime")),
		Payload:         payload,
		Properties:      map[string]string{},
	}
	for k, v := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, appPropertyPrefix) && len(v) != 0 {
			msg.Properties[lk[len(appPropertyPrefix):]] = v[0]
		}
	}
	return msg
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := http.ParseTime(s); err == nil {
		return t
	}
	return time.Time{}
}
