package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ParseConnectionString parses the given string into a Credentials struct.
//
// Supported formats:
// 	HostName=<host>;DeviceId=<id>;SharedAccessKey=<key>
// 	HostName=<host>;DeviceId=<id>;SharedAccessSignature=SharedAccessSignature sr=...
func ParseConnectionString(cs string) (*Credentials, error) {
	m := &Credentials{}
	for _, chunk := range strings.Split(cs, ";") {
		if chunk == "" {
			continue
		}
		c := strings.SplitN(chunk, "=", 2)
		if len(c) != 2 {
			return nil, errors.New("malformed connection string")
		}

		switch c[0] {
		case "HostName":
			m.HostName = c[1]
		case "DeviceId":
			m.DeviceID = c[1]
		case "SharedAccessKey":
			m.SharedAccessKey = c[1]
		case "SharedAccessKeyName":
			m.SharedAccessKeyName = c[1]
		case "SharedAccessSignature":
			m.SharedAccessSignature = c[1]
		default:
			return nil, errors.Errorf("unknown connection string attribute %q", c[0])
		}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Credentials is a device authorization entity.
type Credentials struct {
	HostName              string
	DeviceID              string
	SharedAccessKey       string
	SharedAccessKeyName   string
	SharedAccessSignature string // pre-generated token, used as is
}

func (c *Credentials) validate() error {
	switch {
	case c.HostName == "":
		return errors.New("HostName is blank")
	case c.DeviceID == "":
		return errors.New("DeviceId is blank")
	case c.SharedAccessKey == "" && c.SharedAccessSignature == "":
		return errors.New("either SharedAccessKey or SharedAccessSignature is required")
	case c.SharedAccessKey != "" && c.SharedAccessSignature != "":
		return errors.New("SharedAccessKey and SharedAccessSignature are mutually exclusive")
	}
	return nil
}

// GetHostName returns the broker host name.
func (c *Credentials) GetHostName() string {
	return c.HostName
}

// GetDeviceID returns the device identifier.
func (c *Credentials) GetDeviceID() string {
	return c.DeviceID
}

type token struct {
	duration time.Duration
	time     time.Time
}

// TokenOption is token generation option.
type TokenOption func(opts *token)

// WithDuration sets token duration.
func WithDuration(d time.Duration) TokenOption {
	return func(opts *token) {
		opts.duration = d
	}
}

// WithCurrentTime overrides current time clock.
func WithCurrentTime(t time.Time) TokenOption {
	return func(opts *token) {
		opts.time = t
	}
}

// GenerateToken generates a SAS token for the given uri.
// When the credentials carry a pre-generated signature it's returned unchanged.
//
// Default token duration is one hour.
func (c *Credentials) GenerateToken(uri string, opts ...TokenOption) (string, error) {
	if uri == "" {
		return "", errors.New("uri is blank")
	}
	if c.SharedAccessSignature != "" {
		return c.SharedAccessSignature, nil
	}
	if c.SharedAccessKey == "" {
		return "", errors.New("SharedAccessKey is blank")
	}

	topts := &token{
		duration: time.Hour,
		time:     time.Now(),
	}
	for _, opt := range opts {
		opt(topts)
	}

	sr := url.QueryEscape(uri)
	se := topts.time.Add(topts.duration).Unix()

	b, err := base64.StdEncoding.DecodeString(c.SharedAccessKey)
	if err != nil {
		return "", errors.Wrap(err, "decode SharedAccessKey")
	}

	// generate signature from uri and expiration time.
	e := fmt.Sprintf("%s\n%d", sr, se)
	h := hmac.New(sha256.New, b)
	if _, err = h.Write([]byte(e)); err != nil {
		return "", err
	}

	s := "SharedAccessSignature " +
		"sr=" + sr +
		"&sig=" + url.QueryEscape(base64.StdEncoding.EncodeToString(h.Sum(nil))) +
		"&se=" + url.QueryEscape(strconv.FormatInt(se, 10))
	if c.SharedAccessKeyName != "" {
		s += "&skn=" + url.QueryEscape(c.SharedAccessKeyName)
	}
	return s, nil
}
