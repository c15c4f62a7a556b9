// Package mqtt implements the IoT Hub device MQTT transport.
//
// See more: https://docs.microsoft.com/en-us/azure/iot-hub/iot-hub-mqtt-support
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/iotutil"
	"github.com/amenzhinsky/iotsession/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/pkg/errors"
)

// DefaultQoS is the only QoS level the hub supports for device messages.
const DefaultQoS = 1

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets logger for errors and warnings
// plus debug messages when it's enabled.
func WithLogger(l common.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithWebSocket makes the transport connect over websockets on port 443.
func WithWebSocket(enable bool) TransportOption {
	return func(tr *Transport) {
		tr.webSocket = enable
	}
}

// WithClientOptionsConfig configures the mqtt client before connecting.
func WithClientOptionsConfig(fn func(opts *mqtt.ClientOptions)) TransportOption {
	return func(tr *Transport) {
		tr.cocfg = fn
	}
}

// WithRetryPolicy changes how connecting, reconnecting and publishing are retried.
func WithRetryPolicy(p transport.RetryPolicy) TransportOption {
	return func(tr *Transport) {
		tr.retry = p
	}
}

// New returns new MQTT transport.
func New(opts ...TransportOption) *Transport {
	tr := &Transport{
		logger:    common.NopLogger,
		retry:     transport.DefaultRetryPolicy,
		reqs:      map[string]*request{},
		newClient: mqtt.NewClient,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Transport is the MQTT transport.
//
// Automatic reconnects of the mqtt client are disabled, the transport
// reconnects itself with bounded retries and resubscribes to all topics,
// when attempts are exhausted it reports the connection lost.
type Transport struct {
	mu        sync.RWMutex
	conn      mqtt.Client
	did       string
	logger    common.Logger
	webSocket bool
	trace     bool
	retry     transport.RetryPolicy
	cocfg     func(opts *mqtt.ClientOptions)
	newClient func(opts *mqtt.ClientOptions) mqtt.Client

	ctx    context.Context
	cancel context.CancelFunc
	events chan *transport.Event
	wg     sync.WaitGroup

	subm sync.Mutex
	subs []subscription

	ridg iotutil.RIDGenerator
	reqm sync.Mutex
	reqs map[string]*request
}

type subscription struct {
	topic   string
	handler mqtt.MessageHandler
}

// request is a twin request waiting for a response with the same rid.
type request struct {
	get  bool // full document request
	done transport.AckFunc
}

var _ transport.Transport = (*Transport)(nil)

func (tr *Transport) Name() string {
	return "mqtt"
}

func (tr *Transport) SetLogger(logger common.Logger) {
	tr.mu.Lock()
	tr.logger = logger
	tr.mu.Unlock()
}

func (tr *Transport) SetOption(name string, value interface{}) error {
	if name != transport.OptionTrace {
		return &transport.UnsupportedOptionError{Name: name, Transport: tr.Name()}
	}
	b, err := transport.BoolOption(name, value)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	tr.trace = b
	tr.mu.Unlock()
	tr.applyTrace()
	return nil
}

// applyTrace routes the mqtt library's internal logs to the transport logger,
// the library loggers are global so the last configured transport wins.
func (tr *Transport) applyTrace() {
	tr.mu.RLock()
	trace, l := tr.trace, tr.logger
	tr.mu.RUnlock()
	if trace {
		mqtt.ERROR = printer(l.Errorf)
		mqtt.CRITICAL = printer(l.Errorf)
		mqtt.WARN = printer(l.Warnf)
		mqtt.DEBUG = printer(l.Debugf)
		return
	}
	mqtt.ERROR = mqtt.NOOPLogger{}
	mqtt.CRITICAL = mqtt.NOOPLogger{}
	mqtt.WARN = mqtt.NOOPLogger{}
	mqtt.DEBUG = mqtt.NOOPLogger{}
}

// printer adapts a printf-like function to the mqtt.Logger interface.
type printer func(format string, v ...interface{})

func (p printer) Println(v ...interface{}) {
	p("%s", strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (p printer) Printf(format string, v ...interface{}) {
	p(format, v...)
}

func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.conn != nil {
		return errors.New("already connected")
	}

	host, did := creds.GetHostName(), creds.GetDeviceID()
	sr := host + "/devices/" + url.PathEscape(did)
	if _, err := creds.GenerateToken(sr); err != nil {
		return &transport.AuthError{Err: err}
	}

	o := mqtt.NewClientOptions()
	if tr.webSocket {
		o.AddBroker("wss://" + host + ":443/$iothub/websocket")
	} else {
		o.AddBroker("tls://" + host + ":8883")
	}
	o.SetClientID(did)
	o.SetCredentialsProvider(func() (string, string) {
		// tokens are generated on every connect so reconnects never use expired ones
		token, err := creds.GenerateToken(sr)
		if err != nil {
			tr.logger.Errorf("token generation error: %s", err)
		}
		return host + "/" + did + "/?api-version=" + common.APIVersion, token
	})
	o.SetTLSConfig(common.TLSConfig(host))
	o.SetAutoReconnect(false)
	o.SetCleanSession(false)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		tr.connectionLost(err)
	})
	if tr.cocfg != nil {
		tr.cocfg(o)
	}

	c := tr.newClient(o)
	if err := transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
		return connectError(contextToken(ctx, c.Connect()))
	}); err != nil {
		return err
	}

	tr.conn = c
	tr.did = did
	tr.ctx, tr.cancel = context.WithCancel(context.Background())
	tr.events = make(chan *transport.Event, 10)
	tr.logger.Debugf("connected to %s", host)
	return nil
}

// connectError classifies connection refusals as authentication
// errors and everything else as transient.
func connectError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised),
		strings.Contains(err.Error(), packets.ErrorRefusedNotAuthorised.Error()),
		strings.Contains(err.Error(), packets.ErrorRefusedBadUsernameOrPassword.Error()):
		return &transport.AuthError{Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &transport.NetworkError{Err: err}
	}
}

func (tr *Transport) client() (mqtt.Client, context.Context, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.conn == nil {
		return nil, nil, transport.ErrNotConnected
	}
	return tr.conn, tr.ctx, nil
}

// Subscribe subscribes to cloud-to-device messages, direct methods
// and twin updates, then requests the full twin document.
func (tr *Transport) Subscribe(ctx context.Context) error {
	tr.mu.RLock()
	did := tr.did
	tr.mu.RUnlock()
	for _, s := range []subscription{
		{"devices/" + did + "/messages/devicebound/#", tr.onMessage},
		{"$iothub/methods/POST/#", tr.onMethod},
		{"$iothub/twin/res/#", tr.onTwinResponse},
		{"$iothub/twin/PATCH/properties/desired/#", tr.onDesired},
	} {
		if err := tr.subscribe(ctx, s); err != nil {
			return err
		}
		tr.subm.Lock()
		tr.subs = append(tr.subs, s)
		tr.subm.Unlock()
	}
	return tr.request(ctx, "$iothub/twin/GET/?$rid=%s", nil, &request{get: true})
}

func (tr *Transport) subscribe(ctx context.Context, s subscription) error {
	c, _, err := tr.client()
	if err != nil {
		return err
	}
	if err = contextToken(ctx, c.Subscribe(s.topic, DefaultQoS, s.handler)); err != nil {
		return &transport.NetworkError{Err: errors.Wrapf(err, "subscribe %s", s.topic)}
	}
	tr.logger.Debugf("subscribed to %s", s.topic)
	return nil
}

func (tr *Transport) Events() <-chan *transport.Event {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.events
}

func (tr *Transport) emit(ev *transport.Event) {
	tr.mu.RLock()
	ctx, events := tr.ctx, tr.events
	tr.mu.RUnlock()
	if ctx == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (tr *Transport) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg, err := parseEventMessage(m)
	if err != nil {
		tr.logger.Errorf("message parse error: %s", err)
		return
	}
	tr.emit(&transport.Event{
		Kind:    transport.EventMessage,
		Message: msg,
		SettleFunc: func(d transport.Disposition) error {
			// PUBACK is sent by the library as soon as the message is received
			if d != transport.Accepted {
				tr.logger.Warnf("%s disposition is not supported by mqtt, message %q is acknowledged", d, msg.MessageID)
			}
			return nil
		},
	})
}

func (tr *Transport) onMethod(_ mqtt.Client, m mqtt.Message) {
	method, rid, err := parseDirectMethodTopic(m.Topic())
	if err != nil {
		tr.logger.Errorf("parse error: %s", err)
		return
	}
	tr.emit(&transport.Event{
		Kind:    transport.EventMethod,
		Method:  method,
		Payload: m.Payload(),
		RespondFunc: func(ctx context.Context, status int, b []byte, done transport.AckFunc) error {
			return tr.publishAsync(fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, rid), b, func(err error) {
				if err != nil {
					done(nil, err)
					return
				}
				done(&transport.Ack{StatusCode: status}, nil)
			})
		},
	})
}

func (tr *Transport) onDesired(_ mqtt.Client, m mqtt.Message) {
	tr.emit(&transport.Event{
		Kind:      transport.EventTwinUpdate,
		TwinState: transport.TwinPartial,
		Payload:   m.Payload(),
	})
}

func (tr *Transport) onTwinResponse(_ mqtt.Client, m mqtt.Message) {
	rc, rid, ver, err := parseTwinPropsTopic(m.Topic())
	if err != nil {
		tr.logger.Errorf("parse error: %s", err)
		return
	}
	req := tr.takeRequest(rid)
	if req == nil {
		tr.logger.Warnf("unknown rid: %q", rid)
		return
	}

	ok := rc >= 200 && rc <= 299
	if req.get {
		if !ok {
			tr.logger.Errorf("twin request failed with %d response code", rc)
			return
		}
		tr.emit(&transport.Event{
			Kind:      transport.EventTwinUpdate,
			TwinState: transport.TwinComplete,
			Payload:   m.Payload(),
		})
		return
	}
	// off the router goroutine, paho cannot disconnect from its own handlers
	if !ok {
		go req.done(&transport.Ack{StatusCode: rc}, errors.Errorf("twin request failed with %d response code", rc))
		return
	}
	go req.done(&transport.Ack{StatusCode: rc, Version: ver}, nil)
}

func (tr *Transport) takeRequest(rid string) *request {
	tr.reqm.Lock()
	defer tr.reqm.Unlock()
	req := tr.reqs[rid]
	delete(tr.reqs, rid)
	return req
}

// request publishes a twin request, the response is matched by rid.
func (tr *Transport) request(ctx context.Context, format string, b []byte, req *request) error {
	rid := tr.ridg.Next()
	tr.reqm.Lock()
	tr.reqs[rid] = req
	tr.reqm.Unlock()

	if err := tr.publishAsync(fmt.Sprintf(format, rid), b, func(err error) {
		if err != nil && tr.takeRequest(rid) != nil {
			tr.logger.Errorf("twin request %s error: %s", rid, err)
			if req.done != nil {
				req.done(nil, err)
			}
		}
	}); err != nil {
		tr.takeRequest(rid)
		return err
	}
	return nil
}

// UpdateTwin publishes a reported properties patch,
// done receives the new twin version.
func (tr *Transport) UpdateTwin(ctx context.Context, patch []byte, done transport.AckFunc) error {
	return tr.request(ctx, "$iothub/twin/PATCH/properties/reported/?$rid=%s", patch, &request{done: done})
}

func (tr *Transport) Send(ctx context.Context, msg *common.Message, done transport.AckFunc) error {
	tr.mu.RLock()
	did := tr.did
	tr.mu.RUnlock()
	topic := "devices/" + did + "/messages/events/" + encodeProperties(messageProperties(msg))
	return tr.publishAsync(topic, msg.Payload, func(err error) {
		if err != nil {
			done(nil, err)
			return
		}
		done(&transport.Ack{}, nil)
	})
}

// publishAsync hands the message to the mqtt client right away so publishing
// order is preserved, then waits for PUBACK in background retrying failures.
func (tr *Transport) publishAsync(topic string, b []byte, done func(err error)) error {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.conn == nil {
		return transport.ErrNotConnected
	}
	t := tr.conn.Publish(topic, DefaultQoS, false, b)
	ctx := tr.ctx
	tr.wg.Add(1)
	go func() {
		err := contextToken(ctx, t)
		if err != nil && ctx.Err() == nil {
			tr.logger.Warnf("publish to %s error, retrying: %s", topic, err)
			err = transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
				return tr.publish(ctx, topic, b)
			})
		}
		// done runs outside of the wait group so it can close the transport
		tr.wg.Done()
		done(err)
	}()
	return nil
}

func (tr *Transport) publish(ctx context.Context, topic string, b []byte) error {
	c, _, err := tr.client()
	if err != nil {
		return err
	}
	if !c.IsConnectionOpen() {
		return &transport.NetworkError{Err: errors.New("connection is not open")}
	}
	if err = contextToken(ctx, c.Publish(topic, DefaultQoS, false, b)); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &transport.NetworkError{Err: err}
	}
	return nil
}

func (tr *Transport) connectionLost(err error) {
	tr.logger.Warnf("connection lost: %s", err)
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.conn == nil {
		return
	}
	c := tr.conn
	tr.wg.Add(1)
	go func(ctx context.Context) {
		defer tr.wg.Done()
		tr.reconnect(ctx, c)
	}(tr.ctx)
}

// reconnect restores the connection and subscriptions,
// the connection is reported lost when it fails.
func (tr *Transport) reconnect(ctx context.Context, c mqtt.Client) {
	err := transport.Retry(ctx, tr.retry, func(ctx context.Context) error {
		err := connectError(contextToken(ctx, c.Connect()))
		if err != nil {
			tr.logger.Warnf("reconnect error: %s", err)
		}
		return err
	})
	if err == nil {
		tr.subm.Lock()
		subs := append([]subscription(nil), tr.subs...)
		tr.subm.Unlock()
		for _, s := range subs {
			if err = tr.subscribe(ctx, s); err != nil {
				break
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		tr.logger.Errorf("giving up reconnecting: %s", err)
		tr.emit(&transport.Event{
			Kind: transport.EventConnectionLost,
			Err:  &transport.ConnectionLostError{Err: err},
		})
		return
	}
	tr.logger.Infof("reconnected")
}

// contextToken waits for the token to complete or ctx to be done.
func contextToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

const rfc3339Milli = "2006-01-02T15:04:05.999Z07:00"

// messageProperties maps message attributes to topic properties,
// system ones are prefixed with $.
func messageProperties(msg *common.Message) url.Values {
	u := make(url.Values, len(msg.Properties)+7)
	add := func(k, v string) {
		if v != "" {
			u.Add(k, v)
		}
	}
	add("$.mid", msg.MessageID)
	add("$.cid", msg.CorrelationID)
	add("$.uid", msg.UserID)
	add("$.to", msg.To)
	add("$.ct", msg.ContentType)
	add("$.ce", msg.ContentEncoding)
	if !msg.ExpiryTime.IsZero() {
		u.Add("$.exp", msg.ExpiryTime.UTC().Format(rfc3339Milli))
	}
	for k, v := range msg.Properties {
		u.Add(k, v)
	}
	return u
}

// encodeProperties encodes spaces as %20 instead of +.
func encodeProperties(props url.Values) string {
	return strings.ReplaceAll(props.Encode(), "+", "%20")
}

func parseEventMessage(m mqtt.Message) (*common.Message, error) {
	p, err := parseCloudToDeviceTopic(m.Topic())
	if err != nil {
		return nil, err
	}
	msg := &common.Message{
		Payload:    m.Payload(),
		Properties: make(map[string]string, len(p)),
	}
	for k, v := range p {
		switch k {
		case "$.mid":
			msg.MessageID = v
		case "$.cid":
			msg.CorrelationID = v
		case "$.uid":
			msg.UserID = v
		case "$.to":
			msg.To = v
		case "$.ct":
			msg.ContentType = v
		case "$.ce":
			msg.ContentEncoding = v
		case "$.exp":
			if msg.ExpiryTime, err = time.Parse(time.RFC3339, v); err != nil {
				return nil, err
			}
		case "$.ctime":
			if msg.EnqueuedTime, err = time.Parse(time.RFC3339, v); err != nil {
				return nil, err
			}
		default:
			msg.Properties[k] = v
		}
	}
	return msg, nil
}

// devices/{device}/messages/devicebound/%24.to=%2Fdevices%2F{device}%2Fmessages%2FdeviceBound&a=b&b=c
func parseCloudToDeviceTopic(s string) (map[string]string, error) {
	const prefix = "/messages/devicebound/"
	i := strings.Index(s, prefix)
	if i == -1 {
		return nil, errors.New("malformed cloud-to-device topic name")
	}
	v, err := url.ParseQuery(s[i+len(prefix):])
	if err != nil {
		return nil, err
	}

	p := make(map[string]string, len(v))
	for k, x := range v {
		if len(x) != 1 {
			return nil, errors.Errorf("unexpected number of property values: %d", len(x))
		}
		p[k] = x[0]
	}
	return p, nil
}

// returns method name and rid
// format: $iothub/methods/POST/{method}/?$rid={rid}
func parseDirectMethodTopic(s string) (string, string, error) {
	ss := strings.Split(s, "/")
	if len(ss) != 5 || !strings.HasPrefix(ss[4], "?$rid=") {
		return "", "", errors.New("malformed direct-method topic name")
	}
	return ss[3], ss[4][6:], nil
}

var twinResponseRegexp = regexp.MustCompile(
	`^\$iothub/twin/res/(\d+)/\?\$rid=(\w+)(?:&\$version=(\d+))?`,
)

// parseTwinPropsTopic parses the given topic name into rc, rid and ver.
// $iothub/twin/res/{rc}/?$rid={rid}(&$version={ver})?
func parseTwinPropsTopic(s string) (int, string, int, error) {
	ss := twinResponseRegexp.FindStringSubmatch(s)
	if ss == nil {
		return 0, "", 0, errors.New("malformed twin response topic name")
	}

	// regexp already returns valid strings of digits
	rc, _ := strconv.Atoi(ss[1])
	ver, _ := strconv.Atoi(ss[3])
	return rc, ss[2], ver, nil
}

// Close disconnects from the broker, pending twin requests fail.
func (tr *Transport) Close() error {
	tr.mu.Lock()
	c, cancel := tr.conn, tr.cancel
	tr.conn = nil
	tr.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	if c.IsConnectionOpen() {
		c.Disconnect(250)
	}
	tr.wg.Wait()

	tr.subm.Lock()
	tr.subs = nil
	tr.subm.Unlock()

	tr.reqm.Lock()
	reqs := tr.reqs
	tr.reqs = map[string]*request{}
	tr.reqm.Unlock()
	for _, req := range reqs {
		if req.done != nil {
			req.done(nil, transport.ErrConnectionLost)
		}
	}
	tr.logger.Debugf("disconnected")
	return nil
}
