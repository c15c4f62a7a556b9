package iotdevice

import (
	"sync"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/amenzhinsky/iotsession/transport"
)

// MessageHandler handles cloud-to-device messages,
// the returned disposition is forwarded to the broker.
type MessageHandler func(msg *common.Message) transport.Disposition

// TwinHandler handles twin documents and desired properties patches.
type TwinHandler func(state transport.TwinUpdateState, payload []byte)

// MethodHandler handles direct method invocations
// and returns the reply status code and payload.
type MethodHandler func(method string, payload []byte) (int, []byte)

// ConnectionStatusHandler is notified on session connectivity changes.
type ConnectionStatusHandler func(status ConnectionStatus, reason ConnectionStatusReason)

// capability is an inbound event class that accepts a single handler.
type capability string

const (
	capMessage capability = "message"
	capTwin    capability = "twin"
	capMethod  capability = "method"
	capStatus  capability = "connection-status"
)

// subscribers is a capability to handler table, registering a handler
// replaces the previous one and nil unregisters it.
// It's owned by the client and outlives sessions.
type subscribers struct {
	mu sync.RWMutex
	m  map[capability]interface{}
}

func (s *subscribers) set(c capability, fn interface{}) (replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[capability]interface{}{}
	}
	_, replaced = s.m[c]
	if fn == nil {
		delete(s.m, c)
	} else {
		s.m[c] = fn
	}
	return replaced
}

func (s *subscribers) get(c capability) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[c]
}

func (s *subscribers) message() MessageHandler {
	fn, _ := s.get(capMessage).(MessageHandler)
	return fn
}

func (s *subscribers) twin() TwinHandler {
	fn, _ := s.get(capTwin).(TwinHandler)
	return fn
}

func (s *subscribers) method() MethodHandler {
	fn, _ := s.get(capMethod).(MethodHandler)
	return fn
}

func (s *subscribers) status() ConnectionStatusHandler {
	fn, _ := s.get(capStatus).(ConnectionStatusHandler)
	return fn
}

// notFoundStatus and notFoundPayload are the reply to
// method invocations when no handler is registered.
const notFoundStatus = 501

var notFoundPayload = []byte(`{"error":"method is not implemented"}`)

// dispatchMethod invokes the registered method handler or
// produces the not-implemented reply.
func (s *subscribers) dispatchMethod(method string, payload []byte) (int, []byte) {
	fn := s.method()
	if fn == nil {
		return notFoundStatus, notFoundPayload
	}
	return fn(method, payload)
}

// dispatchMessage invokes the registered message handler,
// messages without one are abandoned so the broker can redeliver them.
func (s *subscribers) dispatchMessage(msg *common.Message) transport.Disposition {
	fn := s.message()
	if fn == nil {
		return transport.Abandoned
	}
	return fn(msg)
}

// dispatchTwin invokes the registered twin handler if any.
func (s *subscribers) dispatchTwin(state transport.TwinUpdateState, payload []byte) bool {
	fn := s.twin()
	if fn == nil {
		return false
	}
	fn(state, payload)
	return true
}
