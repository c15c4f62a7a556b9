package iotdevice

import (
	"sync/atomic"

	"github.com/amenzhinsky/iotsession/transport"
)

const numEventKinds = int(transport.EventConnectionLost) + 1

// Metrics are per-session counters, all methods are safe for concurrent use.
type Metrics struct {
	submitted [numOpKinds]atomic.Int64
	completed [numOpKinds]atomic.Int64
	results   [numResults]atomic.Int64
	inbound   [numEventKinds]atomic.Int64
}

// Submitted returns the number of accepted operations of the given kind.
func (m *Metrics) Submitted(k OpKind) int64 {
	return m.submitted[k].Load()
}

// Completed returns the number of completion callbacks fired for the given kind.
func (m *Metrics) Completed(k OpKind) int64 {
	return m.completed[k].Load()
}

// Results returns the number of completions with the given result.
func (m *Metrics) Results(r Result) int64 {
	return m.results[r].Load()
}

// Inbound returns the number of dispatched inbound events of the given kind.
func (m *Metrics) Inbound(k transport.EventKind) int64 {
	if int(k) >= numEventKinds {
		return 0
	}
	return m.inbound[k].Load()
}

func (m *Metrics) incSubmitted(k OpKind) {
	m.submitted[k].Add(1)
}

func (m *Metrics) incCompleted(k OpKind, r Result) {
	m.completed[k].Add(1)
	m.results[r].Add(1)
}

func (m *Metrics) incInbound(k transport.EventKind) {
	if int(k) < numEventKinds {
		m.inbound[k].Add(1)
	}
}
