// Package iotutil contains helpers shared by transports.
package iotutil

import (
	"strconv"
	"sync/atomic"
)

// NewRIDGenerator creates new rid generator.
func NewRIDGenerator() *RIDGenerator {
	return new(RIDGenerator)
}

// RIDGenerator generates request ids correlating twin requests
// with their responses, the zero value is ready to use.
type RIDGenerator struct {
	n atomic.Uint32
}

// Next returns a unique request id by incrementing numbers starting from 1.
func (r *RIDGenerator) Next() string {
	return strconv.FormatUint(uint64(r.n.Add(1)), 10)
}
