package transport

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Recognized option names.
const (
	// OptionTimeout is the HTTP long-poll wait in milliseconds.
	OptionTimeout = "timeout-ms"

	// OptionMinPollingInterval is the floor on HTTP poll frequency in seconds.
	OptionMinPollingInterval = "min-polling-interval-s"

	// OptionMessageTimeout is the per-message expiry after submission
	// in milliseconds, 0 means messages never expire.
	OptionMessageTimeout = "message-timeout-ms"

	// OptionTrace toggles transport-level diagnostic logging.
	OptionTrace = "trace-enabled"
)

// IsKnownOption reports whether name is one of the recognized options.
func IsKnownOption(name string) bool {
	switch name {
	case OptionTimeout, OptionMinPollingInterval, OptionMessageTimeout, OptionTrace:
		return true
	}
	return false
}

// IntOption converts an option value into a non-negative integer.
// Strings and floats without a fraction are accepted because
// values often come from config files.
func IntOption(name string, v interface{}) (int, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		n = int64(x)
	case uint32:
		n = int64(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, errors.Errorf("option %s: %v is not an integer", name, v)
		}
		n = int64(x)
	case string:
		var err error
		if n, err = strconv.ParseInt(x, 10, 64); err != nil {
			return 0, errors.Wrapf(err, "option %s", name)
		}
	default:
		return 0, errors.Errorf("option %s: unexpected value type %T", name, v)
	}
	if n < 0 {
		return 0, errors.Errorf("option %s: %d is negative", name, n)
	}
	if n > math.MaxInt32 {
		return 0, errors.Errorf("option %s: %d is out of range", name, n)
	}
	return int(n), nil
}

// BoolOption converts an option value into a bool, 0 and 1 are accepted too.
func BoolOption(name string, v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	n, err := IntOption(name, v)
	if err != nil {
		return false, err
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.Errorf("option %s: %d is not a boolean", name, n)
}
