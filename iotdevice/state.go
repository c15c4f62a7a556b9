package iotdevice

// State is a session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// terminal reports whether the session cannot be used anymore.
func (s State) terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// ConnectionStatus is reported to the connection status handler.
type ConnectionStatus uint8

const (
	ConnectionAuthenticated ConnectionStatus = iota
	ConnectionUnauthenticated
)

func (s ConnectionStatus) String() string {
	if s == ConnectionAuthenticated {
		return "AUTHENTICATED"
	}
	return "UNAUTHENTICATED"
}

// ConnectionStatusReason explains a connection status change.
type ConnectionStatusReason uint8

const (
	ReasonOK ConnectionStatusReason = iota
	ReasonBadCredential
	ReasonNoNetwork
	ReasonCommunicationError
	ReasonClientClose
)

func (r ConnectionStatusReason) String() string {
	switch r {
	case ReasonOK:
		return "CONNECTION_OK"
	case ReasonBadCredential:
		return "BAD_CREDENTIAL"
	case ReasonNoNetwork:
		return "NO_NETWORK"
	case ReasonCommunicationError:
		return "COMMUNICATION_ERROR"
	case ReasonClientClose:
		return "CLIENT_CLOSE"
	default:
		return "UNKNOWN"
	}
}
