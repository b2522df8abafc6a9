package transport

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when the link is not open.
var ErrNotConnected = errors.New("transport: not connected")

// ConnectReason classifies why a connect attempt was refused or failed.
type ConnectReason int

const (
	// ReasonNoCredential means no valid access token was supplied.
	ReasonNoCredential ConnectReason = iota + 1
	// ReasonNetworkUnreachable means the dial itself failed.
	ReasonNetworkUnreachable
	// ReasonHandshakeRejected means the server refused the upgrade.
	ReasonHandshakeRejected
)

// String returns a short name for the reason.
func (r ConnectReason) String() string {
	switch r {
	case ReasonNoCredential:
		return "no_credential"
	case ReasonNetworkUnreachable:
		return "network_unreachable"
	case ReasonHandshakeRejected:
		return "handshake_rejected"
	default:
		return fmt.Sprintf("ConnectReason(%d)", int(r))
	}
}

// ConnectError is returned by Connect when establishing the socket fails.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: connect failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transport: connect failed (%s)", e.Reason)
}

// Unwrap returns the underlying error, if any.
func (e *ConnectError) Unwrap() error { return e.Err }
