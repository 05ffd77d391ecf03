package guard

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/HitoriSensei/bullmq"
)

// connectionErrors are the sentinels that mean the socket to the store is
// gone. The store will be reachable again after a reconnect.
var connectionErrors = []error{
	bullmq.ErrConnectionClosed,
	io.EOF,
	io.ErrUnexpectedEOF,
	net.ErrClosed,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// IsConnectionError reports whether err means the connection to the store
// was lost or reset, as opposed to the store rejecting the command.
// Context cancellation is not a connection error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range connectionErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
