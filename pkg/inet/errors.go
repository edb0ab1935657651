package inet

import "github.com/pkg/errors"

// Error kinds shared by the channel, socket and protocol layers. Callers
// match them with errors.Is; the layers wrap them with context.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnsupportedDomain = errors.New("unsupported domain")
	ErrUnsupportedType   = errors.New("unsupported socket type")
	ErrAddressInUse      = errors.New("address in use")
	ErrConnectionRefused = errors.New("connection refused")
	ErrNoRemoteAddress   = errors.New("no remote address")
	ErrTimeout           = errors.New("timeout")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrNoReply           = errors.New("no reply")
	ErrClosed            = errors.New("closed")
	ErrReset             = errors.New("connection reset")
)
