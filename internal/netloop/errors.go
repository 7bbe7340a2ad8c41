package netloop

import "errors"

// ErrTooManyFailures ends Run when reconnecting keeps failing.
var ErrTooManyFailures = errors.New("too many reconnect failures")
