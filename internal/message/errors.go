package message

import "errors"

// ErrMalformed wraps any envelope that fails to decode or carries an
// unrecognized type. Per §7 these are dropped by the caller with a WARN log
// entry rather than propagated as a fatal error.
var ErrMalformed = errors.New("message: malformed envelope")
