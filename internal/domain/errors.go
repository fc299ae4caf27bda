package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected    = errors.New("stream not connected")
	ErrNoCredentials   = errors.New("no api credentials")
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrInvalidOrder    = errors.New("invalid order parameters")
	ErrSessionClosed   = errors.New("stream session closed")
	ErrReconnectsSpent = errors.New("reconnect attempts exhausted")
	ErrShutdown        = errors.New("engine shut down")
)

// APIError is a non-zero application-level error code carried in an otherwise
// successful HTTP response. HTTP success does not imply business success; any
// non-zero code is a hard failure for that single call.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// IsAPIError reports whether err carries an exchange error code, and returns
// the typed error when it does.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
