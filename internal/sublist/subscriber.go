package sublist

import (
	"errors"

	"nuha.dev/locwatch/internal/location"
)

// ErrClosed is returned by Push when the connection can no longer
// receive anything.
var ErrClosed = errors.New("subscriber closed")

type ConnID string

// Subscriber is one live watcher connection. Push must not block; a
// non-nil error is treated as a disconnect.
type Subscriber interface {
	ID() ConnID
	Push(rec location.Record) error
}
