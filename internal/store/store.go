package store

import (
	"nuha.dev/locwatch/internal/location"
)

// Archive keeps every accepted location update, not only the latest.
// Put must not block on I/O.
type Archive interface {
	Put(rec location.Record)
}
