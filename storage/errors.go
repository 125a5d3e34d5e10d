package storage

import "errors"

// Storage error constants
var (
	// ErrThreatNotFound is returned when a threat record is not found
	ErrThreatNotFound = errors.New("threat not found")

	// ErrSubscriptionNotFound is returned when a subscription is not found
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrDeliveryNotFound is returned when a delivery attempt is not found
	ErrDeliveryNotFound = errors.New("delivery attempt not found")

	// ErrDuplicateThreat is returned when the unique dedup index rejects an
	// insert because a canonical record for the same target already exists.
	// The ingestion gateway treats this as a lost dedup race, not a failure.
	ErrDuplicateThreat = errors.New("canonical threat already exists for target")

	// ErrInvalidTransition is returned when a status update violates the
	// threat lifecycle state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDatabaseClosed is returned when using a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)
