// ABOUTME: Store interface and data types for the wabridge dispatch log
// ABOUTME: Defines BatchRecord and Delivery structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateBatch is returned when a batch ID is recorded twice
var ErrDuplicateBatch = errors.New("batch already recorded")

// BatchRecord is one dispatched batch and its per-destination deliveries
type BatchRecord struct {
	ID            string
	Body          string
	Payload       string // "text", "image", "document", "attachment"
	HasAttachment bool
	StartedAt     time.Time
	FinishedAt    time.Time
	Deliveries    []Delivery
}

// Delivery is the outcome of sending a batch to one destination
type Delivery struct {
	Position    int
	Destination string
	Kind        string // "individual" or "group"
	Address     string
	Outcome     string // "sent", "timeout", "not-found", "backend-error"
	Error       string
	Elapsed     time.Duration
}

// Store is the dispatch log. It is an audit trail only: nothing recorded
// here is ever replayed.
type Store interface {
	// RecordBatch stores a finished batch and its deliveries atomically.
	RecordBatch(ctx context.Context, b *BatchRecord) error

	// GetBatch returns one batch with its deliveries.
	GetBatch(ctx context.Context, id string) (*BatchRecord, error)

	// ListBatches returns the most recent batches, newest first, with
	// deliveries populated.
	ListBatches(ctx context.Context, limit int) ([]*BatchRecord, error)

	// CountOutcomes tallies every recorded delivery by outcome.
	CountOutcomes(ctx context.Context) (map[string]int, error)

	Close() error
}
