package events

import (
	"context"
	"time"
)

// Stream is the contract for the append-only event log.
type Stream interface {
	// Append writes e to the named stream and returns the entry id.
	Append(ctx context.Context, stream string, e Event) (string, error)

	// Read returns up to count entries after cursor, waiting at most block
	// for new entries. An empty result means the wait timed out.
	Read(ctx context.Context, stream, cursor string, block time.Duration, count int) ([]Envelope, error)

	// Tail returns the id of the newest entry, or StartCursor when empty.
	Tail(ctx context.Context, stream string) (string, error)
}

// Appender is the write half of a Stream.
type Appender interface {
	Append(ctx context.Context, stream string, e Event) (string, error)
}

// StartCursor reads a stream from its beginning.
const StartCursor = "0-0"
