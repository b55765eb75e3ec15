package events

import (
	"context"
	"sync"
	"time"
)

// Bus wraps a Stream with in-process fan-out notification.
// When Append succeeds, all subscribers receive the new envelope.
type Bus struct {
	Stream
	mu   sync.RWMutex
	subs map[chan Envelope]struct{}
	now  func() time.Time
}

// NewBus creates a Bus wrapping the given stream.
func NewBus(stream Stream) *Bus {
	return &Bus{
		Stream: stream,
		subs:   make(map[chan Envelope]struct{}),
		now:    time.Now,
	}
}

// Append delegates to the underlying stream, then fans out to all subscribers.
func (b *Bus) Append(ctx context.Context, stream string, e Event) (string, error) {
	id, err := b.Stream.Append(ctx, stream, e)
	if err != nil {
		return "", err
	}

	env := Envelope{ID: id, Stream: stream, At: b.now(), Event: e}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- env:
		default:
			// subscriber is behind; drop to avoid blocking Append
		}
	}
	b.mu.RUnlock()

	return id, nil
}

// Subscribe returns a buffered channel that receives all new envelopes.
func (b *Bus) Subscribe() chan Envelope {
	ch := make(chan Envelope, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Envelope) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}
