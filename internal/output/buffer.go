// Package output captures job invocation output as an ordered list of
// timestamped chunks and lets any number of readers follow it live.
//
// Every subscriber sees every chunk written after the point it subscribed
// from, exactly once and in write order. Subscriptions queue without bound,
// so a slow reader costs memory, never data.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by Write once the buffer is closed.
var ErrClosed = errors.New("output: buffer closed")

// Chunk is the data passed to one Write call. Data is kept as raw bytes
// (base64 in JSON) because a write may end inside a UTF-8 sequence.
type Chunk struct {
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

// ID is the chunk's stream identifier, its timestamp in unix nanoseconds.
func (c Chunk) ID() int64 {
	return c.Timestamp.UnixNano()
}

// Buffer is an io.Writer that records chunks and fans them out to
// subscriptions.
type Buffer struct {
	mu     sync.Mutex
	chunks []Chunk
	size   int
	closed bool
	subs   map[*Subscription]struct{}
	now    func() time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// FromChunks returns a closed buffer holding chunks, used for invocations
// restored from history.
func FromChunks(chunks []Chunk) *Buffer {
	b := NewBuffer()
	b.chunks = append([]Chunk(nil), chunks...)
	for _, c := range b.chunks {
		b.size += len(c.Data)
	}
	b.closed = true
	return b
}

// SetNow replaces the clock. Used in tests only.
func (b *Buffer) SetNow(fn func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = fn
}

// Write records p as one chunk. Chunk timestamps strictly increase even if
// the clock does not.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	ts := b.now().UTC()
	if n := len(b.chunks); n > 0 && !ts.After(b.chunks[n-1].Timestamp) {
		ts = b.chunks[n-1].Timestamp.Add(time.Nanosecond)
	}
	chunk := Chunk{Timestamp: ts, Data: append([]byte(nil), p...)}
	b.chunks = append(b.chunks, chunk)
	b.size += len(p)
	for s := range b.subs {
		s.pending = append(s.pending, chunk)
		s.signal()
	}
	return len(p), nil
}

// Close marks the output complete and ends every subscription once it has
// drained. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		s.done = true
		s.signal()
	}
	b.subs = make(map[*Subscription]struct{})
	return nil
}

func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Chunks returns a copy of every chunk.
func (b *Buffer) Chunks() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Chunk(nil), b.chunks...)
}

// ChunksAfter returns the chunks with a timestamp strictly after ts.
// A zero ts returns every chunk.
func (b *Buffer) ChunksAfter(ts time.Time) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunksAfter(ts)
}

func (b *Buffer) chunksAfter(ts time.Time) []Chunk {
	if ts.IsZero() {
		return append([]Chunk(nil), b.chunks...)
	}
	i := sort.Search(len(b.chunks), func(i int) bool {
		return b.chunks[i].Timestamp.After(ts)
	})
	return append([]Chunk(nil), b.chunks[i:]...)
}

func (b *Buffer) String() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	sb.Grow(b.size)
	for _, c := range b.chunks {
		sb.Write(c.Data)
	}
	return sb.String()
}

// Subscribers returns the number of live subscriptions.
func (b *Buffer) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscribe returns a subscription that first yields the chunks after ts
// (all of them for a zero ts) and then every chunk written later. The
// snapshot and the registration happen under one lock, so nothing falls
// between them.
func (b *Buffer) Subscribe(ts time.Time) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{
		buf:     b,
		ready:   make(chan struct{}, 1),
		pending: b.chunksAfter(ts),
	}
	if b.closed {
		s.done = true
	} else {
		b.subs[s] = struct{}{}
	}
	if len(s.pending) > 0 || s.done {
		s.signal()
	}
	return s
}

func (b *Buffer) MarshalJSON() ([]byte, error) {
	chunks := b.Chunks()
	if chunks == nil {
		chunks = []Chunk{}
	}
	return json.Marshal(chunks)
}

// UnmarshalJSON restores a closed buffer.
func (b *Buffer) UnmarshalJSON(data []byte) error {
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = chunks
	b.size = 0
	for _, c := range chunks {
		b.size += len(c.Data)
	}
	b.closed = true
	if b.subs == nil {
		b.subs = make(map[*Subscription]struct{})
	}
	if b.now == nil {
		b.now = time.Now
	}
	return nil
}

// Subscription follows a Buffer. It is not safe for use by more than one
// reader goroutine.
type Subscription struct {
	buf   *Buffer
	ready chan struct{}

	// guarded by buf.mu
	pending []Chunk
	done    bool
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when Drain has something to return.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Drain returns the queued chunks without blocking. done reports that the
// buffer is closed and nothing more will arrive.
func (s *Subscription) Drain() (chunks []Chunk, done bool) {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	chunks, s.pending = s.pending, nil
	return chunks, s.done && len(chunks) == 0
}

// Next blocks until chunks are queued. It returns io.EOF once the buffer
// is closed and drained, or the context error.
func (s *Subscription) Next(ctx context.Context) ([]Chunk, error) {
	for {
		chunks, done := s.Drain()
		if len(chunks) > 0 {
			return chunks, nil
		}
		if done {
			return nil, io.EOF
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Unsubscribe detaches the subscription. Queued chunks are discarded.
func (s *Subscription) Unsubscribe() {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	delete(s.buf.subs, s)
	s.pending = nil
	s.done = true
	s.signal()
}
