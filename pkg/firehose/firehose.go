// Package firehose fans out sequenced commit events to subscribers. A Hub
// owns the process-wide sequence counter and the subscriber set; it is a
// plain value threaded into the repository engine, not a global.
package firehose

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	"github.com/stormlightlabs/pds/pkg/dagcbor"
)

// EventType is the $type value stamped on every commit frame.
const EventType = "com.atproto.sync.subscribeRepos#commit"

// timeFormat is ISO-8601 in UTC with millisecond precision.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Hub sequences commit events and delivers them to live subscribers.
// Delivery is best effort: a subscriber that cannot keep up is evicted
// rather than allowed to stall the write path.
type Hub struct {
	seq  atomic.Int64
	subs sync.Map // uuid.UUID -> *Subscriber
	log  *slog.Logger
}

// NewHub creates a hub with the sequence counter at zero.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log}
}

// NextSeq atomically allocates the next sequence number, starting at 1.
func (h *Hub) NextSeq() int64 {
	return h.seq.Add(1)
}

// CurrentSeq reads the most recently allocated sequence number without
// advancing it.
func (h *Hub) CurrentSeq() int64 {
	return h.seq.Load()
}

// ResetSeq rewinds the counter to zero. Tests only.
func (h *Hub) ResetSeq() {
	h.seq.Store(0)
}

// Subscriber receives encoded event frames on a buffered channel.
type Subscriber struct {
	id  uuid.UUID
	hub *Hub

	mu     sync.Mutex
	closed bool
	ch     chan []byte
}

// Subscribe registers a new subscriber whose channel buffers up to buffer
// frames. A subscriber that lets its buffer fill is evicted on the next
// send.
func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 16
	}
	s := &Subscriber{
		id:  uuid.New(),
		hub: h,
		ch:  make(chan []byte, buffer),
	}
	h.subs.Store(s.id, s)
	return s
}

// Events is the frame stream. It is closed when the subscriber is closed
// or evicted.
func (s *Subscriber) Events() <-chan []byte {
	return s.ch
}

// Close removes the subscriber from the hub and closes its channel. Safe
// to call more than once.
func (s *Subscriber) Close() {
	s.hub.subs.Delete(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// trySend queues a frame without blocking. It reports false when the
// subscriber is closed or its buffer is full.
func (s *Subscriber) trySend(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- frame:
		return true
	default:
		return false
	}
}

// Emit allocates the next sequence number, encodes a commit frame, and
// delivers it to every subscriber. Failed sends evict the subscriber; the
// caller's write is never affected.
func (h *Hub) Emit(did, rev string, commit cid.Cid, blocks []byte, at time.Time) (int64, error) {
	seq := h.NextSeq()
	frame, err := encodeCommitFrame(seq, did, rev, commit, blocks, at)
	if err != nil {
		return 0, err
	}

	h.subs.Range(func(key, value any) bool {
		sub := value.(*Subscriber)
		if !sub.trySend(frame) {
			h.log.Warn("evicting slow firehose subscriber", "subscriber", sub.id, "seq", seq)
			sub.Close()
		}
		return true
	})
	return seq, nil
}

func encodeCommitFrame(seq int64, did, rev string, commit cid.Cid, blocks []byte, at time.Time) ([]byte, error) {
	frame, err := dagcbor.Marshal(map[string]any{
		"$type":  EventType,
		"seq":    seq,
		"did":    did,
		"rev":    rev,
		"commit": commit,
		"blocks": blocks,
		"time":   at.UTC().Format(timeFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("firehose: encode frame: %w", err)
	}
	return frame, nil
}

// SubscriberCount reports the live subscriber count, for observability.
func (h *Hub) SubscriberCount() int {
	n := 0
	h.subs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
