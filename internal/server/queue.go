package server

import (
	"sync"
	"sync/atomic"

	"github.com/TheGitCommit/voice-assistant/pkg/wire"
)

// defaultQueueCap bounds a per-connection queue when the config leaves the
// size unset.
const defaultQueueCap = 200

// ingressQueue buffers inbound audio frames between the reader and the
// processor. Bounded; on overflow the OLDEST frame is evicted so the queue
// always holds the most recent audio.
//
// Single producer (the reader), single consumer (the processor). Push and
// Close must be called from the producer goroutine only.
type ingressQueue struct {
	ch    chan []byte
	drops atomic.Int64
}

func newIngressQueue(capacity int) *ingressQueue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &ingressQueue{ch: make(chan []byte, capacity)}
}

// Push queues frame, evicting the oldest queued frame when full. Reports
// whether an eviction happened.
func (q *ingressQueue) Push(frame []byte) (dropped bool) {
	select {
	case q.ch <- frame:
		return false
	default:
	}

	// Full: evict one and retry. With a single producer the freed slot
	// cannot be claimed by anyone but us, so the second send never blocks.
	select {
	case <-q.ch:
		dropped = true
		q.drops.Add(1)
	default:
		// Consumer drained the queue between the two selects.
	}
	q.ch <- frame
	return dropped
}

// Frames is the consumer side of the queue. The channel closes after Close.
func (q *ingressQueue) Frames() <-chan []byte { return q.ch }

// Close ends the stream; queued frames remain readable.
func (q *ingressQueue) Close() { close(q.ch) }

// Drops returns how many frames were evicted on overflow.
func (q *ingressQueue) Drops() int64 { return q.drops.Load() }

// egressEntry is one queued outbound item: a control message or one binary
// audio frame, never both.
type egressEntry struct {
	msg *wire.Message
	pcm []byte
}

// egressQueue orders outbound traffic for the writer. Audio frames are
// bounded with a drop-NEW policy, so the frames already queued (the start of
// the response) survive overflow. Control messages do not count against the
// bound and are never dropped.
//
// Safe for concurrent producers; single consumer.
type egressQueue struct {
	capacity int

	mu      sync.Mutex
	entries []egressEntry
	drops   int64

	// notify wakes a waiting consumer. Capacity 1; a stale token only
	// causes one extra TryPop.
	notify chan struct{}
}

func newEgressQueue(capacity int) *egressQueue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &egressQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// PushEvent queues a control message.
func (q *egressQueue) PushEvent(msg wire.Message) {
	q.mu.Lock()
	q.entries = append(q.entries, egressEntry{msg: &msg})
	q.mu.Unlock()
	q.wake()
}

// PushAudio queues one audio frame. Reports false when the queue is at
// capacity and the frame was dropped.
func (q *egressQueue) PushAudio(pcm []byte) bool {
	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		q.drops++
		q.mu.Unlock()
		return false
	}
	q.entries = append(q.entries, egressEntry{pcm: pcm})
	q.mu.Unlock()
	q.wake()
	return true
}

// TryPop removes and returns the head entry without blocking.
func (q *egressQueue) TryPop() (egressEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return egressEntry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// Ready receives a token after entries are queued. Pair with TryPop:
// re-check the queue after every wakeup.
func (q *egressQueue) Ready() <-chan struct{} { return q.notify }

// DropAudio removes every queued audio frame, keeping control messages in
// order. Returns how many frames were removed.
func (q *egressQueue) DropAudio() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.pcm != nil {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}

// Len reports how many entries are queued.
func (q *egressQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drops returns how many audio frames were dropped on overflow.
func (q *egressQueue) Drops() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

func (q *egressQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
