package pipeline

import (
	"context"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// textQueue and audioQueue are thin wrappers around buffered Go channels.
// A channel is already a thread-safe bounded FIFO with blocking send/
// receive; the wrapper adds the try-put-with-deadline and cancellable-get
// operations the backpressure policy needs without reimplementing a queue
// from scratch.

type textQueue struct {
	ch chan core.TextSegment
}

func newTextQueue(capacity int) *textQueue {
	return &textQueue{ch: make(chan core.TextSegment, capacity)}
}

// TryPut attempts to enqueue within deadline. Returns false if the queue
// stayed full for the whole deadline.
func (q *textQueue) TryPut(ctx context.Context, seg core.TextSegment, deadline time.Duration) bool {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case q.ch <- seg:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// DropOldest removes and discards one queued segment to make room,
// returning true if something was actually dropped.
func (q *textQueue) DropOldest() bool {
	select {
	case <-q.ch:
		return true
	default:
		return false
	}
}

func (q *textQueue) Get(ctx context.Context) (core.TextSegment, bool) {
	select {
	case seg, ok := <-q.ch:
		return seg, ok
	case <-ctx.Done():
		return core.TextSegment{}, false
	}
}

func (q *textQueue) Depth() int { return len(q.ch) }

func (q *textQueue) Drain() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

type audioQueue struct {
	ch chan core.AudioChunk
}

func newAudioQueue(capacity int) *audioQueue {
	return &audioQueue{ch: make(chan core.AudioChunk, capacity)}
}

// Put blocks until there is room or ctx is done. Synth workers use this —
// audio_q full means throttle, never drop.
func (q *audioQueue) Put(ctx context.Context, chunk core.AudioChunk) bool {
	select {
	case q.ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *audioQueue) Get(ctx context.Context) (core.AudioChunk, bool) {
	select {
	case chunk, ok := <-q.ch:
		return chunk, ok
	case <-ctx.Done():
		return core.AudioChunk{}, false
	}
}

func (q *audioQueue) Depth() int { return len(q.ch) }

func (q *audioQueue) Drain() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}
