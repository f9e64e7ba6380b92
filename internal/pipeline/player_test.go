package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/interrupt"
)

type fakePlayer struct {
	mu      sync.Mutex
	played  [][]byte
	playing bool
	stops   int32
	block   chan struct{} // if non-nil, Play blocks until this is closed
}

func (f *fakePlayer) Play(ctx context.Context, samples []byte) error {
	f.mu.Lock()
	f.playing = true
	f.played = append(f.played, samples)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.playing = false
	f.mu.Unlock()
	return nil
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakePlayer) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakePlayer) sequence() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.played))
	copy(out, f.played)
	return out
}

func newTestPlayer(out core.Player) (*player, *audioQueue, *interrupt.Token, *Stats) {
	audioQ := newAudioQueue(8)
	tok := interrupt.New()
	stats := newStats()
	p := newPlayer(out, audioQ, time.Second, tok, stats)
	return p, audioQ, tok, stats
}

func TestPlayer_PlaysChunksInAscendingSequenceDespiteOutOfOrderArrival(t *testing.T) {
	fp := &fakePlayer{}
	p, audioQ, tok, _ := newTestPlayer(fp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	audioQ.Put(ctx, core.AudioChunk{Sequence: 1, Samples: []byte{1}, Status: core.AudioOK})
	audioQ.Put(ctx, core.AudioChunk{Sequence: 0, Samples: []byte{0}, Status: core.AudioOK})

	deadline := time.After(time.Second)
	for {
		if len(fp.sequence()) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for both chunks to play, got %v", fp.sequence())
		case <-time.After(5 * time.Millisecond):
		}
	}

	played := fp.sequence()
	if played[0][0] != 0 || played[1][0] != 1 {
		t.Fatalf("expected playback in ascending sequence order, got %v", played)
	}
	_ = tok
}

func TestPlayer_SkipsFailedChunksButAdvancesSequence(t *testing.T) {
	fp := &fakePlayer{}
	p, audioQ, _, _ := newTestPlayer(fp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	audioQ.Put(ctx, core.AudioChunk{Sequence: 0, Status: core.AudioFailed})
	audioQ.Put(ctx, core.AudioChunk{Sequence: 1, Samples: []byte{7}, Status: core.AudioOK})

	deadline := time.After(time.Second)
	for {
		if len(fp.sequence()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the ok chunk to play")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if fp.sequence()[0][0] != 7 {
		t.Fatalf("expected the failed chunk to be skipped, not played")
	}
}

func TestPlayer_ResetForNewTurnClearsPendingAndSequence(t *testing.T) {
	fp := &fakePlayer{}
	p, _, _, _ := newTestPlayer(fp)
	p.nextSeq = 5
	p.pending[7] = core.AudioChunk{Sequence: 7}
	p.resetForNewTurn()
	if p.nextSeq != 0 {
		t.Fatalf("expected nextSeq reset to 0, got %d", p.nextSeq)
	}
	if len(p.pending) != 0 {
		t.Fatalf("expected pending cleared, got %d entries", len(p.pending))
	}
}

func TestPlayer_HandleInterruptStopsAndDrains(t *testing.T) {
	fp := &fakePlayer{}
	p, audioQ, _, _ := newTestPlayer(fp)
	audioQ.Put(context.Background(), core.AudioChunk{Sequence: 3})
	p.nextSeq = 2

	p.handleInterrupt()

	if fp.stops != 1 {
		t.Fatalf("expected Stop called once, got %d", fp.stops)
	}
	if audioQ.Depth() != 0 {
		t.Fatalf("expected audio queue drained, got depth %d", audioQ.Depth())
	}
	if p.nextSeq != 0 {
		t.Fatalf("expected sequence reset to 0, got %d", p.nextSeq)
	}
}

func TestPlayer_InterruptMidDrainNeverPlaysBufferedChunksAhead(t *testing.T) {
	fp := &fakePlayer{block: make(chan struct{})}
	p, audioQ, tok, _ := newTestPlayer(fp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Chunk 0 blocks in Play; chunks 1 and 2 arrive and sit in pending,
	// contiguous and ready to drain as soon as chunk 0 returns.
	audioQ.Put(ctx, core.AudioChunk{Sequence: 0, Samples: []byte{0}, Status: core.AudioOK})

	deadline := time.After(time.Second)
	for !fp.IsPlaying() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for chunk 0 to start playing")
		case <-time.After(5 * time.Millisecond):
		}
	}

	audioQ.Put(ctx, core.AudioChunk{Sequence: 1, Samples: []byte{1}, Status: core.AudioOK})
	audioQ.Put(ctx, core.AudioChunk{Sequence: 2, Samples: []byte{2}, Status: core.AudioOK})

	tok.Raise()
	close(fp.block) // let playOne return for chunk 0 now that the token is raised

	deadline = time.After(time.Second)
	for fp.stops == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Stop after interrupt")
		case <-time.After(5 * time.Millisecond):
		}
	}

	time.Sleep(30 * time.Millisecond) // give a buggy drain loop a chance to play ahead
	played := fp.sequence()
	if len(played) != 1 {
		t.Fatalf("expected only the interrupted chunk to have reached Play, got %v", played)
	}
}

func TestPlayer_RunStopsPlaybackWhenInterruptRaisedMidPlay(t *testing.T) {
	fp := &fakePlayer{block: make(chan struct{})}
	defer close(fp.block)
	p, audioQ, tok, _ := newTestPlayer(fp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	audioQ.Put(ctx, core.AudioChunk{Sequence: 0, Samples: []byte{1}, Status: core.AudioOK})

	deadline := time.After(time.Second)
	for !fp.IsPlaying() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for playback to start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	tok.Raise()

	deadline = time.After(time.Second)
	for fp.stops == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Stop to be called after interrupt")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
