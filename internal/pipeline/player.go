package pipeline

import (
	"context"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/interrupt"
)

// player plays AudioChunks in strict ascending sequence despite
// out-of-order arrival on audio_q, buffering early arrivals in pending
// until the chunk at nextSeq shows up.
type player struct {
	out          core.Player
	audioQ       *audioQueue
	playTimeout  time.Duration
	interrupt    *interrupt.Token
	stats        *Stats

	nextSeq int
	pending map[int]core.AudioChunk
}

func newPlayer(out core.Player, audioQ *audioQueue, playTimeout time.Duration, tok *interrupt.Token, stats *Stats) *player {
	return &player{
		out:         out,
		audioQ:      audioQ,
		playTimeout: playTimeout,
		interrupt:   tok,
		stats:       stats,
		pending:     make(map[int]core.AudioChunk),
	}
}

// resetForNewTurn restarts sequencing at 0 and clears anything buffered
// from a prior, now-abandoned turn (barge-in or normal turn boundary).
func (p *player) resetForNewTurn() {
	p.nextSeq = 0
	p.pending = make(map[int]core.AudioChunk)
}

// Run drives the play loop until ctx is cancelled. It is meant to be run
// on its own long-lived goroutine for the whole pipeline lifetime;
// resetForNewTurn is called by the pipeline between turns, not by
// stopping and restarting Run.
//
// lastHandledGen tracks which interrupt generation has already been
// drained, so a raised-but-not-yet-reset token (a closed channel, always
// ready in a select) is only acted on once instead of spinning the loop.
func (p *player) Run(ctx context.Context) {
	var lastHandledGen uint64 = ^uint64(0)

	for {
		var interruptCh <-chan struct{}
		if gen := p.interrupt.Generation(); gen != lastHandledGen && p.interrupt.Raised() {
			interruptCh = p.interrupt.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-interruptCh:
			lastHandledGen = p.interrupt.Generation()
			p.handleInterrupt()
			continue
		case chunk := <-p.audioQ.ch:
			p.pending[chunk.Sequence] = chunk
			for {
				if p.interrupt.Raised() {
					break
				}
				next, have := p.pending[p.nextSeq]
				if !have {
					break
				}
				delete(p.pending, p.nextSeq)
				if next.Status == core.AudioOK {
					p.playOne(ctx, next)
				}
				p.nextSeq++
			}
		}
	}
}

func (p *player) playOne(ctx context.Context, chunk core.AudioChunk) {
	cctx, cancel := context.WithTimeout(ctx, p.playTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.out.Play(cctx, chunk.Samples) }()

	select {
	case <-done:
		p.stats.audioPlayed.Add(1)
	case <-cctx.Done():
		p.out.Stop()
		<-done
	case <-p.interrupt.Done():
		p.out.Stop()
		<-done
	}
}

// handleInterrupt discards pending chunks and drains audio_q per spec
// §4.4: stop the current chunk, discard pending + drain audio_q, reset
// next_seq. The splitter buffer and reasoning-loop cancellation are the
// responsibility of those components observing the same token.
func (p *player) handleInterrupt() {
	p.out.Stop()
	p.audioQ.Drain()
	p.resetForNewTurn()
}
