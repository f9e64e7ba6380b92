package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/apperr"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// workerPool pulls TextSegments off text_q, calls the synthesizer, and
// pushes AudioChunks onto audio_q. Up to MaxTasks goroutines run
// concurrently; each one loops pulling the next available segment, so
// steady-state parallelism self-limits at whatever the synthesizer and
// audio_q actually allow.
type workerPool struct {
	synth       core.Synthesizer
	textQ       *textQueue
	audioQ      *audioQueue
	genTimeout  time.Duration
	maxTasks    int
	currentVoice *atomic.Pointer[core.Voice]
	stats       *Stats

	active atomic.Int32
}

func newWorkerPool(synth core.Synthesizer, textQ *textQueue, audioQ *audioQueue, voice *atomic.Pointer[core.Voice], genTimeout time.Duration, maxTasks int, stats *Stats) *workerPool {
	return &workerPool{
		synth:        synth,
		textQ:        textQ,
		audioQ:       audioQ,
		genTimeout:   genTimeout,
		maxTasks:     maxTasks,
		currentVoice: voice,
		stats:        stats,
	}
}

// Run spawns MaxTasks worker goroutines and blocks until ctx is done.
func (p *workerPool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.maxTasks; i++ {
		go func() {
			p.worker(ctx)
			select {
			case done <- struct{}{}:
			default:
			}
		}()
	}
	<-ctx.Done()
}

func (p *workerPool) worker(ctx context.Context) {
	for {
		seg, ok := p.textQ.Get(ctx)
		if !ok {
			return
		}
		p.active.Add(1)
		p.stats.activeWorkers.Store(p.active.Load())
		chunk := p.synthesizeOne(ctx, seg)
		p.active.Add(-1)
		p.stats.activeWorkers.Store(p.active.Load())

		if !p.audioQ.Put(ctx, chunk) {
			return
		}
	}
}

// synthesizeOne enforces the per-segment generation timeout and the
// exactly-one-retry policy for transient network errors. On timeout or
// any unretried error it returns a failed AudioChunk with the same
// sequence so the player never stalls waiting for a gap.
func (p *workerPool) synthesizeOne(ctx context.Context, seg core.TextSegment) core.AudioChunk {
	voiceID := ""
	if v := p.currentVoice.Load(); v != nil {
		voiceID = v.VendorVoiceID
	}

	samples, err := p.callWithTimeout(ctx, seg.Text, voiceID)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Retryable {
			time.Sleep(250 * time.Millisecond)
			samples, err = p.callWithTimeout(ctx, seg.Text, voiceID)
		}
	}
	if err != nil {
		p.stats.audioFailed.Add(1)
		return core.AudioChunk{Sequence: seg.Sequence, Status: core.AudioFailed}
	}
	p.stats.audioGenerated.Add(1)
	return core.AudioChunk{Sequence: seg.Sequence, Samples: samples, Status: core.AudioOK, DurationMS: estimateDurationMS(len(samples))}
}

func (p *workerPool) callWithTimeout(ctx context.Context, text, voiceID string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, p.genTimeout)
	defer cancel()
	return p.synth.Synthesize(cctx, text, voiceID)
}

// estimateDurationMS is a crude estimate assuming 16-bit mono PCM at
// 24kHz; concrete synthesizer adapters may override downstream by
// reporting their own duration where the vendor protocol provides one.
func estimateDurationMS(byteLen int) int {
	const bytesPerMS = 24000 * 2 / 1000
	if bytesPerMS == 0 {
		return 0
	}
	return byteLen / bytesPerMS
}
