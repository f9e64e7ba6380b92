// Package pipeline implements the Streaming TTS Pipeline: sentence
// splitting, bounded text/audio queues, a synth worker pool, and an
// ordered player, wired together with the shared interrupt token.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/interrupt"
)

// Config holds the pipeline's tunable queue sizes, worker cap, chunk
// length bounds, and timeouts.
type Config struct {
	TextQueueSize     int
	AudioQueueSize    int
	MaxTasks          int
	MinChunkLength    int
	MaxChunkLength    int
	GenTimeout        time.Duration
	PlayTimeout       time.Duration
	TryPutDeadline    time.Duration
	AlphabeticScript  bool
}

// DefaultConfig returns the pipeline's standard numeric defaults.
func DefaultConfig() Config {
	return Config{
		TextQueueSize:    15,
		AudioQueueSize:   10,
		MaxTasks:         50,
		MinChunkLength:   DefaultMinChunkLength,
		MaxChunkLength:   DefaultMaxChunkLength,
		GenTimeout:       15 * time.Second,
		PlayTimeout:      30 * time.Second,
		TryPutDeadline:   100 * time.Millisecond,
		AlphabeticScript: true,
	}
}

// Pipeline is the whole Streaming TTS Pipeline for one session. It is
// created once at session startup and lives for the session's lifetime;
// individual turns just call Ingest/FlushTurn/ResetTurn on it.
type Pipeline struct {
	cfg       Config
	splitter  *Splitter
	textQ     *textQueue
	audioQ    *audioQueue
	workers   *workerPool
	player    *player
	stats     *Stats
	interrupt *interrupt.Token
	voice     atomic.Pointer[core.Voice]
}

// New constructs a Pipeline. synth and out are the Synthesizer and Player
// adapters this session was configured with.
func New(cfg Config, synth core.Synthesizer, out core.Player, tok *interrupt.Token) *Pipeline {
	stats := newStats()
	textQ := newTextQueue(cfg.TextQueueSize)
	audioQ := newAudioQueue(cfg.AudioQueueSize)

	splitter := NewSplitter(cfg.AlphabeticScript)
	if cfg.MinChunkLength > 0 {
		splitter.MinChunkLength = cfg.MinChunkLength
	}
	if cfg.MaxChunkLength > 0 {
		splitter.MaxChunkLength = cfg.MaxChunkLength
	}

	p := &Pipeline{
		cfg:       cfg,
		splitter:  splitter,
		textQ:     textQ,
		audioQ:    audioQ,
		stats:     stats,
		interrupt: tok,
	}
	p.workers = newWorkerPool(synth, textQ, audioQ, &p.voice, cfg.GenTimeout, cfg.MaxTasks, stats)
	p.player = newPlayer(out, audioQ, cfg.PlayTimeout, tok, stats)
	return p
}

// Start launches the worker pool and player goroutines. ctx bounds the
// whole pipeline's lifetime (cancelled at session shutdown).
func (p *Pipeline) Start(ctx context.Context) {
	go p.workers.Run(ctx)
	go p.player.Run(ctx)
}

// SetVoice atomically replaces the voice every subsequent synthesis call
// will use. Called only by the voice selector tool.
func (p *Pipeline) SetVoice(v *core.Voice) {
	p.voice.Store(v)
}

// Voice returns the currently active voice, or nil if none was ever set.
func (p *Pipeline) Voice() *core.Voice {
	return p.voice.Load()
}

// Ingest feeds one fragment of assistant text into the splitter and
// enqueues every resulting segment onto text_q, applying a
// try-put-then-drop-oldest backpressure policy. Each segment gets at most
// two TryPut attempts of up to TryPutDeadline each, so one segment blocks
// the reasoning loop for at most twice TryPutDeadline. It returns the segments the
// splitter emitted so the caller can track exactly what will be spoken,
// which is not necessarily everything in fragment: the splitter strips
// markdown, drops URL sentences, and removes control sentinels.
func (p *Pipeline) Ingest(ctx context.Context, fragment string, isFinalOfTurn bool) []Segment {
	segments := p.splitter.Ingest(fragment, isFinalOfTurn)
	for _, seg := range segments {
		p.stats.textReceived.Add(1)
		if p.textQ.TryPut(ctx, seg, p.cfg.TryPutDeadline) {
			continue
		}
		p.textQ.DropOldest()
		p.stats.textDropped.Add(1)
		// Retry once after dropping the oldest; if this also fails we
		// drop the new segment too rather than block further.
		if !p.textQ.TryPut(ctx, seg, p.cfg.TryPutDeadline) {
			p.stats.textDropped.Add(1)
		}
	}
	return segments
}

// ShouldEnd reports whether the splitter observed a control sentinel
// during the current turn.
func (p *Pipeline) ShouldEnd() bool { return p.splitter.ShouldEnd() }

// ResetTurn clears the splitter buffer and restarts the player's sequence
// numbering at 0, for a fresh turn or after a barge-in.
func (p *Pipeline) ResetTurn() {
	p.splitter.Reset()
	p.player.resetForNewTurn()
}

// Stats returns a snapshot of the running counters.
func (p *Pipeline) Stats() core.PipelineStats {
	return p.stats.Snapshot(p.textQ, p.audioQ)
}

// DrainTimeout blocks until both queues are empty, no synth worker is busy
// and the output player is not playing (all produced audio has been
// played), or ctx is done, whichever comes first. The supervisor
// calls this to implement tts_wait_timeout.
func (p *Pipeline) DrainTimeout(ctx context.Context, poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if p.textQ.Depth() == 0 && p.audioQ.Depth() == 0 &&
			p.stats.activeWorkers.Load() == 0 && !p.player.out.IsPlaying() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
