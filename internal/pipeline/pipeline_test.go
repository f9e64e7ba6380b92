package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/interrupt"
)

func TestPipeline_IngestToPlaybackEndToEnd(t *testing.T) {
	synth := &fakeSynth{samples: []byte{1, 2, 3, 4}}
	out := &fakePlayer{}
	tok := interrupt.New()

	cfg := DefaultConfig()
	cfg.MaxTasks = 1
	p := New(cfg, synth, out, tok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Ingest(ctx, "This sentence is long enough to clear the minimum chunk length.", true)

	deadline := time.After(2 * time.Second)
	for {
		if len(out.sequence()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for synthesized audio to play")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPipeline_SetVoiceAndVoice(t *testing.T) {
	synth := &fakeSynth{samples: []byte{1}}
	out := &fakePlayer{}
	tok := interrupt.New()
	p := New(DefaultConfig(), synth, out, tok)

	if p.Voice() != nil {
		t.Fatalf("expected no voice set initially")
	}
	v := &core.Voice{ID: "v1", VendorVoiceID: "vendor-1"}
	p.SetVoice(v)
	if got := p.Voice(); got == nil || got.ID != "v1" {
		t.Fatalf("expected Voice() to return the set voice, got %+v", got)
	}
}

func TestPipeline_ShouldEndReflectsSplitterSentinel(t *testing.T) {
	synth := &fakeSynth{samples: []byte{1}}
	out := &fakePlayer{}
	tok := interrupt.New()
	p := New(DefaultConfig(), synth, out, tok)

	ctx := context.Background()
	p.Ingest(ctx, "Goodbye now. END_CONVERSATION", true)
	if !p.ShouldEnd() {
		t.Fatalf("expected ShouldEnd true after a control sentinel")
	}
}

func TestPipeline_ResetTurnClearsSplitterAndPlayerState(t *testing.T) {
	synth := &fakeSynth{samples: []byte{1}}
	out := &fakePlayer{}
	tok := interrupt.New()
	p := New(DefaultConfig(), synth, out, tok)

	p.Ingest(context.Background(), "Goodbye now. END_CONVERSATION", true)
	p.ResetTurn()
	if p.ShouldEnd() {
		t.Fatalf("expected ResetTurn to clear ShouldEnd")
	}
	if p.player.nextSeq != 0 {
		t.Fatalf("expected player sequence reset")
	}
}

func TestPipeline_DrainTimeoutReturnsTrueWhenQueuesEmpty(t *testing.T) {
	synth := &fakeSynth{samples: []byte{1}}
	out := &fakePlayer{}
	tok := interrupt.New()
	p := New(DefaultConfig(), synth, out, tok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !p.DrainTimeout(ctx, 5*time.Millisecond) {
		t.Fatalf("expected DrainTimeout true on already-empty queues")
	}
}

func TestPipeline_DrainTimeoutReturnsFalseWhenQueuesStayNonEmpty(t *testing.T) {
	out := &fakePlayer{block: make(chan struct{})}
	defer close(out.block)
	synth := &fakeSynth{samples: []byte{1, 2}}
	tok := interrupt.New()
	cfg := DefaultConfig()
	cfg.MaxTasks = 1
	p := New(cfg, synth, out, tok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Ingest(ctx, "This sentence is definitely long enough to clear the minimum.", true)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer drainCancel()
	if p.DrainTimeout(drainCtx, 5*time.Millisecond) {
		t.Fatalf("expected DrainTimeout to time out while playback is blocked")
	}
}
