package rtc

import (
	"context"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/barge"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// bargeAwarePlayer wraps a core.Player and mirrors every played buffer into
// the barge-in fusion engine as the echo-cancellation reference signal,
// toggling the engine's speaking flag around each call so voice detected
// mid-playback counts as a genuine interruption rather than background noise.
type bargeAwarePlayer struct {
	inner  core.Player
	engine *barge.EngineImpl
}

func newBargeAwarePlayer(inner core.Player, engine *barge.EngineImpl) *bargeAwarePlayer {
	return &bargeAwarePlayer{inner: inner, engine: engine}
}

func (p *bargeAwarePlayer) Play(ctx context.Context, samples []byte) error {
	p.engine.SetSpeaking(true)
	p.engine.FeedTTS48k(samples)
	defer p.engine.SetSpeaking(false)
	return p.inner.Play(ctx, samples)
}

func (p *bargeAwarePlayer) Stop() { p.inner.Stop() }

func (p *bargeAwarePlayer) IsPlaying() bool { return p.inner.IsPlaying() }
