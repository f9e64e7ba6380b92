package barge

import (
	"encoding/binary"
	"log"
	"math"
	"strings"
	"sync"
	"time"
)

// lightweight DSP stand-ins to keep this self-contained and testable.
// Swap these for CGO bindings to WebRTC AEC3/RNNoise and a real double-talk
// detector when latency and accuracy requirements demand it.

type passthroughAEC struct {
	refRing *circularPCM
}

func newPassthroughAEC(sr int) *passthroughAEC { return &passthroughAEC{refRing: newCircularPCM(2000, sr)} }

// feedRef accepts 10ms reference audio at the engine's sample rate.
func (a *passthroughAEC) feedRef(frame Frame10ms) { a.refRing.Write(frame) }

// process is a placeholder echo canceller: it passes audio through
// unmodified. A production build replaces this with real AEC.
func (a *passthroughAEC) process(near Frame10ms) Frame10ms {
	out := make([]int16, len(near))
	copy(out, near)
	return Frame10ms(out)
}

type energyVAD struct {
	thresholdRMS float64
	smoothN      int
	window       []bool
}

func newEnergyVAD() *energyVAD { return &energyVAD{thresholdRMS: 300.0, smoothN: 4} }

func (v *energyVAD) isSpeech(frame Frame10ms) bool {
	if len(frame) == 0 {
		return false
	}
	var sumSquares float64
	for _, s := range frame {
		f := float64(s)
		sumSquares += f * f
	}
	rms := math.Sqrt(sumSquares / float64(len(frame)))
	above := rms >= v.thresholdRMS

	v.window = append(v.window, above)
	if len(v.window) > v.smoothN {
		v.window = v.window[len(v.window)-v.smoothN:]
	}
	trueCount := 0
	for _, x := range v.window {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(v.window)
}

// energyDTD is a coarse double-talk detector: it flags overlap whenever
// residual energy in the recent mic window is itself loud, which is a weak
// but cheap proxy for "the caller kept talking through playback".
type energyDTD struct {
	thresholdRMS float64
	lastOverlap  bool
}

func newEnergyDTD() *energyDTD { return &energyDTD{thresholdRMS: 500.0} }

func (d *energyDTD) overlap(residualWindow []Frame10ms, _ []Frame10ms) bool {
	var sumSquares float64
	var n int
	for _, f := range residualWindow {
		for _, s := range f {
			x := float64(s)
			sumSquares += x * x
			n++
		}
	}
	if n == 0 {
		return false
	}
	rms := math.Sqrt(sumSquares / float64(n))
	d.lastOverlap = rms > d.thresholdRMS
	return d.lastOverlap
}

// circularPCM stores 16-bit PCM samples for pre-roll capture and the AEC
// reference ring.
type circularPCM struct {
	mu         sync.Mutex
	buf        []int16
	capacity   int
	writePos   int
	sampleRate int
}

func newCircularPCM(capacityMs int, sampleRate int) *circularPCM {
	samples := capacityMs * sampleRate / 1000
	if samples < sampleRate/10 {
		samples = sampleRate / 10
	}
	return &circularPCM{buf: make([]int16, samples), capacity: samples, sampleRate: sampleRate}
}

func (c *circularPCM) Write(frame Frame10ms) {
	c.mu.Lock()
	for _, s := range frame {
		c.buf[c.writePos] = s
		c.writePos = (c.writePos + 1) % c.capacity
	}
	c.mu.Unlock()
}

func (c *circularPCM) ReadLastMs(ms int) []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := ms * c.sampleRate / 1000
	if n > c.capacity {
		n = c.capacity
	}
	out := make([]int16, n)
	start := (c.writePos - n + c.capacity) % c.capacity
	for i := 0; i < n; i++ {
		out[i] = c.buf[(start+i)%c.capacity]
	}
	return out
}

func (c *circularPCM) ZeroLastMs(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := ms * c.sampleRate / 1000
	if n > c.capacity {
		n = c.capacity
	}
	for i := 0; i < n; i++ {
		idx := (c.writePos - 1 - i + c.capacity) % c.capacity
		c.buf[idx] = 0
	}
}

// voteWindow tracks a rolling true/false history over a fixed duration,
// expressed in 10ms frame counts, and reports the fraction that were true.
type voteWindow struct {
	mu       sync.Mutex
	history  []bool
	maxItems int
}

func newVoteWindow(ms int) *voteWindow {
	return &voteWindow{maxItems: ms/10 + 1}
}

func (v *voteWindow) Push(b bool) {
	v.mu.Lock()
	v.history = append(v.history, b)
	if len(v.history) > v.maxItems {
		v.history = v.history[len(v.history)-v.maxItems:]
	}
	v.mu.Unlock()
}

func (v *voteWindow) Ratio() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.history) == 0 {
		return 0
	}
	trueCount := 0
	for _, b := range v.history {
		if b {
			trueCount++
		}
	}
	return float64(trueCount) / float64(len(v.history))
}

func (v *voteWindow) Reset() {
	v.mu.Lock()
	v.history = v.history[:0]
	v.mu.Unlock()
}

// frameWindow keeps the latest N 10ms frames for windowed analysis (DTD).
type frameWindow struct {
	mu     sync.Mutex
	frames []Frame10ms
	size   int
}

func newFrameWindow(n int) *frameWindow { return &frameWindow{size: n} }

func (w *frameWindow) Push(f Frame10ms) {
	w.mu.Lock()
	w.frames = append(w.frames, f)
	if len(w.frames) > w.size {
		w.frames = w.frames[len(w.frames)-w.size:]
	}
	w.mu.Unlock()
}

func (w *frameWindow) Snapshot() []Frame10ms {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Frame10ms, len(w.frames))
	copy(out, w.frames)
	return out
}

// spokenWordSet is a small Bloom filter used to discount words the engine
// just heard itself say via TTS, so ASR growth made up of echoed words
// doesn't count toward a barge-in vote.
type spokenWordSet struct{ bits []byte }

func newSpokenWordSet(n int) *spokenWordSet { return &spokenWordSet{bits: make([]byte, n)} }

func (b *spokenWordSet) hash(s string) int {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return int(h) % len(b.bits)
}

func (b *spokenWordSet) Add(s string) {
	if len(b.bits) > 0 {
		b.bits[b.hash(s)] = 1
	}
}

func (b *spokenWordSet) Contains(s string) bool {
	return len(b.bits) > 0 && b.bits[b.hash(s)] == 1
}

// EngineImpl implements Engine by fusing a voice-activity vote, an ASR
// token-growth vote and a double-talk vote over a short rolling window.
type EngineImpl struct {
	cfg Config
	ev  Events

	speaking bool

	aec      *passthroughAEC
	vad      *energyVAD
	dtd      *energyDTD
	micWin   *frameWindow
	refWin   *frameWindow
	ttsRef   *circularPCM
	preRoll  *circularPCM
	votesOn  *voteWindow
	votesOff *voteWindow
	spoken   *spokenWordSet

	lastPartial string
	lastTokens  []string

	mu sync.Mutex
}

func NewEngine(cfg Config, ev Events) *EngineImpl {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &EngineImpl{
		cfg:      cfg,
		ev:       ev,
		aec:      newPassthroughAEC(cfg.SampleRate),
		vad:      newEnergyVAD(),
		dtd:      newEnergyDTD(),
		micWin:   newFrameWindow(16), // ~160ms
		refWin:   newFrameWindow(16),
		ttsRef:   newCircularPCM(2000, cfg.SampleRate),
		preRoll:  newCircularPCM(300, cfg.SampleRate),
		votesOn:  newVoteWindow(cfg.FuseWinMs),
		votesOff: newVoteWindow(cfg.HysteresisOffMs),
		spoken:   newSpokenWordSet(4096),
	}
}

func (e *EngineImpl) Reset() {
	e.mu.Lock()
	e.votesOn.Reset()
	e.votesOff.Reset()
	e.lastPartial = ""
	e.lastTokens = nil
	e.mu.Unlock()
	log.Printf("[%s] barge: reset", e.logID())
}

func (e *EngineImpl) SetSpeaking(on bool) { e.mu.Lock(); e.speaking = on; e.mu.Unlock() }

// FeedMic16k accepts 16kHz PCM16LE mic audio of arbitrary length and
// segments it into 10ms frames for analysis.
func (e *EngineImpl) FeedMic16k(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	samplesPer10ms := e.cfg.SampleRate / 100
	for off := 0; off+samplesPer10ms*2 <= len(pcm); off += samplesPer10ms * 2 {
		frame := make([]int16, samplesPer10ms)
		for i := 0; i < samplesPer10ms; i++ {
			frame[i] = int16(binary.LittleEndian.Uint16(pcm[off+i*2 : off+i*2+2]))
		}
		e.onMicFrame(Frame10ms(frame))
	}
}

// FeedTTS48k accepts 48kHz PCM16LE TTS reference audio and decimates it to
// cfg.SampleRate (by a factor of 3, which only holds for 16kHz engines).
func (e *EngineImpl) FeedTTS48k(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	if e.cfg.SampleRate != 16000 {
		return
	}
	const samplesPer10ms48k = 480
	for off := 0; off+samplesPer10ms48k*2 <= len(pcm); off += samplesPer10ms48k * 2 {
		ref48 := make([]int16, samplesPer10ms48k)
		for i := 0; i < samplesPer10ms48k; i++ {
			ref48[i] = int16(binary.LittleEndian.Uint16(pcm[off+i*2 : off+i*2+2]))
		}
		ref16 := make([]int16, samplesPer10ms48k/3)
		for i := range ref16 {
			ref16[i] = ref48[i*3]
		}
		e.aec.feedRef(Frame10ms(ref16))
		e.ttsRef.Write(Frame10ms(ref16))
		e.refWin.Push(Frame10ms(ref16))
	}
}

// NotifyPartial supplies the running ASR transcript; the engine derives
// token growth against the previous partial on the next mic frame.
func (e *EngineImpl) NotifyPartial(text string) {
	e.mu.Lock()
	e.lastPartial = text
	e.mu.Unlock()
}

// NotifyTTSText lets the engine discount words it is currently speaking.
func (e *EngineImpl) NotifyTTSText(text string) {
	for _, w := range strings.Fields(strings.ToLower(text)) {
		e.spoken.Add(w)
	}
}

func (e *EngineImpl) StartSpeaking(_ interface{}, _ <-chan string) {}
func (e *EngineImpl) CancelSpeaking()                              {}

// onMicFrame runs the fusion vote for one 10ms frame.
func (e *EngineImpl) onMicFrame(frame Frame10ms) {
	e.mu.Lock()
	speaking := e.speaking
	e.mu.Unlock()

	residual := e.aec.process(frame)
	e.preRoll.Write(residual)
	e.micWin.Push(residual)

	vadYes := e.vad.isSpeech(residual)
	dtdYes := e.dtd.overlap(e.micWin.Snapshot(), e.refWin.Snapshot())
	asrYes := e.asrGrowth()

	votes := 0
	if vadYes {
		votes++
	}
	if asrYes {
		votes++
	}
	if dtdYes {
		votes++
	}

	if !speaking {
		return
	}

	e.votesOn.Push(votes >= 2)
	e.votesOff.Push(votes == 0)
	if e.votesOn.Ratio() >= 2.0/3.0 {
		e.trigger(Cues{VAD: vadYes, ASR: asrYes, DTD: dtdYes})
		return
	}
	if e.votesOff.Ratio() >= 2.0/3.0 {
		e.votesOn.Reset()
	}
}

func (e *EngineImpl) asrGrowth() bool {
	e.mu.Lock()
	text := e.lastPartial
	e.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return false
	}
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return false
	}

	newCount := 0
	for i := len(e.lastTokens); i < len(tokens); i++ {
		w := tokens[i]
		if isStopword(w) || e.spoken.Contains(w) {
			continue
		}
		newCount++
		if newCount >= e.cfg.ASRTokens {
			e.lastTokens = tokens
			return true
		}
	}
	e.lastTokens = tokens
	return false
}

func (e *EngineImpl) trigger(cues Cues) {
	// zero the last 300ms of TTS reference so AEC doesn't keep cancelling
	// against audio that is about to stop.
	e.ttsRef.ZeroLastMs(300)

	pre := e.preRoll.ReadLastMs(e.cfg.PreRollMs)
	preBytes := make([]byte, len(pre)*2)
	for i, s := range pre {
		binary.LittleEndian.PutUint16(preBytes[i*2:(i+1)*2], uint16(s))
	}

	log.Printf("[%s] barge: trigger vad=%v asr=%v dtd=%v preroll_ms=%d", e.logID(), cues.VAD, cues.ASR, cues.DTD, e.cfg.PreRollMs)

	if e.ev.OnTTSStop != nil {
		e.ev.OnTTSStop(time.Now())
	}
	if e.ev.OnTrigger != nil {
		e.ev.OnTrigger(time.Now(), cues, preBytes)
	}
	e.votesOn.Reset()
	e.votesOff.Reset()
}

func (e *EngineImpl) logID() string {
	if e.cfg.CallID == "" {
		return "-"
	}
	return e.cfg.CallID
}

func isStopword(s string) bool {
	switch s {
	case "the", "a", "an", "and", "or", "to", "of", "in", "on", "for", "is", "it", "uh", "um":
		return true
	}
	return false
}
