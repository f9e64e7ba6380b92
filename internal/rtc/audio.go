package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// sampleTrack is the WebRTC surface OpusPacedWriter needs; satisfied by
// *webrtc.TrackLocalStaticSample and by test doubles.
type sampleTrack interface {
	WriteSample(media.Sample) error
}

// OpusPacedWriter encodes 48kHz PCM mono into Opus frames and paces them
// onto a WebRTC track at 20ms intervals. It implements core.Player so the
// Ordered Player can drive it directly.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleTrack
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex

	written    int64 // frames actually written to the track, atomic
	playing    atomic.Bool
	playCancel atomic.Pointer[chan struct{}]
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewOpusPacedWriter(track *webrtc.TrackLocalStaticSample) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: 960, // 20ms at 48kHz
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// Play implements core.Player: it encodes samples (48kHz PCM mono), paces
// the resulting Opus frames onto the track, and blocks until the last
// frame has actually been written, Stop is called, or ctx is cancelled.
func (w *OpusPacedWriter) Play(ctx context.Context, samples []byte) error {
	if len(samples) < 2 {
		return nil
	}
	cancel := make(chan struct{})
	w.playCancel.Store(&cancel)
	w.playing.Store(true)
	defer w.playing.Store(false)

	packets := w.encode(samples)
	for _, pkt := range packets {
		select {
		case <-cancel:
			return &core.PlayError{Reason: "stopped"}
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return &core.PlayError{Reason: "closed"}
		default:
		}
		w.pushFrame(pkt)
	}
	return w.waitDrained(ctx, cancel, len(packets))
}

// waitDrained blocks until approximately len(packets) frames have been
// dequeued by the pacer since the call started, or cancellation occurs.
func (w *OpusPacedWriter) waitDrained(ctx context.Context, cancel <-chan struct{}, queued int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(time.Duration(queued+5) * 25 * time.Millisecond)
	for {
		select {
		case <-cancel:
			return &core.PlayError{Reason: "stopped"}
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return &core.PlayError{Reason: "closed"}
		case <-ticker.C:
			if len(w.frames) == 0 {
				return nil
			}
			if time.Now().After(deadline) {
				return nil
			}
		}
	}
}

func (w *OpusPacedWriter) encode(pcmBytes []byte) [][]byte {
	need := len(pcmBytes) / 2
	pcmBuf := make([]int16, need)
	for i := 0; i < need; i++ {
		pcmBuf[i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}
	opusBuf := make([]byte, 4000)
	var packets [][]byte
	for len(pcmBuf) >= w.frameSamples {
		frame := pcmBuf[:w.frameSamples]
		n, err := w.enc.Encode(frame, opusBuf)
		if err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			packets = append(packets, pkt)
		}
		pcmBuf = pcmBuf[w.frameSamples:]
	}
	if len(pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, pcmBuf)
		n, err := w.enc.Encode(pad, opusBuf)
		if err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			packets = append(packets, pkt)
		}
	}
	return packets
}

// Stop implements core.Player: it preempts whatever Play call is
// currently blocking and drops any queued-but-unplayed frames.
func (w *OpusPacedWriter) Stop() {
	if p := w.playCancel.Load(); p != nil {
		select {
		case <-*p:
		default:
			close(*p)
		}
	}
	w.mu.Lock()
	for {
		select {
		case <-w.frames:
		default:
			w.mu.Unlock()
			return
		}
	}
}

// IsPlaying implements core.Player.
func (w *OpusPacedWriter) IsPlaying() bool { return w.playing.Load() }

// Close stops the pacer goroutine for good, on peer connection teardown.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
				atomic.AddInt64(&w.written, 1)
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- pkt:
			return
		}
	}
}
