package rtc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		enc:          nil, // encoder not exercised by this test
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(50 * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
}

func TestOpusPacedWriter_StopDrainsQueuedFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		enc:          nil,
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Stop()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
}

func TestOpusPacedWriter_PlaySkipsTooShortBuffer(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		enc:          nil,
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}

	if w.IsPlaying() {
		t.Fatalf("expected not playing before Play is called")
	}
	// A one-byte buffer is below the two-byte minimum for one PCM sample,
	// so Play must return immediately without touching the encoder.
	if err := w.Play(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("unexpected error for short buffer: %v", err)
	}
	if w.IsPlaying() {
		t.Fatalf("expected not playing after a no-op Play returns")
	}
}

func TestOpusPacedWriter_StopIsSafeWithoutAnyPlayInFlight(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		enc:          nil,
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	w.Stop() // must not panic when no Play call has run yet
}
