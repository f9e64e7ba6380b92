package pipeline

import "testing"

func TestStats_SnapshotReflectsCountersAndQueueDepths(t *testing.T) {
	stats := newStats()
	textQ := newTextQueue(4)
	audioQ := newAudioQueue(4)

	stats.textReceived.Add(3)
	stats.textDropped.Add(1)
	stats.audioGenerated.Add(2)
	stats.audioFailed.Add(1)
	stats.audioPlayed.Add(2)
	stats.activeWorkers.Store(2)

	snap := stats.Snapshot(textQ, audioQ)
	if snap.TextReceived != 3 || snap.TextDropped != 1 || snap.AudioGenerated != 2 ||
		snap.AudioFailed != 1 || snap.AudioPlayed != 2 || snap.ActiveWorkers != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.TextQDepth != 0 || snap.AudioQDepth != 0 {
		t.Fatalf("expected empty queues to report zero depth, got %+v", snap)
	}
}
