package pipeline

import (
	"sync/atomic"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// Stats backs core.PipelineStats with atomics so every producer/consumer
// goroutine can update it without a separate lock.
type Stats struct {
	textReceived   atomic.Int64
	textDropped    atomic.Int64
	audioGenerated atomic.Int64
	audioFailed    atomic.Int64
	audioPlayed    atomic.Int64
	activeWorkers  atomic.Int32
}

func newStats() *Stats { return &Stats{} }

// Snapshot copies the current counters plus live queue depths into a
// core.PipelineStats value.
func (s *Stats) Snapshot(textQ *textQueue, audioQ *audioQueue) core.PipelineStats {
	return core.PipelineStats{
		TextReceived:   s.textReceived.Load(),
		TextDropped:    s.textDropped.Load(),
		AudioGenerated: s.audioGenerated.Load(),
		AudioFailed:    s.audioFailed.Load(),
		AudioPlayed:    s.audioPlayed.Load(),
		TextQDepth:     textQ.Depth(),
		AudioQDepth:    audioQ.Depth(),
		ActiveWorkers:  s.activeWorkers.Load(),
	}
}
