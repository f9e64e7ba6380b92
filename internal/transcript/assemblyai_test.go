package transcript

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/apperr"
)

func TestNewAssemblyAIService_TuningDefaults(t *testing.T) {
	s := NewAssemblyAIService("call-1", "test", Tuning{})
	if s.tuning.SilenceThreshold != 700*time.Millisecond {
		t.Fatalf("expected default silence threshold, got %v", s.tuning.SilenceThreshold)
	}
	if s.tuning.VoiceRMSThreshold != 250.0 {
		t.Fatalf("expected default rms threshold, got %v", s.tuning.VoiceRMSThreshold)
	}

	custom := NewAssemblyAIService("call-2", "test", Tuning{VoiceRMSThreshold: 500})
	if custom.tuning.VoiceRMSThreshold != 500 {
		t.Fatalf("expected overridden rms threshold, got %v", custom.tuning.VoiceRMSThreshold)
	}
}

func TestConnect_MissingAPIKeyReturnsConfigMissing(t *testing.T) {
	s := NewAssemblyAIService("call-1", "", Tuning{})
	err := s.Connect()
	if err == nil {
		t.Fatalf("expected an error for a missing api key")
	}
	appErr, ok := apperr.AsAppError(err)
	if !ok || appErr.Kind != apperr.KindConfigMissing {
		t.Fatalf("expected a config_missing app error, got %v", err)
	}
}

func TestSendAudio_NotConnectedReturnsTransientNetwork(t *testing.T) {
	s := NewAssemblyAIService("call-1", "test", Tuning{})
	err := s.SendAudio([]byte{0, 0})
	if err == nil {
		t.Fatalf("expected an error when not connected")
	}
	appErr, ok := apperr.AsAppError(err)
	if !ok || appErr.Kind != apperr.KindTransientNetwork {
		t.Fatalf("expected a transient_network app error, got %v", err)
	}
}

func TestDetectVoiceActivity_SetsLastVoiceOnLoudFrame(t *testing.T) {
	s := NewAssemblyAIService("call-1", "test", Tuning{})
	samples := make([]byte, 160*2)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(samples[i*2:(i+1)*2], 3000)
	}
	before := s.RecentlyDetectedVoice(time.Minute)
	s.detectVoiceActivity(samples)
	after := s.RecentlyDetectedVoice(time.Minute)
	if before || !after {
		t.Fatalf("expected voice detection change")
	}
}

func TestHelpers_LastWordAndContinuation(t *testing.T) {
	if lastWord("") != "" {
		t.Fatalf("lastWord empty mismatch")
	}
	if lastWord("hi there!") != "there" {
		t.Fatalf("lastWord basic mismatch")
	}
	if !isContinuationLikely("we should and") {
		t.Fatalf("expected continuation likely when last word is 'and'")
	}
	if isContinuationLikely("complete sentence.") {
		t.Fatalf("did not expect continuation likely")
	}
}
