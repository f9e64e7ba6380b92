package tts

import (
	"context"
	"testing"
	"time"
)

func TestElevenLabs_Synthesize_MissingCredentials(t *testing.T) {
	e := NewElevenLabsClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := e.Synthesize(ctx, "hello", "")
	if err == nil {
		t.Fatalf("expected an error when api key and voice id are missing")
	}
}

func TestElevenLabs_Synthesize_VoiceIDOverridesClientDefault(t *testing.T) {
	e := NewElevenLabsClient("key-only", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// With a key but no default voice id, passing voiceID should let the
	// call proceed past the missing-credentials check and fail instead on
	// the network request against the real ElevenLabs host.
	_, err := e.Synthesize(ctx, "hello", "voice-123")
	if err == nil {
		t.Fatalf("expected a network-layer error in this sandboxed test environment")
	}
}
