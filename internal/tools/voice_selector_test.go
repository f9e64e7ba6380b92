package tools

import (
	"context"
	"testing"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

func TestVoiceSelector_RecognizedLanguageSwitchesVoice(t *testing.T) {
	var got *core.Voice
	vs := NewVoiceSelector(func(v *core.Voice) { got = v })

	result, err := vs.Invoke(context.Background(), `{"language": "French", "reason": "user asked"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.VendorVoiceID != "fr-FR-default" {
		t.Fatalf("expected setter called with french voice, got %+v", got)
	}
	if result != "voice switched to french" {
		t.Fatalf("unexpected result message: %q", result)
	}
}

func TestVoiceSelector_UnrecognizedLanguageLeavesVoiceUnchanged(t *testing.T) {
	called := false
	vs := NewVoiceSelector(func(v *core.Voice) { called = true })

	result, err := vs.Invoke(context.Background(), `{"language": "klingon"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("expected setter not to be called for an unrecognized language")
	}
	if result == "" {
		t.Fatalf("expected a non-empty explanatory result")
	}
}

func TestVoiceSelector_InvalidArgumentsReturnsError(t *testing.T) {
	vs := NewVoiceSelector(func(v *core.Voice) {})
	_, err := vs.Invoke(context.Background(), `not json`)
	if err == nil {
		t.Fatalf("expected an error for invalid JSON arguments")
	}
}

func TestVoiceSelector_NameHasNoUnderscores(t *testing.T) {
	vs := NewVoiceSelector(func(v *core.Voice) {})
	for _, r := range vs.Name() {
		if r == '_' {
			t.Fatalf("expected tool name to contain no underscores, got %q", vs.Name())
		}
	}
}

func TestNormalizeLanguage(t *testing.T) {
	if got := normalizeLanguage("ENGLISH"); got != "english" {
		t.Fatalf("expected lowercase, got %q", got)
	}
}
