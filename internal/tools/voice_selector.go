package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// defaultVoiceTable maps a language name to its vendor voice id, grounded
// on original_source/conversation_session.py's _get_default_voice(): a
// static per-language default rather than a remote lookup.
var defaultVoiceTable = map[string]core.Voice{
	"chinese":    {ID: "voice_zh", Language: "chinese", VendorVoiceID: "zh-CN-default"},
	"english":    {ID: "voice_en", Language: "english", VendorVoiceID: "en-US-default"},
	"japanese":   {ID: "voice_ja", Language: "japanese", VendorVoiceID: "ja-JP-default"},
	"spanish":    {ID: "voice_es", Language: "spanish", VendorVoiceID: "es-ES-default"},
	"french":     {ID: "voice_fr", Language: "french", VendorVoiceID: "fr-FR-default"},
	"vietnamese": {ID: "voice_vi", Language: "vietnamese", VendorVoiceID: "vi-VN-default"},
}

// VoiceSelector implements the detectLanguageAndSelectVoice tool. Its
// name deliberately contains no underscores so it survives the sentence
// splitter's markdown-stripping cleaner.
type VoiceSelector struct {
	table  map[string]core.Voice
	setter func(*core.Voice)
}

// NewVoiceSelector returns a VoiceSelector that calls setVoice whenever a
// language is recognized. setVoice is normally Pipeline.SetVoice.
func NewVoiceSelector(setVoice func(*core.Voice)) *VoiceSelector {
	return &VoiceSelector{table: defaultVoiceTable, setter: setVoice}
}

func (v *VoiceSelector) Name() string        { return "detectLanguageAndSelectVoice" }
func (v *VoiceSelector) Description() string { return "Detects the target language and switches the agent's speaking voice to match it." }

func (v *VoiceSelector) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"language": map[string]any{
				"type":        "string",
				"description": "The language to switch to, e.g. \"english\" or \"chinese\".",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the switch is being made.",
			},
		},
		"required": []string{"language"},
	}
}

type voiceSelectorArgs struct {
	Language string `json:"language"`
	Reason   string `json:"reason"`
}

// Invoke atomically updates the pipeline's voice and returns synchronously
// without waiting for or flushing any in-flight audio.
func (v *VoiceSelector) Invoke(ctx context.Context, argsJSON string) (string, error) {
	var args voiceSelectorArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	voice, ok := v.table[normalizeLanguage(args.Language)]
	if !ok {
		return fmt.Sprintf("unrecognized language %q, voice unchanged", args.Language), nil
	}
	v.setter(&voice)
	return fmt.Sprintf("voice switched to %s", voice.Language), nil
}

func normalizeLanguage(lang string) string {
	out := make([]rune, 0, len(lang))
	for _, r := range lang {
		if r >= 'A' && r <= 'Z' {
			r = r + ('a' - 'A')
		}
		out = append(out, r)
	}
	return string(out)
}
