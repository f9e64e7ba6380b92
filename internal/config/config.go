package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration, grouped by the subsystem that
// consumes it: transport/signaling, STT, chat, TTS, the streaming
// pipeline, and session lifecycle.
type Config struct {
	HTTPAddress    string
	AuthPassword   string
	ICEServersJSON string

	AssemblyAIKey            string
	STTSilenceThreshold      time.Duration
	STTContinuationExtension time.Duration
	STTStabilizationGrace    time.Duration
	STTVoiceRMSThreshold     float64

	BargeASRTokens       int
	BargePreRollMs       int
	BargeFuseWinMs       int
	BargeHysteresisOffMs int

	ChatBaseURL     string
	ChatAPIKey      string
	ChatModelID     string
	ChatTemperature float64

	TTSProvider       string // "elevenlabs" or "deepgram"
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	DeepgramModel     string

	PipelineTextQueueSize  int
	PipelineAudioQueueSize int
	PipelineMaxTasks       int

	SessionReasoningTimeout time.Duration
	SessionTTSWaitTimeout   time.Duration
	SessionPersistDir       string

	SystemPrompt string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("config: %s must be an integer, got %q", key, v)
	}
	return n
}

func envFloatOr(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("config: %s must be a number, got %q", key, v)
	}
	return f
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("config: %s must be a duration (e.g. \"60s\"), got %q", key, v)
	}
	return d
}

const defaultSystemPrompt = "You are a helpful voice assistant. Keep replies short and conversational."

// Load reads environment variables and returns Config. Missing vendor
// API keys are logged as warnings and do not stop startup; log.Fatalf is
// used only for an unrecognized TTS_PROVIDER and for malformed numeric or
// duration values. Optional keys fall back to sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, relying on process environment")
	}

	ttsProvider := envOr("TTS_PROVIDER", "elevenlabs")

	cfg := Config{
		HTTPAddress:    envOr("HTTP_ADDRESS", ":8080"),
		AuthPassword:   os.Getenv("RTC_AUTH_PASSWORD"),
		ICEServersJSON: envOr("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),

		AssemblyAIKey:            os.Getenv("ASSEMBLYAI_API_KEY"),
		STTSilenceThreshold:      envDurationOr("STT_SILENCE_THRESHOLD", 700*time.Millisecond),
		STTContinuationExtension: envDurationOr("STT_CONTINUATION_EXTENSION", 1200*time.Millisecond),
		STTStabilizationGrace:    envDurationOr("STT_STABILIZATION_GRACE", 250*time.Millisecond),
		STTVoiceRMSThreshold:     envFloatOr("STT_VOICE_RMS_THRESHOLD", 250.0),

		BargeASRTokens:       envIntOr("BARGE_ASR_TOKENS", 0),
		BargePreRollMs:       envIntOr("BARGE_PRE_ROLL_MS", 0),
		BargeFuseWinMs:       envIntOr("BARGE_FUSE_WIN_MS", 0),
		BargeHysteresisOffMs: envIntOr("BARGE_HYSTERESIS_OFF_MS", 0),

		ChatBaseURL:     envOr("CHAT_BASE_URL", "https://api.cerebras.ai/v1"),
		ChatAPIKey:      os.Getenv("CHAT_API_KEY"),
		ChatModelID:     envOr("CHAT_MODEL_ID", "gpt-oss-120b"),
		ChatTemperature: envFloatOr("CHAT_TEMPERATURE", 0.7),

		TTSProvider:       ttsProvider,
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: envOr("ELEVENLABS_VOICE_ID", ""),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     envOr("DEEPGRAM_MODEL", "aura-2-thalia-en"),

		PipelineTextQueueSize:  envIntOr("PIPELINE_TEXT_QUEUE_SIZE", 15),
		PipelineAudioQueueSize: envIntOr("PIPELINE_AUDIO_QUEUE_SIZE", 10),
		PipelineMaxTasks:       envIntOr("PIPELINE_MAX_TASKS", 50),

		SessionReasoningTimeout: envDurationOr("SESSION_REASONING_TIMEOUT", 60*time.Second),
		SessionTTSWaitTimeout:   envDurationOr("SESSION_TTS_WAIT_TIMEOUT", 30*time.Second),
		SessionPersistDir:       envOr("SESSION_PERSIST_DIR", "sessions/"),

		SystemPrompt: envOr("SYSTEM_PROMPT", defaultSystemPrompt),
	}

	if cfg.AssemblyAIKey == "" {
		log.Println("config: ASSEMBLYAI_API_KEY not set - transcription will not work")
	}
	if cfg.ChatAPIKey == "" {
		log.Println("config: CHAT_API_KEY not set - reasoning loop will not work")
	}
	switch ttsProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			log.Println("config: ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	case "deepgram":
		if cfg.DeepgramKey == "" {
			log.Println("config: DEEPGRAM_API_KEY not set - TTS will not work")
		}
	default:
		log.Fatalf("config: TTS_PROVIDER must be \"elevenlabs\" or \"deepgram\", got %q", ttsProvider)
	}

	log.Printf("config: HTTP_ADDRESS=%s TTS_PROVIDER=%s CHAT_MODEL_ID=%s", cfg.HTTPAddress, cfg.TTSProvider, cfg.ChatModelID)
	return cfg
}
