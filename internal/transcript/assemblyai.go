package transcript

import (
	"encoding/binary"
	"encoding/json"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/apperr"
)

// Tuning holds the knobs that vary across deployments. Zero-valued fields
// fall back to the defaults this adapter shipped with; callers only set
// what they want to override.
type Tuning struct {
	SilenceThreshold      time.Duration
	ContinuationExtension time.Duration
	StabilizationGrace    time.Duration
	VoiceRMSThreshold     float64
}

func (t Tuning) withDefaults() Tuning {
	if t.SilenceThreshold <= 0 {
		t.SilenceThreshold = 700 * time.Millisecond
	}
	if t.ContinuationExtension <= 0 {
		t.ContinuationExtension = 1200 * time.Millisecond
	}
	if t.StabilizationGrace <= 0 {
		t.StabilizationGrace = 250 * time.Millisecond
	}
	if t.VoiceRMSThreshold <= 0 {
		t.VoiceRMSThreshold = 250.0
	}
	return t
}

// AssemblyAIService is a core.StreamingTranscriber backed by AssemblyAI's
// v3 realtime websocket endpoint. One instance serves one call.
type AssemblyAIService struct {
	callID string
	apiKey string
	tuning Tuning

	conn        *websocket.Conn
	transcripts chan string
	finalizeCh  chan string
	audioData   chan []byte
	stopCh      chan struct{}

	mu        sync.RWMutex
	connected bool

	accMu                   sync.Mutex
	latestFullTranscript    string
	committedFullTranscript string
	lastUpdateTime          time.Time
	silenceTimer            *time.Timer
	lastVoiceTime           time.Time
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type           string  `json:"type"`
	Transcript     string  `json:"transcript"`
	TurnFormatted  bool    `json:"turn_is_formatted"`
	AudioStartTime float64 `json:"audio_start_time"`
	AudioEndTime   float64 `json:"audio_end_time"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIService builds a transcriber for one call. tuning may be the
// zero value; missing fields fall back to Tuning.withDefaults.
func NewAssemblyAIService(callID, apiKey string, tuning Tuning) *AssemblyAIService {
	return &AssemblyAIService{
		callID:      callID,
		apiKey:      apiKey,
		tuning:      tuning.withDefaults(),
		transcripts: make(chan string, 100),
		finalizeCh:  make(chan string, 10),
		audioData:   make(chan []byte, 1000),
		stopCh:      make(chan struct{}),
	}
}

func (s *AssemblyAIService) Finalize() <-chan string { return s.finalizeCh }

// Connect dials the realtime websocket and starts the read/write pumps.
func (s *AssemblyAIService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return apperr.ConfigMissing("ASSEMBLYAI_API_KEY")
	}

	endpoint := "wss://streaming.assemblyai.com/v3/ws?" + url.Values{
		"sample_rate":  {"16000"},
		"format_turns": {"false"},
		"encoding":     {"pcm_s16le"},
	}.Encode()

	header := map[string][]string{"Authorization": {s.apiKey}}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		return apperr.TransientNetwork("assemblyai websocket dial failed", err)
	}

	s.conn = conn
	s.connected = true
	log.Printf("[%s] transcript: connected to assemblyai", s.callID)

	go s.handleMessages()
	go s.sendAudioData()
	return nil
}

// SendAudio queues one chunk of 16kHz PCM16LE audio for the write pump and
// folds it into the voice-activity tracker used by RecentlyDetectedVoice.
func (s *AssemblyAIService) SendAudio(audioData []byte) error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return apperr.TransientNetwork("not connected to assemblyai", nil)
	}

	s.detectVoiceActivity(audioData)

	select {
	case s.audioData <- audioData:
	default:
		log.Printf("[%s] transcript: audio queue full, dropping frame", s.callID)
	}
	return nil
}

func (s *AssemblyAIService) SendPCM16KLE(pcm []byte) error { return s.SendAudio(pcm) }

func (s *AssemblyAIService) detectVoiceActivity(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		f := float64(sample)
		sumSquares += f * f
		count++
	}
	if count == 0 {
		return
	}
	rms := math.Sqrt(sumSquares / float64(count))
	if rms >= s.tuning.VoiceRMSThreshold {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	}
}

func (s *AssemblyAIService) GetTranscripts() <-chan string { return s.transcripts }
func (s *AssemblyAIService) Partials() <-chan string       { return s.transcripts }

func (s *AssemblyAIService) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	if s.lastVoiceTime.IsZero() {
		return false
	}
	return time.Since(s.lastVoiceTime) <= window
}

// Close terminates the session cleanly, flushing any uncommitted delta as
// a final transcript before the channels close.
func (s *AssemblyAIService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	s.accMu.Lock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	s.accMu.Unlock()

	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		s.flushPendingDelta()
		_ = s.conn.Close()
	}

	s.connected = false
	close(s.transcripts)
	close(s.finalizeCh)
	close(s.audioData)
	log.Printf("[%s] transcript: closed assemblyai session", s.callID)
	return nil
}

func (s *AssemblyAIService) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] transcript: read loop recovered: %v", s.callID, r)
		}
	}()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.processMessage(message)
	}
}

func (s *AssemblyAIService) processMessage(message []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		log.Printf("[%s] transcript: malformed message: %v", s.callID, err)
		return
	}

	switch probe.Type {
	case "Begin":
		var begin beginMessage
		_ = json.Unmarshal(message, &begin)
		log.Printf("[%s] transcript: session began id=%s expires_at=%d", s.callID, begin.ID, begin.ExpiresAt)

	case "Turn":
		var turn turnMessage
		if err := json.Unmarshal(message, &turn); err != nil {
			log.Printf("[%s] transcript: bad turn message: %v", s.callID, err)
			return
		}
		if turn.Transcript != "" {
			s.accMu.Lock()
			s.latestFullTranscript = turn.Transcript
			s.lastUpdateTime = time.Now()
			s.accMu.Unlock()

			select {
			case s.transcripts <- turn.Transcript:
			default:
			}

			s.accMu.Lock()
			if s.silenceTimer != nil {
				s.silenceTimer.Stop()
			}
			s.silenceTimer = time.AfterFunc(s.tuning.SilenceThreshold, s.finalizeDueToSilence)
			s.accMu.Unlock()
		}

	case "Termination":
		var term terminationMessage
		_ = json.Unmarshal(message, &term)
		log.Printf("[%s] transcript: session terminated audio=%.2fs session=%.2fs", s.callID, term.AudioDurationSeconds, term.SessionDurationSeconds)

	case "Error":
		var em errorMessage
		_ = json.Unmarshal(message, &em)
		log.Printf("[%s] transcript: assemblyai error: %s", s.callID, em.Error)

	default:
		log.Printf("[%s] transcript: unhandled message type %q", s.callID, probe.Type)
	}
}

// finalizeDueToSilence fires after tuning.SilenceThreshold of no new turn
// text. If the trailing word looks like a continuation (a conjunction,
// preposition, or filler), it extends once before committing, then takes a
// short stabilization pass to absorb any last-moment correction.
func (s *AssemblyAIService) finalizeDueToSilence() {
	s.accMu.Lock()
	text := s.latestFullTranscript
	s.accMu.Unlock()

	if strings.TrimSpace(text) == "" {
		return
	}

	if isContinuationLikely(text) {
		time.Sleep(s.tuning.ContinuationExtension)
		s.accMu.Lock()
		extended := s.latestFullTranscript
		s.accMu.Unlock()
		if extended != text {
			text = extended
		}
	}

	time.Sleep(s.tuning.StabilizationGrace)
	s.accMu.Lock()
	final := s.latestFullTranscript
	committed := s.committedFullTranscript
	s.accMu.Unlock()

	delta := strings.TrimPrefix(final, committed)
	if delta == final && committed != "" {
		if idx := strings.LastIndex(final, committed); idx >= 0 {
			delta = final[idx+len(committed):]
		}
	}
	delta = strings.TrimSpace(delta)
	if delta == "" {
		return
	}

	s.accMu.Lock()
	s.committedFullTranscript = final
	s.accMu.Unlock()

	select {
	case s.finalizeCh <- delta:
	default:
		log.Printf("[%s] transcript: finalize channel full, dropping delta", s.callID)
	}
}

func (s *AssemblyAIService) flushPendingDelta() {
	s.accMu.Lock()
	final := s.latestFullTranscript
	committed := s.committedFullTranscript
	s.accMu.Unlock()

	delta := strings.TrimSpace(strings.TrimPrefix(final, committed))
	if delta == "" {
		return
	}

	select {
	case s.finalizeCh <- delta:
	case <-time.After(200 * time.Millisecond):
		log.Printf("[%s] transcript: final delta flush timed out", s.callID)
	}
}

func isContinuationLikely(text string) bool {
	_, ok := continuationWords[strings.ToLower(lastWord(text))]
	return ok
}

func lastWord(text string) string {
	trimmed := strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

var continuationWords = map[string]struct{}{
	"and": {}, "but": {}, "or": {}, "so": {}, "because": {}, "if": {},
	"when": {}, "while": {}, "although": {}, "though": {}, "since": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {},
	"uh": {}, "um": {}, "like": {}, "the": {}, "a": {}, "an": {}, "is": {}, "are": {},
}

func (s *AssemblyAIService) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] transcript: write loop recovered: %v", s.callID, r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case chunk, ok := <-s.audioData:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				log.Printf("[%s] transcript: write error: %v", s.callID, err)
				return
			}
		}
	}
}
