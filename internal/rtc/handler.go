package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/barge"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/config"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/interrupt"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/llm"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/pipeline"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/reasoning"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/session"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/tools"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/transcript"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/tts"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler manages WebRTC peer connections, one call each, wiring the
// Streaming TTS Pipeline, Reasoning Loop, and Session Supervisor to the
// audio transport.
type Handler struct {
	cfg   config.Config
	synth core.Synthesizer
	chat  *llm.Client
}

// NewHandler constructs a Handler with long-lived, shared vendor clients.
// A fresh Pipeline, Loop, and Supervisor are built per call.
func NewHandler(cfg config.Config) *Handler {
	var synth core.Synthesizer
	switch cfg.TTSProvider {
	case "deepgram":
		synth = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
	default:
		synth = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	}
	return &Handler{
		cfg:   cfg,
		synth: synth,
		chat:  llm.NewClient(cfg.ChatBaseURL, cfg.ChatAPIKey, cfg.ChatModelID),
	}
}

// HandleOffer accepts an SDP offer and returns an SDP answer.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	pcs, _, outTrack, _, err := h.createPeerWithServices(h.cfg.ICEServersJSON)
	if err != nil {
		return SessionDescription{}, err
	}

	callID := generateCallID()
	h.attachMediaHandlers(callID, pcs, outTrack)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pcs.SetRemoteDescription(remoteOffer); err != nil {
		_ = pcs.Close()
		return SessionDescription{}, err
	}
	answer, err := pcs.CreateAnswer(nil)
	if err != nil {
		_ = pcs.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pcs)
	if err := pcs.SetLocalDescription(answer); err != nil {
		_ = pcs.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := pcs.LocalDescription()
	if local == nil {
		_ = pcs.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// createPeerWithServices prepares a PeerConnection with codecs/interceptors
// and an outbound audio sender track, returning a cleanup func.
func (h *Handler) createPeerWithServices(iceServersJSON string) (*webrtc.PeerConnection, *webrtc.API, *webrtc.TrackLocalStaticSample, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	servers := parseICEServers(iceServersJSON)
	pcs, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pcs.Close()
		return nil, nil, nil, nil, err
	}
	if _, err := pcs.AddTrack(outTrack); err != nil {
		_ = pcs.Close()
		return nil, nil, nil, nil, err
	}
	cleanup := func() { _ = pcs.Close() }
	return pcs, api, outTrack, cleanup, nil
}

// attachMediaHandlers wires the full Streaming TTS Pipeline / Reasoning
// Loop / Session Supervisor graph to one peer connection's audio track and
// control data channel.
func (h *Handler) attachMediaHandlers(callID string, peerConnection *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) {
	transcriber := transcript.NewAssemblyAIService(callID, h.cfg.AssemblyAIKey, transcript.Tuning{
		SilenceThreshold:      h.cfg.STTSilenceThreshold,
		ContinuationExtension: h.cfg.STTContinuationExtension,
		StabilizationGrace:    h.cfg.STTStabilizationGrace,
		VoiceRMSThreshold:     h.cfg.STTVoiceRMSThreshold,
	})

	tok := interrupt.New()
	var pacedPtr atomic.Pointer[OpusPacedWriter]

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			_ = transcriber.Close()
			if p := pacedPtr.Load(); p != nil {
				p.Close()
			}
			_ = peerConnection.Close()
		}
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})
	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] Control channel opened", callID)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "stop", "stop-speaking", "cancel", "barge-in":
				tok.Raise()
			}
		})
	})

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", callID, remote.Codec().MimeType)

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Printf("[%s] Opus encoder error: %v", callID, err)
			return
		}
		pacedPtr.Store(paced)

		if err := transcriber.Connect(); err != nil {
			log.Printf("[%s] Failed to connect to AssemblyAI (assistant replies disabled): %v", callID, err)
			return
		}
		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] Opus decoder error: %v", callID, derr)
			return
		}

		bargeCfg := barge.DefaultWebRTCHeadset().ApplyOverrides(barge.Config{
			CallID:          callID,
			ASRTokens:       h.cfg.BargeASRTokens,
			PreRollMs:       h.cfg.BargePreRollMs,
			FuseWinMs:       h.cfg.BargeFuseWinMs,
			HysteresisOffMs: h.cfg.BargeHysteresisOffMs,
		})
		bargeEngine := barge.NewEngine(bargeCfg, barge.Events{
			OnTrigger: func(_ time.Time, _ barge.Cues, _ []byte) {
				log.Printf("[%s] barge-in fusion triggered", callID)
				tok.Raise()
			},
			OnTTSStop: func(time.Time) { paced.Stop() },
		})
		out := newBargeAwarePlayer(paced, bargeEngine)

		sup, ctxSess, cancelSess := h.buildSupervisor(callID, out, tok)
		if err := sup.Start(ctxSess); err != nil {
			log.Printf("[%s] session start error: %v", callID, err)
		}

		go runFinalizedTurns(ctxSess, callID, sup, transcriber)
		go relayPartials(ctxSess, bargeEngine, transcriber)
		go micReader(ctxSess, callID, remote, dec, transcriber, bargeEngine)

		peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
				sup.Shutdown(context.Background())
				cancelSess()
				time.AfterFunc(400*time.Millisecond, paced.Close)
			}
		})
	})
}

// buildSupervisor assembles the Pipeline, tool Registry, Reasoning Loop,
// and Session Supervisor for one call, sharing this Handler's chat and
// synthesis clients.
func (h *Handler) buildSupervisor(callID string, out core.Player, tok *interrupt.Token) (*session.Supervisor, context.Context, context.CancelFunc) {
	registry := tools.NewRegistry()
	registry.Register(&tools.TimeTool{})
	registry.Register(&tools.Calculator{})

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.TextQueueSize = h.cfg.PipelineTextQueueSize
	pipeCfg.AudioQueueSize = h.cfg.PipelineAudioQueueSize
	pipeCfg.MaxTasks = h.cfg.PipelineMaxTasks
	pipe := pipeline.New(pipeCfg, h.synth, out, tok)
	registry.Register(tools.NewVoiceSelector(pipe.SetVoice))

	loop := &reasoning.Loop{Client: h.chat, Registry: registry, Pipe: pipe, Interrupt: tok}

	sessCfg := session.DefaultConfig()
	sessCfg.ReasoningTimeout = h.cfg.SessionReasoningTimeout
	sessCfg.TTSWaitTimeout = h.cfg.SessionTTSWaitTimeout
	sessCfg.PersistDir = h.cfg.SessionPersistDir

	sup := session.New(callID, h.cfg.ChatModelID, h.cfg.SystemPrompt, loop, pipe, tok, sessCfg)
	ctxSess, cancelSess := context.WithCancel(context.Background())
	return sup, ctxSess, cancelSess
}

// runFinalizedTurns drains the transcriber's per-utterance Finalize channel
// and routes each finalized utterance through the Session Supervisor.
func runFinalizedTurns(ctx context.Context, callID string, sup *session.Supervisor, transcriber core.StreamingTranscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-transcriber.Finalize():
			if !ok {
				return
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			log.Printf("[%s] heard(final): %s", callID, text)
			turn, err := sup.Turn(ctx, text)
			if err != nil {
				log.Printf("[%s] turn error: %v", callID, err)
				if errors.Is(err, session.ErrSessionEnded) {
					return
				}
				continue
			}
			log.Printf("[%s] turn %s outcome=%s", callID, turn.TurnID, turn.Outcome)
			if sup.State() == session.StateEnded {
				return
			}
		}
	}
}

// relayPartials forwards live partial transcripts to the barge-in engine so
// its ASR-growth vote has running text to compare against.
func relayPartials(ctx context.Context, engine *barge.EngineImpl, transcriber core.StreamingTranscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case partial, ok := <-transcriber.GetTranscripts():
			if !ok {
				return
			}
			engine.NotifyPartial(partial)
		}
	}
}

// micReader decodes incoming Opus RTP packets into 16kHz PCM and feeds
// them to the streaming transcriber and the barge-in engine in fixed-size
// chunks.
func micReader(ctx context.Context, callID string, remote *webrtc.TrackRemote, dec *opus.Decoder, transcriber core.StreamingTranscriber, bargeEngine *barge.EngineImpl) {
	const pcm16kChunkBytes = 3200
	pcmBuf := make([]byte, 0, pcm16kChunkBytes*4)
	samples := make([]int16, 1920)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read error: %v", callID, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			log.Printf("[%s] Opus decode error: %v", callID, decErr)
			continue
		}
		startLen := len(pcmBuf)
		need := n * 2
		if cap(pcmBuf)-len(pcmBuf) < need {
			tmp := make([]byte, len(pcmBuf), len(pcmBuf)+need+pcm16kChunkBytes)
			copy(tmp, pcmBuf)
			pcmBuf = tmp
		}
		pcmBuf = pcmBuf[:len(pcmBuf)+need]
		o := pcmBuf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(pcmBuf) >= pcm16kChunkBytes {
			chunk := pcmBuf[:pcm16kChunkBytes]
			if err := transcriber.SendPCM16KLE(chunk); err != nil {
				log.Printf("[%s] transcriber send error: %v", callID, err)
			}
			bargeEngine.FeedMic16k(chunk)
			copy(pcmBuf, pcmBuf[pcm16kChunkBytes:])
			pcmBuf = pcmBuf[:len(pcmBuf)-pcm16kChunkBytes]
		}
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func generateCallID() string { return uuid.NewString() }
