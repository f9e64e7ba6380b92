package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// realtimeWSMessage is a minimal signaling message format compatible with common Realtime APIs.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type realtimeWSMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin for demo use; restrict in production
		return true
	},
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer + trickle ICE signaling.
// It expects messages: auth(optional) -> offer -> candidates... and responds with answer + candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	authPassword := h.cfg.AuthPassword
	if authPassword != "" {
		if !checkAuthHeaderOrQuery(r, authPassword) {
			mt, data, rerr := conn.ReadMessage()
			if rerr != nil {
				_ = writeWSJSON(conn, realtimeWSMessage{Type: "error"}, fmt.Errorf("auth required"))
				return
			}
			if mt != websocket.TextMessage {
				_ = writeWSJSON(conn, realtimeWSMessage{Type: "error"}, fmt.Errorf("invalid auth frame"))
				return
			}
			var m realtimeWSMessage
			if jerr := json.Unmarshal(data, &m); jerr != nil || strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
				_ = writeWSJSON(conn, realtimeWSMessage{Type: "error"}, fmt.Errorf("unauthorized"))
				return
			}
		}
	}

	var offerSDP string
	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			log.Printf("ws read error before offer: %v", rerr)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m realtimeWSMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if strings.ToLower(m.Type) == "offer" && m.SDP != "" {
			offerSDP = m.SDP
			break
		}
		if strings.ToLower(m.Type) == "bye" {
			return
		}
	}

	pcs, api, outTrack, cleanup, err := h.createPeerWithServices(h.cfg.ICEServersJSON)
	if err != nil {
		_ = writeWSJSON(conn, realtimeWSMessage{Type: "error"}, err)
		return
	}
	defer cleanup()
	_ = api

	callID := generateCallID()

	pcs.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = writeWS(conn, realtimeWSMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		msg := realtimeWSMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex}
		_ = writeWS(conn, msg)
	})

	go func() {
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m realtimeWSMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pcs.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
			case "bye":
				_ = pcs.Close()
				return
			}
		}
	}()

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pcs.SetRemoteDescription(remoteOffer); err != nil {
		_ = writeWSJSON(conn, realtimeWSMessage{Type: "error"}, err)
		return
	}
	answer, err := pcs.CreateAnswer(nil)
	if err != nil {
		_ = writeWSJSON(conn, realtimeWSMessage{Type: "error"}, err)
		return
	}
	if err := pcs.SetLocalDescription(answer); err != nil {
		_ = writeWSJSON(conn, realtimeWSMessage{Type: "error"}, err)
		return
	}
	local := pcs.LocalDescription()
	if local == nil {
		_ = writeWSJSON(conn, realtimeWSMessage{Type: "error"}, errors.New("no local description"))
		return
	}
	if err := writeWS(conn, realtimeWSMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("[%s] ws write answer error: %v", callID, err)
		return
	}

	h.attachMediaHandlers(callID, pcs, outTrack)

	for {
		time.Sleep(2 * time.Second)
		state := pcs.ConnectionState()
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			return
		}
	}
}

func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

func writeWS(conn *websocket.Conn, v interface{}) error {
	return conn.WriteJSON(v)
}

func writeWSJSON(conn *websocket.Conn, base realtimeWSMessage, err error) error {
	if err != nil {
		base.Type = "error"
		msg := map[string]string{"type": base.Type, "error": err.Error()}
		return conn.WriteJSON(msg)
	}
	return conn.WriteJSON(base)
}
