package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ZentaChain/theman/pkg/network"
	"github.com/ZentaChain/theman/pkg/voice"
)

// PeerRequest names a remote peer
type PeerRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

// ToggleRequest switches a policy on or off
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// AudioRequest carries one encoded frame; Data is base64 in JSON
type AudioRequest struct {
	Codec string `json:"codec" binding:"required"`
	Data  []byte `json:"data" binding:"required"`
}

// VoiceEventView is the JSON form of a voice event
type VoiceEventView struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Peer    string `json:"peerId"`
	Codec   string `json:"codec,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleVoiceJoin(c *gin.Context) {
	s.send(c, network.VoiceConnect{Channel: c.Param("channel")})
}

func (s *Server) handleVoiceLeave(c *gin.Context) {
	s.send(c, network.VoiceDisconnect{Channel: c.Param("channel")})
}

func (s *Server) handleVoiceAccept(c *gin.Context) {
	p, ok := bindPeer(c)
	if !ok {
		return
	}
	s.send(c, network.VoiceAccept{Channel: c.Param("channel"), Peer: p})
}

func (s *Server) handleVoiceRefuse(c *gin.Context) {
	p, ok := bindPeer(c)
	if !ok {
		return
	}
	s.send(c, network.VoiceRefuse{Channel: c.Param("channel"), Peer: p})
}

func (s *Server) handleAutoAccept(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	s.send(c, network.SetAutoAccept{Enabled: req.Enabled})
}

func (s *Server) handleAudio(c *gin.Context) {
	var req AudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	s.send(c, network.VoiceAudio{Codec: req.Codec, Data: req.Data})
}

// handleVoiceEvents handles GET /api/v1/voice/events
func (s *Server) handleVoiceEvents(c *gin.Context) {
	events := s.ctrl.VoiceEvents()
	out := make([]VoiceEventView, 0, len(events))
	for _, ev := range events {
		out = append(out, viewVoiceEvent(ev))
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}

func viewVoiceEvent(ev voice.Event) VoiceEventView {
	switch e := ev.(type) {
	case voice.RequestEvent:
		return VoiceEventView{Type: "request", Channel: e.Channel, Peer: e.From.String()}
	case voice.DisconnectedEvent:
		return VoiceEventView{Type: "disconnected", Channel: e.Channel, Peer: e.From.String()}
	case voice.VoiceDisconnectedEvent:
		return VoiceEventView{Type: "voice_disconnected", Peer: e.From.String()}
	case voice.VoiceErrorConnectionEvent:
		v := VoiceEventView{Type: "error", Channel: e.Channel, Peer: e.To.String(), Codec: e.Codec}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		return v
	case voice.VoicePacketEvent:
		return VoiceEventView{Type: "packet", Channel: e.Channel, Peer: e.From.String(), Codec: e.Codec}
	default:
		return VoiceEventView{Type: "unknown"}
	}
}

func bindPeer(c *gin.Context) (peer.ID, bool) {
	var req PeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return "", false
	}
	p, err := peer.Decode(req.PeerID)
	if err != nil {
		badRequest(c, "Invalid peer id", err)
		return "", false
	}
	return p, true
}
