package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/theman/pkg/network"
)

// SendMessageRequest carries a group message; Data is base64 in JSON
type SendMessageRequest struct {
	Data []byte `json:"data" binding:"required"`
}

// ChatMessageView is the JSON form of a received message
type ChatMessageView struct {
	From string `json:"from"`
	Data []byte `json:"data"`
}

func (s *Server) handleSubscribe(c *gin.Context) {
	s.send(c, network.SubscribeTopic{Topic: c.Param("topic")})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	s.send(c, network.UnsubscribeTopic{Topic: c.Param("topic")})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	s.send(c, network.SendMessage{Topic: c.Param("topic"), Data: req.Data})
}

// handleInbox handles GET /api/v1/chat/topics/:topic/messages
func (s *Server) handleInbox(c *gin.Context) {
	msgs := s.ctrl.Inbox(c.Param("topic"))
	out := make([]ChatMessageView, len(msgs))
	for i, m := range msgs {
		out[i] = ChatMessageView{From: m.From.String(), Data: m.Data}
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}
