package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/theman/pkg/network"
)

// NameSearchRequest starts a name lookup
type NameSearchRequest struct {
	Name string `json:"name" binding:"required"`
}

// NameResultResponse is the last resolution of a name
type NameResultResponse struct {
	Success   bool      `json:"success"`
	Name      string    `json:"name"`
	Done      bool      `json:"done"`
	Found     bool      `json:"found"`
	Trust     string    `json:"trust,omitempty"`
	Publisher string    `json:"publisher,omitempty"`
	Expires   time.Time `json:"expires,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// handleRegisterName handles POST /api/v1/names/register
func (s *Server) handleRegisterName(c *gin.Context) {
	if err := s.ctrl.RegisterName(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "Registration started"})
}

// handleAutoRenew handles POST /api/v1/names/auto-renew
func (s *Server) handleAutoRenew(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	s.send(c, network.SetAutoRenew{Enabled: req.Enabled})
}

// handleNameSearch handles POST /api/v1/names/search
func (s *Server) handleNameSearch(c *gin.Context) {
	var req NameSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}

	id, err := s.ctrl.SearchName(c.Request.Context(), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, QueryResponse{Success: true, QueryID: id})
}

// handleNameResult handles GET /api/v1/names/:name
func (s *Server) handleNameResult(c *gin.Context) {
	name := c.Param("name")
	res, ok := s.ctrl.NameResult(name)
	if !ok {
		c.JSON(http.StatusOK, NameResultResponse{Success: true, Name: name})
		return
	}

	out := NameResultResponse{Success: true, Name: name, Done: true}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if res.Record != nil {
		out.Found = true
		out.Trust = res.Trust.String()
		out.Publisher = res.Record.Publisher.String()
		out.Expires = res.Record.ExpiresAt()
	}
	c.JSON(http.StatusOK, out)
}
