package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/theman/pkg/crypto"
	"github.com/ZentaChain/theman/pkg/storage"
)

// CreateAccountRequest creates a local identity
type CreateAccountRequest struct {
	Name  string `json:"name" binding:"required"`
	Renew *bool  `json:"renew"`
}

// UpdateAccountRequest edits an account. Omitted fields keep their value;
// the lists replace the stored ones.
type UpdateAccountRequest struct {
	Name     *string            `json:"name"`
	Renew    *bool              `json:"renew"`
	Friends  *[]storage.Friend  `json:"friends"`
	Channels *[]storage.Channel `json:"channels"`
}

func (r UpdateAccountRequest) validate() error {
	if r.Name != nil && *r.Name == "" {
		return errors.New("name must not be empty")
	}
	if r.Channels != nil {
		for _, ch := range *r.Channels {
			if ch.Type != storage.ChannelVoice && ch.Type != storage.ChannelMessage {
				return fmt.Errorf("unknown channel type %q", ch.Type)
			}
		}
	}
	return nil
}

func (r UpdateAccountRequest) apply(acc *storage.Account) {
	if r.Name != nil {
		acc.Name = *r.Name
	}
	if r.Renew != nil {
		acc.Renew = *r.Renew
	}
	if r.Friends != nil {
		acc.Friends = *r.Friends
	}
	if r.Channels != nil {
		acc.Channels = *r.Channels
	}
}

// AccountView is an account without its private key
type AccountView struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	PeerID   string            `json:"peerId"`
	Expires  *time.Time        `json:"expires,omitempty"`
	Renew    bool              `json:"renew"`
	Friends  []storage.Friend  `json:"friends"`
	Channels []storage.Channel `json:"channels"`
}

func viewAccount(acc *storage.Account) AccountView {
	v := AccountView{
		ID:       acc.ID,
		Name:     acc.Name,
		Renew:    acc.Renew,
		Friends:  acc.Friends,
		Channels: acc.Channels,
	}
	if acc.Expires > 0 {
		exp := time.Unix(acc.Expires, 0).UTC()
		v.Expires = &exp
	}
	if priv, err := crypto.UnmarshalIdentity(acc.PrivateKey); err == nil {
		if id, err := crypto.PeerIDFromIdentity(priv); err == nil {
			v.PeerID = id.String()
		}
	}
	return v
}

// handleListAccounts handles GET /api/v1/accounts
func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.ctrl.Accounts()
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]AccountView, len(accounts))
	for i, acc := range accounts {
		out[i] = viewAccount(acc)
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}

// handleCreateAccount handles POST /api/v1/accounts
func (s *Server) handleCreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	renew := true
	if req.Renew != nil {
		renew = *req.Renew
	}

	acc, err := s.ctrl.CreateAccount(req.Name, renew)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: viewAccount(acc)})
}

// handleActiveAccount handles GET /api/v1/accounts/active
func (s *Server) handleActiveAccount(c *gin.Context) {
	acc, ok := s.ctrl.ActiveAccount()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No active account"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: viewAccount(acc)})
}

// handleActivateAccount handles POST /api/v1/accounts/:id/activate
func (s *Server) handleActivateAccount(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid account id", err)
		return
	}
	if err := s.ctrl.SetAccount(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Account activated"})
}

// handleUpdateAccount handles PUT /api/v1/accounts/:id
func (s *Server) handleUpdateAccount(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid account id", err)
		return
	}
	var req UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	if err := req.validate(); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}

	acc, err := s.ctrl.UpdateAccount(c.Request.Context(), id, req.apply)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: viewAccount(acc)})
}
