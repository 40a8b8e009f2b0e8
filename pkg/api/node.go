package api

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/ZentaChain/theman/pkg/dht"
	"github.com/ZentaChain/theman/pkg/network"
	"github.com/ZentaChain/theman/pkg/storage"
)

// HealthResponse contains system health information
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"` // "healthy", "degraded", "idle"
	Uptime  string `json:"uptime"`
	Checks  struct {
		AccountActive  bool `json:"accountActive"`
		PeersConnected bool `json:"peersConnected"`
		MemoryOK       bool `json:"memoryOk"`
	} `json:"checks"`
}

// BootNode is one routing table peer
type BootNode struct {
	PeerID    string   `json:"peerId"`
	Addresses []string `json:"addresses"`
}

// DialRequest asks the node to connect to an address
type DialRequest struct {
	Addr string `json:"addr" binding:"required"`
}

// PeerSearchRequest starts a closest-peers lookup
type PeerSearchRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

// QueryResponse carries the id of an issued query
type QueryResponse struct {
	Success bool        `json:"success"`
	QueryID dht.QueryID `json:"queryId"`
}

// PeerSearchResult is the outcome of a peer search
type PeerSearchResult struct {
	Success bool        `json:"success"`
	QueryID dht.QueryID `json:"queryId"`
	Done    bool        `json:"done"`
	Peers   []string    `json:"peers,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	var response HealthResponse
	response.Success = true
	response.Uptime = formatDuration(time.Since(s.startedAt))

	_, active := s.ctrl.ActiveAccount()
	response.Checks.AccountActive = active
	if active {
		if st, err := s.ctrl.Status(c.Request.Context()); err == nil {
			response.Checks.PeersConnected = len(st.Peers) > 0
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	response.Checks.MemoryOK = m.Alloc < 1024*1024*1024

	switch {
	case !response.Checks.AccountActive:
		response.Status = "idle"
	case !response.Checks.PeersConnected || !response.Checks.MemoryOK:
		response.Status = "degraded"
	default:
		response.Status = "healthy"
	}

	c.JSON(http.StatusOK, response)
}

// handleNodeStatus handles GET /api/v1/node/status
func (s *Server) handleNodeStatus(c *gin.Context) {
	st, err := s.ctrl.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: st})
}

// handleBootNodes handles GET /api/v1/node/bootnodes
func (s *Server) handleBootNodes(c *gin.Context) {
	nodes, err := s.ctrl.BootNodes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]BootNode, 0, len(nodes))
	for _, n := range nodes {
		addrs := make([]string, len(n.Addrs))
		for i, a := range n.Addrs {
			addrs[i] = a.String()
		}
		out = append(out, BootNode{PeerID: n.ID.String(), Addresses: addrs})
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}

// handleSaveBootNodes handles POST /api/v1/node/bootnodes/save
func (s *Server) handleSaveBootNodes(c *gin.Context) {
	if err := s.ctrl.Save(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Boot nodes saved"})
}

// handleDial handles POST /api/v1/node/dial
func (s *Server) handleDial(c *gin.Context) {
	var req DialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	addr, err := multiaddr.NewMultiaddr(req.Addr)
	if err != nil {
		badRequest(c, "Invalid address", err)
		return
	}
	if _, err := peer.AddrInfoFromP2pAddr(addr); err != nil {
		badRequest(c, "Address must end with /p2p/<peer id>", err)
		return
	}
	s.send(c, network.Dial{Addr: addr})
}

// handlePeerSearch handles POST /api/v1/peers/search
func (s *Server) handlePeerSearch(c *gin.Context) {
	var req PeerSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}
	p, err := peer.Decode(req.PeerID)
	if err != nil {
		badRequest(c, "Invalid peer id", err)
		return
	}

	id, err := s.ctrl.SearchPeer(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, QueryResponse{Success: true, QueryID: id})
}

// handlePeerSearchResult handles GET /api/v1/peers/search/:id
func (s *Server) handlePeerSearchResult(c *gin.Context) {
	raw, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid query id", err)
		return
	}
	id := dht.QueryID(raw)

	res, ok := s.ctrl.QueryResult(id)
	if !ok {
		c.JSON(http.StatusOK, PeerSearchResult{Success: true, QueryID: id})
		return
	}

	out := PeerSearchResult{Success: true, QueryID: id, Done: true}
	for _, p := range res.Peers {
		out.Peers = append(out.Peers, p.String())
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	c.JSON(http.StatusOK, out)
}

// send queues a fire-and-forget command
func (s *Server) send(c *gin.Context, cmd network.Command) {
	if err := s.ctrl.Send(c.Request.Context(), cmd); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true})
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Message: err.Error()})
}

// writeError maps service errors onto status codes
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, network.ErrNoAccount):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateName):
		status = http.StatusConflict
	case errors.Is(err, network.ErrDispatcherDone), errors.Is(err, network.ErrServiceClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, ErrorResponse{Error: http.StatusText(status), Message: err.Error()})
}

// formatDuration formats a duration in human-readable format
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
