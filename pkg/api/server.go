// Package api provides the HTTP REST API of a theman node
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZentaChain/theman/pkg/dht"
	"github.com/ZentaChain/theman/pkg/network"
	"github.com/ZentaChain/theman/pkg/storage"
	"github.com/ZentaChain/theman/pkg/voice"
)

var log = logging.Logger("theman/api")

// Controller is the node surface the API drives
type Controller interface {
	Accounts() ([]*storage.Account, error)
	CreateAccount(name string, renew bool) (*storage.Account, error)
	SetAccount(id int64) error
	ActiveAccount() (*storage.Account, bool)
	UpdateAccount(ctx context.Context, id int64, edit func(*storage.Account)) (*storage.Account, error)

	Send(ctx context.Context, cmd network.Command) error
	Status(ctx context.Context) (network.Status, error)
	SearchName(ctx context.Context, name string) (dht.QueryID, error)
	SearchPeer(ctx context.Context, p peer.ID) (dht.QueryID, error)
	RegisterName(ctx context.Context) error
	BootNodes(ctx context.Context) ([]peer.AddrInfo, error)
	Save(ctx context.Context) error

	NameResult(name string) (network.NameResolved, bool)
	QueryResult(id dht.QueryID) (network.QueryProgress, bool)
	Inbox(topic string) []network.ChatMessage
	VoiceEvents() []voice.Event
}

var _ Controller = (*network.Service)(nil)

// Server represents the HTTP API server
type Server struct {
	ctrl       Controller
	router     *gin.Engine
	limiter    *RateLimiter
	config     *Config
	httpServer *http.Server
	startedAt  time.Time
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		RateLimit:    600,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server. gatherer backs /metrics.
func NewServer(ctrl Controller, gatherer prometheus.Gatherer, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	server := &Server{
		ctrl:      ctrl,
		router:    router,
		config:    config,
		startedAt: time.Now(),
	}

	server.setupMiddleware(config)
	server.setupRoutes(gatherer)

	return server
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(config *Config) {
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	if config.RateLimit > 0 {
		s.limiter = NewRateLimiter(config.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware())
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/status", s.handleNodeStatus)
			node.GET("/bootnodes", s.handleBootNodes)
			node.POST("/bootnodes/save", s.handleSaveBootNodes)
			node.POST("/dial", s.handleDial)
		}

		peers := v1.Group("/peers")
		{
			peers.POST("/search", s.handlePeerSearch)
			peers.GET("/search/:id", s.handlePeerSearchResult)
		}

		vc := v1.Group("/voice")
		{
			vc.POST("/channels/:channel/join", s.handleVoiceJoin)
			vc.POST("/channels/:channel/leave", s.handleVoiceLeave)
			vc.POST("/channels/:channel/accept", s.handleVoiceAccept)
			vc.POST("/channels/:channel/refuse", s.handleVoiceRefuse)
			vc.POST("/auto-accept", s.handleAutoAccept)
			vc.POST("/audio", s.handleAudio)
			vc.GET("/events", s.handleVoiceEvents)
		}

		names := v1.Group("/names")
		{
			names.POST("/register", s.handleRegisterName)
			names.POST("/auto-renew", s.handleAutoRenew)
			names.POST("/search", s.handleNameSearch)
			names.GET("/:name", s.handleNameResult)
		}

		chat := v1.Group("/chat")
		{
			chat.POST("/topics/:topic", s.handleSubscribe)
			chat.DELETE("/topics/:topic", s.handleUnsubscribe)
			chat.POST("/topics/:topic/messages", s.handleSendMessage)
			chat.GET("/topics/:topic/messages", s.handleInbox)
		}

		accounts := v1.Group("/accounts")
		{
			accounts.GET("", s.handleListAccounts)
			accounts.POST("", s.handleCreateAccount)
			accounts.GET("/active", s.handleActiveAccount)
			accounts.PUT("/:id", s.handleUpdateAccount)
			accounts.POST("/:id/activate", s.handleActivateAccount)
		}
	}

	s.router.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("🌐 HTTP API server starting on port %d", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	log.Infof("🛑 Shutting down HTTP API server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
