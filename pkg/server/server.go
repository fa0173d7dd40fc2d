package server

import (
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/siliconcrew/rtlagent/pkg/agent"
	"github.com/siliconcrew/rtlagent/pkg/bus"
	"github.com/siliconcrew/rtlagent/pkg/config"
	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/session"
	"github.com/siliconcrew/rtlagent/pkg/synth"
	"github.com/siliconcrew/rtlagent/pkg/tools"
)

// TransportTag identifies this transport in active-session maps.
const TransportTag = "web"

// Server is the REST + WebSocket transport over the agent core.
type Server struct {
	cfg        *config.Config
	sessions   *session.Manager
	registry   *tools.Registry
	executor   *tools.Executor
	supervisor *synth.Supervisor
	runner     *run.Runner
	bus        *bus.Bus
	loop       *agent.Loop
	log        *logger.Logger

	mu      sync.Mutex
	filters map[string]*tools.Filter // sessionID -> active filter on this transport
}

// New assembles the server from the shared core components.
func New(cfg *config.Config, sessions *session.Manager, registry *tools.Registry, supervisor *synth.Supervisor, runner *run.Runner, b *bus.Bus, loop *agent.Loop, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		registry:   registry,
		executor:   tools.NewExecutor(registry),
		supervisor: supervisor,
		runner:     runner,
		bus:        b,
		loop:       loop,
		log:        log,
		filters:    make(map[string]*tools.Filter),
	}
}

// Engine builds the gin engine with every route registered.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions/:id", s.handleGetSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)

		api.GET("/chat/:id/history", s.handleChatHistory)
		api.GET("/chat/:id", s.handleChatWebSocket)

		ws := api.Group("/workspace/:id")
		{
			ws.GET("/files", s.handleListFiles)
			ws.GET("/spec", s.handleGetSpec)
			ws.GET("/code", s.handleListCode)
			ws.GET("/code/:filename", s.handleGetCode)
			ws.GET("/waveforms", s.handleListWaveforms)
			ws.GET("/report", s.handleGetReport)
			ws.POST("/report/generate", s.handleGenerateReport)
			ws.GET("/schematics", s.handleListSchematics)
			ws.GET("/layouts", s.handleListLayouts)
			ws.GET("/file/*path", s.handleGetFile)
		}

		jobs := api.Group("/synthesis/:id")
		{
			jobs.POST("/start", s.handleStartSynthesis)
			jobs.GET("/jobs/:runId", s.handleJobStatus)
			jobs.POST("/jobs/:runId/wait", s.handleJobWait)
			jobs.POST("/jobs/:runId/cancel", s.handleJobCancel)
			jobs.GET("/jobs/:runId/metrics", s.handleJobMetrics)
		}
	}

	return r
}

// ListenAndServe runs the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.log.Info("serving REST/WebSocket on %s", s.cfg.Server.Addr)
	return http.ListenAndServe(s.cfg.Server.Addr, s.Engine())
}

// filterFor returns the session's mutable filter on this transport,
// creating it from the configured default on first use.
func (s *Server) filterFor(sessionID string) *tools.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[sessionID]
	if !ok {
		def := s.cfg.DefaultFilter()
		f = &def
		s.filters[sessionID] = f
	}
	return f
}

// env builds the session-scoped tool environment for this transport.
func (s *Server) env(sessionID string) (*tools.Env, error) {
	return tools.NewEnv(sessionID, TransportTag, s.registry, s.sessions, s.supervisor, s.runner, s.bus, s.log, s.filterFor(sessionID))
}

func (s *Server) handleHealth(c *gin.Context) {
	sessions, _ := s.sessions.List()
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": len(sessions),
	})
}
