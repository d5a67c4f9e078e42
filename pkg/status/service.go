// Package status is a read-only observability surface over a running
// ingestion server: process/host info, active-session counts, and a
// WebSocket feed of ingestion lifecycle events. It never mutates
// blacklists, sensor overrides, or the accepted-type set — those remain
// administrative-tool territory, explicitly out of scope.
//
// Grounded on pkg/mining/service.go's Service/NewService/SetupRoutes
// (gin + gin-contrib/cors wiring, request-ID middleware, swaggo Swagger
// UI) and pkg/mining/events.go's EventHub, narrowed from a full mining
// control-plane API down to a handful of read-only endpoints.
package status

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/mem"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/Snider/d4-ingest-server/docs"
	"github.com/Snider/d4-ingest-server/pkg/logging"
	"github.com/Snider/d4-ingest-server/pkg/version"
)

// SessionCounter is satisfied by anything that can report how many
// sessions are currently bound for a given message type — the ingest
// listener implements it without pkg/status importing pkg/ingest back.
type SessionCounter interface {
	ActiveSessionCount() map[uint8]int
}

// HealthChecker reports bootstrap health: store connectivity and
// listener state.
type HealthChecker interface {
	Healthy() (bool, string)
}

// Service is the status HTTP server.
type Service struct {
	Router   *gin.Engine
	Server   *http.Server
	EventHub *EventHub

	sessions SessionCounter
	health   HealthChecker
	startAt  time.Time
	log      *logging.Logger
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// New builds the status Service bound to listenAddr, reporting against
// sessions and health, broadcasting lifecycle events through hub. hub is
// shared with the ingest listener so session events reach observers;
// pass NewEventHub(log) if the caller doesn't need to hold its own
// reference to it.
func New(listenAddr string, sessions SessionCounter, health HealthChecker, log *logging.Logger, hub *EventHub) *Service {
	docs.SwaggerInfo.Title = "D4 Ingestion Status API"
	docs.SwaggerInfo.Version = version.String()
	docs.SwaggerInfo.BasePath = "/status"

	go hub.Run()

	return &Service{
		Server: &http.Server{
			Addr:              listenAddr,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
		EventHub: hub,
		sessions: sessions,
		health:   health,
		startAt:  time.Now(),
		log:      log.WithComponent("status"),
	}
}

// InitRouter builds the gin router and route table.
func (s *Service) InitRouter() {
	s.Router = gin.Default()

	corsConfig := cors.Config{
		AllowOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	s.Router.Use(cors.New(corsConfig))

	g := s.Router.Group("/status")
	{
		g.GET("/healthz", s.handleHealthz)
		g.GET("/info", s.handleInfo)
		g.GET("/sessions", s.handleSessions)
		g.GET("/ws/events", s.handleEvents)
		g.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	s.Router.GET("/healthz", s.handleHealthz)
}

// ServiceStartup initializes the router and starts the HTTP server in
// its own goroutine. It returns the server's error if ListenAndServe
// fails within 100ms, and nil once that wait passes without one.
func (s *Service) ServiceStartup(ctx context.Context) error {
	s.InitRouter()
	s.Server.Handler = s.Router

	errCh := make(chan error, 1)
	go func() {
		if err := s.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Server.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop releases the event hub.
func (s *Service) Stop() {
	if s.EventHub != nil {
		s.EventHub.Stop()
	}
}

// healthzResponse godoc
type healthzResponse struct {
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// handleHealthz godoc
// @Summary Bootstrap health
// @Produce json
// @Success 200 {object} healthzResponse
// @Router /status/healthz [get]
func (s *Service) handleHealthz(c *gin.Context) {
	ok, detail := true, ""
	if s.health != nil {
		ok, detail = s.health.Healthy()
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, healthzResponse{
		OK:      ok,
		Detail:  detail,
		Uptime:  time.Since(s.startAt).String(),
		Version: version.String(),
	})
}

type infoResponse struct {
	OS            string  `json:"os"`
	Architecture  string  `json:"architecture"`
	GoVersion     string  `json:"go_version"`
	CPUCores      int     `json:"cpu_cores"`
	TotalRAMGB    float64 `json:"total_ram_gb"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// handleInfo godoc
// @Summary Process and host info
// @Produce json
// @Success 200 {object} infoResponse
// @Router /status/info [get]
func (s *Service) handleInfo(c *gin.Context) {
	resp := infoResponse{
		OS:            runtime.GOOS,
		Architecture:  runtime.GOARCH,
		GoVersion:     runtime.Version(),
		CPUCores:      runtime.NumCPU(),
		Version:       version.String(),
		UptimeSeconds: time.Since(s.startAt).Seconds(),
	}
	if vMem, err := mem.VirtualMemory(); err == nil {
		resp.TotalRAMGB = float64(vMem.Total) / (1024 * 1024 * 1024)
	}
	c.JSON(http.StatusOK, resp)
}

// handleSessions godoc
// @Summary Active session counts per message type
// @Produce json
// @Success 200 {object} map[string]int
// @Router /status/sessions [get]
func (s *Service) handleSessions(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.sessions.ActiveSessionCount())
}

// handleEvents godoc
// @Summary Ingestion lifecycle event feed
// @Router /status/ws/events [get]
func (s *Service) handleEvents(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logging.Fields{"err": err})
		return
	}
	s.EventHub.ServeWs(conn)
}
