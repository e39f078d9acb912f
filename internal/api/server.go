// Package api exposes the facilitator over HTTP: the x402 verify/settle
// surface, the payer self-service endpoints and the dashboard.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/x402-foundation/escrow-facilitator/internal/capture"
	"github.com/x402-foundation/escrow-facilitator/internal/config"
	"github.com/x402-foundation/escrow-facilitator/internal/reclaim"
	"github.com/x402-foundation/escrow-facilitator/internal/scheme"
	"github.com/x402-foundation/escrow-facilitator/internal/store"
	"github.com/x402-foundation/escrow-facilitator/types"
)

// Server is the facilitator's HTTP surface.
type Server struct {
	store     store.Store
	router    *scheme.Router
	scheduler *capture.Scheduler
	reclaimer *reclaim.Reclaimer
	cfg       *config.Config
	log       *zap.Logger
	operator  string

	limits *rateLimits
	engine *gin.Engine
}

// NewServer wires the HTTP server. The operator address appears in the
// /supported signers map.
func NewServer(st store.Store, router *scheme.Router, scheduler *capture.Scheduler, reclaimer *reclaim.Reclaimer, cfg *config.Config, operator string, log *zap.Logger) *Server {
	s := &Server{
		store:     st,
		router:    router,
		scheduler: scheduler,
		reclaimer: reclaimer,
		cfg:       cfg,
		log:       log,
		operator:  types.NormalizeAddress(operator),
		limits:    newRateLimits(),
	}

	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), s.requestLogger())

	e.GET("/health", s.handleHealth)
	e.GET("/supported", s.handleSupported)

	facilitator := e.Group("/", s.apiKeyAuth())
	facilitator.POST("/verify", s.handleVerify)
	facilitator.POST("/settle", s.handleSettle)

	e.POST("/capture", s.cronAuth(), s.handleCapture)

	payer := e.Group("/payer", s.jwtAuth())
	payer.GET("/sessions", s.handleListSessions)
	payer.GET("/sessions/:id", s.handleGetSession)
	payer.POST("/sessions/:id/reclaim", s.reclaimRate(), s.handleReclaim)
	payer.POST("/sessions/reclaim-all", s.reclaimRate(), s.handleReclaimAll)
	payer.GET("/stats", s.handleStats)

	dashboard := e.Group("/dashboard", s.jwtAuth())
	dashboard.GET("/auth/me", s.handleMe)
	dashboard.GET("/keys", s.handleListKeys)
	dashboard.POST("/keys", s.handleCreateKey)
	dashboard.DELETE("/keys/:id", s.handleRevokeKey)
	dashboard.GET("/sessions", s.handleDashboardSessions)
	dashboard.GET("/stats", s.handleStats)

	s.engine = e
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context ends, then drains with a shutdown grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("http server listening", zap.String("port", s.cfg.Port))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// errorBody is the non-200 error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError maps a protocol error code onto an HTTP status.
func (s *Server) writeError(c *gin.Context, err error) {
	code := types.CodeOf(err)
	details := ""
	if fe, ok := err.(*types.FacilitatorError); ok {
		details = fe.Message
	}
	c.AbortWithStatusJSON(httpStatus(code), errorBody{Error: code, Details: details})
}

func httpStatus(code string) int {
	switch code {
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrSessionNotFound:
		return http.StatusNotFound
	case types.ErrRequestTimeout:
		return http.StatusGatewayTimeout
	case types.ErrDBError, types.ErrInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
