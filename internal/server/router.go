package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/access"
	"github.com/MarcoPoloResearchLab/undertow/internal/auth"
	"github.com/MarcoPoloResearchLab/undertow/internal/collab"
	"github.com/MarcoPoloResearchLab/undertow/internal/config"
	"github.com/MarcoPoloResearchLab/undertow/internal/document"
	"github.com/MarcoPoloResearchLab/undertow/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/undertow/internal/store"
	"github.com/MarcoPoloResearchLab/undertow/internal/ws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingValidator = errors.New("token validator dependency required")
	errMissingStore     = errors.New("store dependency required")
	errMissingHub       = errors.New("hub dependency required")
	errMissingLimiter   = errors.New("rate limiter dependency required")
	errMissingGate      = errors.New("access gate dependency required")
	errMissingFactory   = errors.New("document factory dependency required")
)

// Dependencies wires the sync endpoint's collaborators into the router.
type Dependencies struct {
	Validator *auth.TokenValidator
	Store     *store.Store
	Hub       *collab.Hub
	Limiter   *ratelimit.Limiter
	Gate      *access.Gate
	Factory   document.Factory
	Sync      config.SyncConfig
	Logger    *zap.Logger
}

// NewHTTPHandler builds the public HTTP surface: a health probe and the
// websocket sync endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Limiter == nil {
		return nil, errMissingLimiter
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Factory == nil {
		return nil, errMissingFactory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.Validator,
		persist:   deps.Store,
		hub:       deps.Hub,
		limiter:   deps.Limiter,
		gate:      deps.Gate,
		factory:   deps.Factory,
		sync:      deps.Sync,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealthz)
	router.GET("/rooms/:room/sync", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	validator *auth.TokenValidator
	persist   *store.Store
	hub       *collab.Hub
	limiter   *ratelimit.Limiter
	gate      *access.Gate
	factory   document.Factory
	sync      config.SyncConfig
	logger    *zap.Logger
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSync upgrades the connection, admits the session and pumps frames
// until the peer drops. Admission failures surface as close codes only;
// rejected callers learn nothing about the room.
func (h *httpHandler) handleSync(c *gin.Context) {
	roomID := c.Param("room")

	conn, err := ws.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := ws.NewClient(conn, h.logger)

	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Info("sync connection refused",
			zap.String("room_id", roomID),
			zap.Error(err))
		client.Reject(collab.ReasonAccessDenied)
		return
	}

	session, err := collab.NewSession(collab.SessionConfig{
		RoomID:                roomID,
		Identity:              claims.Identity,
		RateKey:               claims.Identity,
		Store:                 h.persist,
		Factory:               h.factory,
		Hub:                   h.hub,
		Limiter:               h.limiter,
		Gate:                  h.gate,
		Transport:             client,
		Logger:                h.logger,
		SnapshotEditThreshold: h.sync.SnapshotEditThreshold,
		SnapshotIdle:          h.sync.SnapshotIdle,
		DrainTimeout:          h.sync.DrainTimeout,
		EmptyDocByteThreshold: h.sync.EmptyDocByteThreshold,
	})
	if err != nil {
		h.logger.Error("session construction failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		client.Reject(collab.ReasonNormal)
		return
	}

	switch err := session.Connect(c.Request.Context()); {
	case errors.Is(err, collab.ErrRateLimited):
		client.Reject(collab.ReasonRateLimited)
		return
	case errors.Is(err, collab.ErrAccessDenied):
		client.Reject(collab.ReasonAccessDenied)
		return
	case err != nil:
		h.logger.Error("session admission failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		client.Reject(collab.ReasonNormal)
		return
	}

	client.Run(c.Request.Context(), session)
	session.Close(context.Background())
}
