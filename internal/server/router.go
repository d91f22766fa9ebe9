// Package server exposes the HTTP surface: the websocket gateway sockets
// connect through, the out-of-band notify API, and the operational
// endpoints.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tidepool/internal/broker"
	"github.com/MarcoPoloResearchLab/tidepool/internal/channel"
	"github.com/MarcoPoloResearchLab/tidepool/internal/crud"
	"github.com/MarcoPoloResearchLab/tidepool/internal/filter"
	"github.com/MarcoPoloResearchLab/tidepool/internal/metrics"
)

const subjectContextKey = "tidepool_subject"

var (
	errMissingBroker        = errors.New("broker dependency required")
	errMissingOrchestrator  = errors.New("orchestrator dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates the bearer tokens protecting the notify API and the
// socket endpoint.
type TokenManager interface {
	Validate(token string) (map[string]any, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Broker       broker.Broker
	Orchestrator *crud.Orchestrator
	TokenManager TokenManager
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Broker == nil {
		return nil, errMissingBroker
	}
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		orchestrator: deps.Orchestrator,
		tokens:       deps.TokenManager,
		logger:       logger,
		gateway: NewGateway(GatewayConfig{
			Broker:       deps.Broker,
			Orchestrator: deps.Orchestrator,
			Metrics:      deps.Metrics,
			Logger:       logger,
		}),
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/crud/socket", handler.handleSocket)

	protected := router.Group("/notify")
	protected.Use(handler.authorizeRequest)
	protected.POST("/resource", handler.handleNotifyResource)
	protected.POST("/view", handler.handleNotifyView)
	protected.POST("/update", handler.handleNotifyUpdate)

	return router, nil
}

type httpHandler struct {
	orchestrator *crud.Orchestrator
	tokens       TokenManager
	gateway      *Gateway
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSocket validates the optional access token, then hands the request to
// the websocket gateway. A missing token yields an anonymous socket; a
// present but invalid one is rejected before the upgrade.
func (h *httpHandler) handleSocket(c *gin.Context) {
	var authToken map[string]any
	if token := strings.TrimSpace(c.Query("access_token")); token != "" {
		claims, err := h.tokens.Validate(token)
		if err != nil {
			h.logger.Warn("socket token validation failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		authToken = claims
	}
	h.gateway.HandleConnection(c.Writer, c.Request, authToken)
}

type notifyResourcePayload struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (h *httpHandler) handleNotifyResource(c *gin.Context) {
	var payload notifyResourcePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.orchestrator.NotifyResourceUpdate(payload.Type, payload.ID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type notifyViewPayload struct {
	Type    string           `json:"type"`
	View    string           `json:"view"`
	Params  map[string]any   `json:"params"`
	Message *channel.Message `json:"message,omitempty"`
}

func (h *httpHandler) handleNotifyView(c *gin.Context) {
	var payload notifyViewPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.orchestrator.NotifyViewUpdate(payload.Type, payload.View, payload.Params, payload.Message); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type notifyUpdatePayload struct {
	Type string         `json:"type"`
	Old  map[string]any `json:"old"`
	New  map[string]any `json:"new"`
}

func (h *httpHandler) handleNotifyUpdate(c *gin.Context) {
	var payload notifyUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.orchestrator.NotifyUpdate(payload.Type, payload.Old, payload.New); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if subject, ok := claims["sub"].(string); ok {
		c.Set(subjectContextKey, subject)
	}
	c.Next()
}

func (h *httpHandler) renderError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

func statusForError(err error) int {
	var blocked *filter.BlockedError
	if errors.As(err, &blocked) {
		return http.StatusForbidden
	}
	var typed *crud.Error
	if !errors.As(err, &typed) {
		return http.StatusInternalServerError
	}
	switch typed.Kind() {
	case crud.KindInvalidArguments, crud.KindInvalidModelType, crud.KindInvalidParams, crud.KindInvalidOperation:
		return http.StatusBadRequest
	case crud.KindPublishNotAllowed:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
