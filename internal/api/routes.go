package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/domain/repositories"
	"github.com/satriahrh/duplexvoice/internal/auth"
	"github.com/satriahrh/duplexvoice/internal/websocket"
)

const (
	defaultListLimit    = 20
	defaultHistoryLimit = 50
	maxLimit            = 500
	healthTimeout       = 3 * time.Second
)

// Conversations is the conversation API backed by the persistence gateway
type Conversations interface {
	ListConversations(ctx context.Context, limit int) ([]*entities.Conversation, error)
	NewConversation(ctx context.Context) (*entities.Conversation, error)
	History(ctx context.Context, conversationID string, limit int) ([]*entities.Message, error)
}

// HealthCheck pings one backend
type HealthCheck func(ctx context.Context) error

// Dependencies wires the routes to the rest of the server
type Dependencies struct {
	Hub           *websocket.Hub
	Conversations Conversations
	// Issuer signs client tokens. Nil disables the token endpoint and websocket auth.
	Issuer       *auth.Issuer
	AuthRequired bool
	Gatherer     prometheus.Gatherer
	HealthChecks map[string]HealthCheck
	Logger       *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	h := &handlers{deps: deps, logger: deps.Logger}

	// Health check
	e.GET("/health", h.health)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.POST("/auth/token", h.issueToken)

	// Conversation History APIs
	v1.GET("/conversations", h.listConversations)
	v1.POST("/conversations", h.newConversation)
	v1.GET("/conversations/:id/history", h.history)

	// WebSocket endpoint
	e.GET("/ws/voice/", h.voice)
}

type handlers struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *handlers) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Service: "duplexvoice"}
	code := http.StatusOK
	if len(h.deps.HealthChecks) > 0 {
		resp.Backends = make(map[string]string, len(h.deps.HealthChecks))
	}
	for name, check := range h.deps.HealthChecks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.String("backend", name), zap.Error(err))
			resp.Backends[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Backends[name] = "ok"
	}
	return c.JSON(code, resp)
}

func (h *handlers) issueToken(c echo.Context) error {
	if h.deps.Issuer == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "auth_disabled",
			Message: "Token issuing is not configured",
		})
	}

	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Debug("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.ClientID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "client_id is required",
		})
	}

	token, expiresAt, err := h.deps.Issuer.GenerateClientToken(req.ClientID)
	if err != nil {
		h.logger.Error("Failed to generate client token", zap.String("client_id", req.ClientID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		ClientID:  req.ClientID,
	})
}

func (h *handlers) listConversations(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"), defaultListLimit)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Message: err.Error()})
	}

	conversations, err := h.deps.Conversations.ListConversations(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list conversations", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	if conversations == nil {
		conversations = []*entities.Conversation{}
	}
	return c.JSON(http.StatusOK, ConversationsResponse{Conversations: conversations})
}

func (h *handlers) newConversation(c echo.Context) error {
	conversation, err := h.deps.Conversations.NewConversation(c.Request().Context())
	if err != nil {
		h.logger.Error("Failed to create conversation", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.JSON(http.StatusCreated, conversation)
}

func (h *handlers) history(c echo.Context) error {
	id := c.Param("id")
	limit, err := parseLimit(c.QueryParam("limit"), defaultHistoryLimit)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Message: err.Error()})
	}

	messages, err := h.deps.Conversations.History(c.Request().Context(), id, limit)
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Conversation not found"})
	case err != nil:
		h.logger.Error("Failed to load history", zap.String("conversation_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	if messages == nil {
		messages = []*entities.Message{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{ConversationID: id, Messages: messages})
}

// voice authenticates the upgrade when required and hands it to the hub
func (h *handlers) voice(c echo.Context) error {
	if h.deps.AuthRequired {
		if h.deps.Issuer == nil {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "auth_unavailable"})
		}
		token := auth.ExtractToken(c.Request().Header.Get("Authorization"), c.QueryParam("token"))
		claims, err := h.deps.Issuer.ValidateToken(token)
		if err != nil {
			h.logger.Warn("WebSocket connection rejected", zap.Error(err))
			code := "invalid_token"
			if errors.Is(err, auth.ErrMissingToken) {
				code = "missing_token"
			}
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   code,
				Message: "A valid token is required in the Authorization header or token query parameter",
			})
		}
		h.logger.Info("WebSocket connection authenticated", zap.String("client_id", claims.ClientID))
	}

	return websocket.HandleVoice(h.deps.Hub, c)
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}
