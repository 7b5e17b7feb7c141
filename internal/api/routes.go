package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voxgate/server/internal/auth"
	"github.com/voxgate/server/internal/websocket"
)

// TokenRequest asks for a websocket token for one client.
type TokenRequest struct {
	ClientID string `json:"client_id"`
}

// TokenResponse carries the issued token.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the uniform HTTP error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, gateway *websocket.Gateway, authenticator *auth.Authenticator, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "voxgate-server",
		})
	})

	v1 := e.Group("/api/v1")
	v1.POST("/token", func(c echo.Context) error {
		return issueToken(c, authenticator, logger)
	})

	// Duplex streaming endpoint
	e.GET("/ws", gateway.Handle)
}

func issueToken(c echo.Context, authenticator *auth.Authenticator, logger *zap.Logger) error {
	if authenticator == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "auth_disabled",
			Message: "Authentication is not configured",
		})
	}

	var req TokenRequest
	if err := c.Bind(&req); err != nil {
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

	token, err := authenticator.GenerateToken(req.ClientID)
	if err != nil {
		logger.Error("Failed to generate token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to generate token",
		})
	}

	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}
