package api

import (
	"net/http"

	"handoff/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, "If-None-Match"},
		ExposeHeaders: []string{echo.HeaderContentDisposition, "ETag"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on session creation and upload only
	writeLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/stats", handler.HandleStats)

	// Sessions
	e.POST("/sessions", handler.HandleCreateSession, writeLimiter.Middleware())
	e.GET("/sessions/:code", handler.HandleGetSession)
	e.GET("/sessions/:code/qr", handler.HandleSessionQR)

	// Upload (rate-limited)
	e.POST("/upload", handler.HandleUpload, writeLimiter.Middleware())

	// Download
	e.GET("/download/:fileId", handler.HandleDownloadURL)
	e.GET("/download/:fileId/file", handler.HandleDownloadFile)
	e.POST("/files/:fileId/download", handler.HandleRecordDownload)

	// Maintenance
	e.POST("/cleanup", handler.HandleCleanup)

	return e
}
