package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/skip2/go-qrcode"

	"handoff/internal/server/config"
	"handoff/internal/server/service"
	"handoff/internal/server/storage"
)

// Sweeper runs a single cleanup pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (int, error)
}

// Handler contains the HTTP handlers for the share API.
type Handler struct {
	svc     *service.SessionService
	sweeper Sweeper
	cfg     *config.Config
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(svc *service.SessionService, sweeper Sweeper, cfg *config.Config) *Handler {
	return &Handler{svc: svc, sweeper: sweeper, cfg: cfg}
}

type createSessionRequest struct {
	ShareCode string `json:"shareCode"`
}

// HandleCreateSession handles POST /sessions.
// The body is optional; a "shareCode" field requests a specific code.
func (h *Handler) HandleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
		}
	}

	created, err := h.svc.CreateSession(c.Request().Context(), req.ShareCode)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, created)
}

// HandleGetSession handles GET /sessions/:code.
func (h *Handler) HandleGetSession(c echo.Context) error {
	info, err := h.svc.GetSession(c.Request().Context(), c.Param("code"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, info)
}

// HandleSessionQR handles GET /sessions/:code/qr.
// Returns a PNG QR code pointing at the session lookup URL.
func (h *Handler) HandleSessionQR(c echo.Context) error {
	info, err := h.svc.GetSession(c.Request().Context(), c.Param("code"))
	if err != nil {
		return mapServiceError(c, err)
	}

	png, err := qrcode.Encode(fmt.Sprintf("%s/sessions/%s", h.cfg.BaseURL, info.ShareCode), qrcode.Medium, 256)
	if err != nil {
		slog.Error("failed to render qr code", "share_code", info.ShareCode, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to render qr code"})
	}

	return c.Blob(http.StatusOK, "image/png", png)
}

// HandleUpload handles POST /upload.
// Accepts a multipart form with "file" and "sessionId" fields.
func (h *Handler) HandleUpload(c echo.Context) error {
	sessionID := c.FormValue("sessionId")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "sessionId is required",
		})
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	if h.cfg.MaxFileSize > 0 && fileHeader.Size > h.cfg.MaxFileSize {
		return mapServiceError(c, service.ErrFileTooLarge)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	record, err := h.svc.AddFile(
		c.Request().Context(),
		sessionID,
		src,
		fileHeader.Filename,
		fileHeader.Header.Get(echo.HeaderContentType),
	)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, record)
}

// HandleDownloadURL handles GET /download/:fileId.
func (h *Handler) HandleDownloadURL(c echo.Context) error {
	url, err := h.svc.DownloadURL(c.Request().Context(), c.Param("fileId"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"downloadUrl": url})
}

// HandleDownloadFile handles GET /download/:fileId/file.
// Streams the file as an attachment.
func (h *Handler) HandleDownloadFile(c echo.Context) error {
	d, err := h.svc.ResolveDownload(c.Request().Context(), c.Param("fileId"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer d.Body.Close()

	header := c.Response().Header()
	if d.Checksum != "" {
		etag := `"` + d.Checksum + `"`
		header.Set("ETag", etag)
		if c.Request().Header.Get("If-None-Match") == etag {
			return c.NoContent(http.StatusNotModified)
		}
	}
	header.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", d.Filename))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(d.Size, 10))

	return c.Stream(http.StatusOK, d.MimeType, d.Body)
}

// HandleRecordDownload handles POST /files/:fileId/download.
func (h *Handler) HandleRecordDownload(c echo.Context) error {
	if err := h.svc.RecordDownload(c.Request().Context(), c.Param("fileId")); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// HandleCleanup handles POST /cleanup.
// Runs a sweep immediately, unless one is already running.
func (h *Handler) HandleCleanup(c echo.Context) error {
	cleaned, err := h.sweeper.RunOnce(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"cleaned": cleaned})
}

// HandleHealth handles GET /health.
// Returns the health status of the server and both storage backends.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Health(c.Request().Context()))
}

// HandleStats handles GET /stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_sessions":     stats.TotalSessions,
		"active_sessions":    stats.ActiveSessions,
		"total_files":        stats.TotalFiles,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanize.IBytes(uint64(stats.StorageUsed)),
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "session or file not found"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, storage.ErrSweepInProgress):
		return c.JSON(http.StatusConflict, echo.Map{"error": "a cleanup sweep is already running"})
	case errors.Is(err, service.ErrTimeout):
		slog.Error("storage backend timed out", "path", c.Path(), "error", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "storage backend timed out, try again later"})
	case errors.Is(err, service.ErrStorage):
		slog.Error("storage failure", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	default:
		slog.Error("unhandled error", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
