package service

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"handoff/internal/server/config"
	"handoff/internal/server/database"
	"handoff/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrValidation   = errors.New("invalid request")
	ErrNotFound     = errors.New("not found or expired")
	ErrTimeout      = errors.New("storage backend timed out")
	ErrStorage      = errors.New("storage failure")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
)

// maxCodeAttempts bounds share-code generation when codes collide.
const maxCodeAttempts = 5

// sniffLen is how much of an upload is inspected to detect its MIME type.
const sniffLen = 3072

// CreatedSession is returned after a session is created.
type CreatedSession struct {
	SessionID string    `json:"sessionId"`
	ShareCode string    `json:"shareCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionInfo is a live session together with its files in upload order.
type SessionInfo struct {
	ID            string                `json:"id"`
	ShareCode     string                `json:"shareCode"`
	CreatedAt     time.Time             `json:"createdAt"`
	ExpiresAt     time.Time             `json:"expiresAt"`
	DownloadCount int                   `json:"downloadCount"`
	MaxDownloads  int                   `json:"maxDownloads"`
	Files         []database.FileRecord `json:"files"`
}

// Download is an open stream of a stored file. Callers must close Body.
type Download struct {
	Body     io.ReadCloser
	Filename string
	MimeType string
	Size     int64
	Checksum string
}

// HealthReport describes the reachability of both backends.
type HealthReport struct {
	Status   string        `json:"status"`
	Metadata BackendHealth `json:"metadata"`
	Storage  BackendHealth `json:"storage"`
}

type BackendHealth struct {
	Backend string `json:"backend"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// SessionService creates share sessions, stores their files and sweeps them
// once they expire. It holds no state besides its stores and configuration.
type SessionService struct {
	meta  database.MetadataStore
	blobs storage.BlobStore
	cfg   *config.Config
	codes CodeGenerator
	now   func() time.Time
}

// NewSessionService creates a new session service.
func NewSessionService(meta database.MetadataStore, blobs storage.BlobStore, cfg *config.Config) *SessionService {
	return &SessionService{
		meta:  meta,
		blobs: blobs,
		cfg:   cfg,
		codes: RandomCodeGenerator{},
		now:   time.Now,
	}
}

// CreateSession creates an empty session. A requested code is used as given
// (after upper-casing) and fails validation when a live session holds it.
// Otherwise codes are generated until one is free.
func (s *SessionService) CreateSession(ctx context.Context, requestedCode string) (*CreatedSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CreateTimeout)
	defer cancel()

	requested := normalizeShareCode(requestedCode)
	if requested != "" && !ValidShareCode(requested) {
		return nil, fmt.Errorf("%w: share code must be %d characters from A-Z and 0-9", ErrValidation, ShareCodeLength)
	}

	attempts := maxCodeAttempts
	if requested != "" {
		attempts = 1
	}

	now := s.now().UTC()
	for attempt := 1; attempt <= attempts; attempt++ {
		code := requested
		if code == "" {
			code = s.codes.Generate()
		}

		session := &database.Session{
			ID:           uuid.NewString(),
			ShareCode:    code,
			CreatedAt:    now,
			ExpiresAt:    now.Add(s.cfg.SessionLifetime),
			MaxDownloads: s.cfg.MaxDownloads,
			FileIDs:      []string{},
		}

		err := s.meta.CreateSession(ctx, session)
		if err == nil {
			slog.Info("session created",
				"session_id", session.ID,
				"share_code", session.ShareCode,
				"expires_at", session.ExpiresAt,
			)
			return &CreatedSession{
				SessionID: session.ID,
				ShareCode: session.ShareCode,
				ExpiresAt: session.ExpiresAt,
			}, nil
		}

		if !errors.Is(err, database.ErrShareCodeTaken) {
			return nil, backendError(ctx, "create session", err)
		}
		if requested != "" {
			return nil, fmt.Errorf("%w: share code %s is already in use", ErrValidation, requested)
		}
		slog.Warn("share code collision, retrying", "share_code", code, "attempt", attempt)
	}

	return nil, fmt.Errorf("%w: no free share code after %d attempts", ErrStorage, maxCodeAttempts)
}

// GetSession looks a session up by share code. Expired sessions are reported
// as not found even if the sweeper has not removed them yet.
func (s *SessionService) GetSession(ctx context.Context, code string) (*SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	code = normalizeShareCode(code)
	if code == "" {
		return nil, fmt.Errorf("%w: share code is required", ErrValidation)
	}
	if !ValidShareCode(code) {
		return nil, ErrNotFound
	}

	session, err := s.meta.GetSessionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		return nil, backendError(ctx, "get session", err)
	}
	if session.Expired(s.now()) {
		return nil, ErrNotFound
	}

	records, err := s.meta.ListFilesForSession(ctx, session.ID)
	if err != nil {
		return nil, backendError(ctx, "list session files", err)
	}

	files := make([]database.FileRecord, 0, len(records))
	for _, r := range records {
		files = append(files, *r)
	}

	return &SessionInfo{
		ID:            session.ID,
		ShareCode:     session.ShareCode,
		CreatedAt:     session.CreatedAt,
		ExpiresAt:     session.ExpiresAt,
		DownloadCount: session.DownloadCount,
		MaxDownloads:  session.MaxDownloads,
		Files:         files,
	}, nil
}

// AddFile stores r as a new file of a live session.
//
// The blob write and the metadata write are not transactional. When the
// metadata write fails the blob is deleted once, best effort, and a failed
// delete is logged as a leak.
func (s *SessionService) AddFile(ctx context.Context, sessionID string, r io.Reader, originalFilename, mimeType string) (*database.FileRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrValidation)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: file is required", ErrValidation)
	}

	if _, err := s.liveSession(ctx, sessionID); err != nil {
		return nil, err
	}

	name := sanitizeFilename(originalFilename)
	fileID := uuid.NewString()

	br := bufio.NewReaderSize(r, sniffLen)
	head, _ := br.Peek(sniffLen)
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(head).String()
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}

	key := storage.BlobKey{SessionID: sessionID, FileID: fileID, Filename: name}
	ref, size, err := s.blobs.Put(ctx, key, io.TeeReader(br, hasher), mimeType)
	if err != nil {
		if errors.Is(err, storage.ErrBlobTooLarge) {
			return nil, ErrFileTooLarge
		}
		return nil, backendError(ctx, "store file", err)
	}

	record := &database.FileRecord{
		ID:               fileID,
		SessionID:        sessionID,
		Filename:         fileID + "-" + name,
		OriginalFilename: name,
		FileSize:         size,
		MimeType:         mimeType,
		Checksum:         hex.EncodeToString(hasher.Sum(nil)),
		StorageRef:       ref,
		CreatedAt:        s.now().UTC(),
	}

	mctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if err := s.meta.CreateFileRecord(mctx, record); err != nil {
		s.discardBlob(ref, fileID)
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		return nil, backendError(mctx, "create file record", err)
	}

	slog.Info("file added",
		"session_id", sessionID,
		"file_id", fileID,
		"filename", name,
		"size", size,
		"mime_type", mimeType,
	)
	return record, nil
}

// ResolveDownload opens the stored bytes of a file. Files of expired
// sessions are not found. ctx governs the returned stream.
func (s *SessionService) ResolveDownload(ctx context.Context, fileID string) (*Download, error) {
	record, err := s.liveFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	body, err := s.blobs.Open(ctx, record.StorageRef)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, backendError(ctx, "open file", err)
	}

	return &Download{
		Body:     body,
		Filename: record.OriginalFilename,
		MimeType: record.MimeType,
		Size:     record.FileSize,
		Checksum: record.Checksum,
	}, nil
}

// DownloadURL returns a pre-signed URL when the blob store can issue one,
// and the server's own file route otherwise.
func (s *SessionService) DownloadURL(ctx context.Context, fileID string) (string, error) {
	record, err := s.liveFile(ctx, fileID)
	if err != nil {
		return "", err
	}

	if signer, ok := s.blobs.(storage.URLSigner); ok {
		url, err := signer.PresignGet(ctx, record.StorageRef, record.OriginalFilename, s.cfg.PresignTTL)
		if err != nil {
			return "", backendError(ctx, "presign download", err)
		}
		return url, nil
	}
	return fmt.Sprintf("%s/download/%s/file", s.cfg.BaseURL, fileID), nil
}

// RecordDownload counts a download against the file's session. Unknown files
// and files of expired sessions are reported as not found; any other failure
// is logged and swallowed so the download itself is never affected.
func (s *SessionService) RecordDownload(ctx context.Context, fileID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	record, err := s.meta.GetFileRecord(ctx, fileID)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return ErrNotFound
		}
		slog.Warn("failed to look up file for download count", "file_id", fileID, "error", err)
		return nil
	}

	session, err := s.meta.GetSession(ctx, record.SessionID)
	switch {
	case errors.Is(err, database.ErrSessionNotFound):
		return ErrNotFound
	case err != nil:
		slog.Warn("failed to look up session for download count", "file_id", fileID, "error", err)
		return nil
	case session.Expired(s.now()):
		return ErrNotFound
	}

	if err := s.meta.IncrementDownloadCount(ctx, record.SessionID); err != nil {
		slog.Warn("failed to increment download count",
			"file_id", fileID,
			"session_id", record.SessionID,
			"error", err,
		)
	}
	return nil
}

// CleanupExpired removes every session that expired before asOf together
// with its files and blobs, and returns how many sessions were removed.
//
// A failed file deletion is logged and the sweep moves on. The owning
// session is then kept so the next sweep can finish it; a session is never
// deleted while any of its files remain.
func (s *SessionService) CleanupExpired(ctx context.Context, asOf time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CleanupTimeout)
	defer cancel()

	expired, err := s.meta.ListExpiredSessions(ctx, asOf)
	if err != nil {
		return 0, backendError(ctx, "list expired sessions", err)
	}

	if len(expired) == 0 {
		slog.Info("no expired sessions to clean up")
		return 0, nil
	}

	var cleaned, failed int
	for _, session := range expired {
		if ctx.Err() != nil {
			break
		}

		err := s.removeSession(ctx, session)
		switch {
		case errors.Is(err, database.ErrSessionNotFound):
			// removed concurrently by another sweeper
		case errors.Is(err, database.ErrSessionHasFiles):
			slog.Warn("session gained a file during cleanup, kept for next sweep",
				"session_id", session.ID,
				"share_code", session.ShareCode,
			)
			failed++
		case err != nil:
			slog.Error("failed to clean up session",
				"session_id", session.ID,
				"share_code", session.ShareCode,
				"error", err,
			)
			failed++
		default:
			cleaned++
			slog.Info("cleaned up expired session",
				"session_id", session.ID,
				"share_code", session.ShareCode,
				"expired_at", session.ExpiresAt,
			)
		}
	}

	slog.Info("cleanup pass complete",
		"cleaned", cleaned,
		"failed", failed,
		"total_expired", len(expired),
	)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return cleaned, fmt.Errorf("%w: cleanup stopped after %d of %d sessions", ErrTimeout, cleaned, len(expired))
	}
	return cleaned, nil
}

func (s *SessionService) removeSession(ctx context.Context, session *database.Session) error {
	files, err := s.meta.ListFilesForSession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}

	var failedFiles int
	for _, f := range files {
		if err := s.blobs.Delete(ctx, f.StorageRef); err != nil {
			slog.Error("failed to delete blob",
				"session_id", session.ID,
				"file_id", f.ID,
				"error", err,
			)
			failedFiles++
			continue
		}
		if err := s.meta.DeleteFileRecord(ctx, f.ID); err != nil && !errors.Is(err, database.ErrFileNotFound) {
			slog.Error("failed to delete file record",
				"session_id", session.ID,
				"file_id", f.ID,
				"error", err,
			)
			failedFiles++
		}
	}
	if failedFiles > 0 {
		return fmt.Errorf("%d of %d files could not be deleted, session kept for next sweep", failedFiles, len(files))
	}

	return s.meta.DeleteSession(ctx, session.ID)
}

// Stats returns aggregate statistics as of now.
func (s *SessionService) Stats(ctx context.Context) (*database.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	stats, err := s.meta.Stats(ctx, s.now())
	if err != nil {
		return nil, backendError(ctx, "get stats", err)
	}
	return stats, nil
}

// Health pings both backends.
func (s *SessionService) Health(ctx context.Context) *HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	report := &HealthReport{
		Status:   "ok",
		Metadata: BackendHealth{Backend: s.meta.Backend(), OK: true},
		Storage:  BackendHealth{Backend: s.blobs.Backend(), OK: true},
	}
	if err := s.meta.Ping(ctx); err != nil {
		report.Metadata.OK = false
		report.Metadata.Error = err.Error()
		report.Status = "degraded"
	}
	if err := s.blobs.Ping(ctx); err != nil {
		report.Storage.OK = false
		report.Storage.Error = err.Error()
		report.Status = "degraded"
	}
	return report
}

func (s *SessionService) liveSession(ctx context.Context, id string) (*database.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	session, err := s.meta.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		return nil, backendError(ctx, "get session", err)
	}
	if session.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *SessionService) liveFile(ctx context.Context, fileID string) (*database.FileRecord, error) {
	mctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	record, err := s.meta.GetFileRecord(mctx, fileID)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, backendError(mctx, "get file record", err)
	}
	if _, err := s.liveSession(ctx, record.SessionID); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *SessionService) discardBlob(ref, fileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.blobs.Delete(ctx, ref); err != nil {
		slog.Error("orphaned blob left behind",
			"file_id", fileID,
			"storage_ref", ref,
			"error", err,
		)
	}
}

// --- Helpers ---

// backendError classifies a provider failure. A missed deadline becomes
// ErrTimeout, everything else ErrStorage with the cause attached.
func backendError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// sanitizeFilename strips directory components and control characters and
// limits the name to MaxNameLen bytes of valid UTF-8.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	name = storage.TruncateName(name, storage.MaxNameLen)

	if name == "" || name == "." || name == ".." || name == "/" {
		name = "upload"
	}

	return name
}
