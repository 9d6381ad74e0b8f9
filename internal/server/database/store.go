package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrShareCodeTaken  = errors.New("share code already in use")
	ErrSessionHasFiles = errors.New("session still has files")
)

// MetadataStore persists sessions and their file records.
//
// Lookups are exact-match. CreateSession must refuse a share code held by a
// session that has not expired yet, and IncrementDownloadCount must be a
// single atomic update so concurrent callers never lose increments.
// DeleteSession fails with ErrSessionHasFiles while any file record of the
// session remains.
type MetadataStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByCode(ctx context.Context, code string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error
	IncrementDownloadCount(ctx context.Context, sessionID string) error

	CreateFileRecord(ctx context.Context, record *FileRecord) error
	GetFileRecord(ctx context.Context, id string) (*FileRecord, error)
	ListFilesForSession(ctx context.Context, sessionID string) ([]*FileRecord, error)
	DeleteFileRecord(ctx context.Context, id string) error

	ListExpiredSessions(ctx context.Context, asOf time.Time) ([]*Session, error)
	Stats(ctx context.Context, asOf time.Time) (*Stats, error)

	Backend() string
	Ping(ctx context.Context) error
	Close() error
}
