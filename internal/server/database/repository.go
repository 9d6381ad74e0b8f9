package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// foreignKeyViolation is the Postgres SQLSTATE for foreign_key_violation.
const foreignKeyViolation = "23503"

// Repository is the Postgres MetadataStore.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Backend() string { return "postgres" }

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

// CreateSession inserts a session after claiming its share code. The
// transaction-scoped advisory lock serializes creators of the same code, so
// the live-holder check and the insert cannot race.
func (r *Repository) CreateSession(ctx context.Context, session *Session) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", session.ShareCode); err != nil {
		return fmt.Errorf("failed to lock share code: %w", err)
	}

	var taken bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM sessions WHERE share_code = $1 AND expires_at >= $2)",
		session.ShareCode, session.CreatedAt,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("failed to check share code: %w", err)
	}
	if taken {
		return ErrShareCodeTaken
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, share_code, created_at, expires_at, download_count, max_downloads)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		session.ID,
		session.ShareCode,
		session.CreatedAt,
		session.ExpiresAt,
		session.DownloadCount,
		session.MaxDownloads,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by its ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, share_code, created_at, expires_at, download_count, max_downloads
		FROM sessions WHERE id = $1
	`, id)
	return r.scanSessionWithFiles(ctx, row)
}

// GetSessionByCode retrieves the newest session holding the share code.
func (r *Repository) GetSessionByCode(ctx context.Context, code string) (*Session, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, share_code, created_at, expires_at, download_count, max_downloads
		FROM sessions WHERE share_code = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, code)
	return r.scanSessionWithFiles(ctx, row)
}

func (r *Repository) scanSessionWithFiles(ctx context.Context, row pgx.Row) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID,
		&session.ShareCode,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.DownloadCount,
		&session.MaxDownloads,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx,
		"SELECT id FROM files WHERE session_id = $1 ORDER BY position, created_at", session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session files: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan session files: %w", err)
	}
	session.FileIDs = ids
	return session, nil
}

// UpdateSession writes the expiry and download ceiling of a session. The
// download counter only moves through IncrementDownloadCount.
func (r *Repository) UpdateSession(ctx context.Context, session *Session) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE sessions SET expires_at = $2, max_downloads = $3 WHERE id = $1",
		session.ID, session.ExpiresAt, session.MaxDownloads)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session record. Its file records must already be
// gone; the foreign key rejects the delete otherwise and ErrSessionHasFiles
// is returned.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return ErrSessionHasFiles
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// IncrementDownloadCount atomically increments the download counter.
func (r *Repository) IncrementDownloadCount(ctx context.Context, sessionID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE sessions SET download_count = download_count + 1 WHERE id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CreateFileRecord inserts a file record at the end of its session's list.
func (r *Repository) CreateFileRecord(ctx context.Context, record *FileRecord) error {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO files (
			id, session_id, position, filename, original_filename,
			file_size, mime_type, checksum, storage_ref, created_at
		)
		SELECT $1::text, s.id,
			COALESCE((SELECT MAX(position) + 1 FROM files WHERE session_id = s.id), 0),
			$3::text, $4::text, $5::bigint, $6::text, $7::text, $8::text, $9::timestamptz
		FROM sessions s WHERE s.id = $2
	`,
		record.ID,
		record.SessionID,
		record.Filename,
		record.OriginalFilename,
		record.FileSize,
		record.MimeType,
		record.Checksum,
		record.StorageRef,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const fileColumns = `id, session_id, filename, original_filename, file_size,
	mime_type, checksum, storage_ref, created_at`

// GetFileRecord retrieves a file record by its ID.
func (r *Repository) GetFileRecord(ctx context.Context, id string) (*FileRecord, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+fileColumns+" FROM files WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	record, err := pgx.CollectExactlyOneRow(rows, scanFileRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return record, nil
}

// ListFilesForSession returns a session's file records in upload order.
func (r *Repository) ListFilesForSession(ctx context.Context, sessionID string) ([]*FileRecord, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+fileColumns+" FROM files WHERE session_id = $1 ORDER BY position, created_at", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session files: %w", err)
	}
	files, err := pgx.CollectRows(rows, scanFileRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to scan session files: %w", err)
	}
	return files, nil
}

// DeleteFileRecord removes a file record by ID.
func (r *Repository) DeleteFileRecord(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// ListExpiredSessions returns all sessions whose expiration time is before asOf.
func (r *Repository) ListExpiredSessions(ctx context.Context, asOf time.Time) ([]*Session, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, share_code, created_at, expires_at, download_count, max_downloads
		FROM sessions WHERE expires_at < $1
		ORDER BY expires_at
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		if err := rows.Scan(
			&session.ID,
			&session.ShareCode,
			&session.CreatedAt,
			&session.ExpiresAt,
			&session.DownloadCount,
			&session.MaxDownloads,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expired session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Stats returns aggregate statistics.
func (r *Repository) Stats(ctx context.Context, asOf time.Time) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE expires_at >= $1),
			(SELECT COUNT(*) FROM files),
			(SELECT COALESCE(SUM(download_count), 0) FROM sessions),
			(SELECT COALESCE(SUM(f.file_size), 0)
				FROM files f JOIN sessions s ON s.id = f.session_id
				WHERE s.expires_at >= $1)
	`, asOf).Scan(
		&stats.TotalSessions,
		&stats.ActiveSessions,
		&stats.TotalFiles,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

func scanFileRecord(row pgx.CollectableRow) (*FileRecord, error) {
	record := &FileRecord{}
	err := row.Scan(
		&record.ID,
		&record.SessionID,
		&record.Filename,
		&record.OriginalFilename,
		&record.FileSize,
		&record.MimeType,
		&record.Checksum,
		&record.StorageRef,
		&record.CreatedAt,
	)
	return record, err
}
