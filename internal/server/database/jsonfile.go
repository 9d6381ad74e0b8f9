package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"
)

// jsonDocument is the on-disk layout of a JSONStore.
type jsonDocument struct {
	Sessions map[string]*Session    `json:"sessions"`
	Files    map[string]*FileRecord `json:"files"`
}

// JSONStore keeps all metadata in memory and rewrites a single JSON document
// on every mutation. It is meant for single-process deployments.
type JSONStore struct {
	path string

	mu  sync.Mutex
	doc jsonDocument
}

// OpenJSONStore loads the document at path, creating its directory if needed.
// A missing file is treated as an empty store.
func OpenJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	s := &JSONStore{
		path: path,
		doc: jsonDocument{
			Sessions: make(map[string]*Session),
			Files:    make(map[string]*FileRecord),
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read metadata file %s: %w", path, err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("failed to parse metadata file %s: %w", path, err)
		}
	}
	if s.doc.Sessions == nil {
		s.doc.Sessions = make(map[string]*Session)
	}
	if s.doc.Files == nil {
		s.doc.Files = make(map[string]*FileRecord)
	}

	slog.Info("loaded metadata file",
		"path", path,
		"sessions", len(s.doc.Sessions),
		"files", len(s.doc.Files),
	)
	return s, nil
}

func (s *JSONStore) Backend() string { return "json" }

func (s *JSONStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// CreateSession stores a new session. The share code must not be held by any
// session that is still live at the new session's creation time.
func (s *JSONStore) CreateSession(ctx context.Context, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	for _, existing := range s.doc.Sessions {
		if existing.ShareCode == session.ShareCode && !existing.Expired(session.CreatedAt) {
			return ErrShareCodeTaken
		}
	}

	stored := copySession(session)
	if stored.FileIDs == nil {
		stored.FileIDs = []string{}
	}
	s.doc.Sessions[session.ID] = stored

	if err := s.flush(); err != nil {
		delete(s.doc.Sessions, session.ID)
		return err
	}
	return nil
}

func (s *JSONStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.doc.Sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(session), nil
}

// GetSessionByCode returns the most recently created session holding code.
func (s *JSONStore) GetSessionByCode(ctx context.Context, code string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Session
	for _, session := range s.doc.Sessions {
		if session.ShareCode != code {
			continue
		}
		if found == nil || session.CreatedAt.After(found.CreatedAt) {
			found = session
		}
	}
	if found == nil {
		return nil, ErrSessionNotFound
	}
	return copySession(found), nil
}

func (s *JSONStore) UpdateSession(ctx context.Context, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.doc.Sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	s.doc.Sessions[session.ID] = copySession(session)

	if err := s.flush(); err != nil {
		s.doc.Sessions[session.ID] = previous
		return err
	}
	return nil
}

// DeleteSession removes a session that no longer owns any file records.
func (s *JSONStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.doc.Sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if len(previous.FileIDs) > 0 {
		return ErrSessionHasFiles
	}
	for _, record := range s.doc.Files {
		if record.SessionID == id {
			return ErrSessionHasFiles
		}
	}
	delete(s.doc.Sessions, id)

	if err := s.flush(); err != nil {
		s.doc.Sessions[id] = previous
		return err
	}
	return nil
}

// IncrementDownloadCount bumps the counter under the store lock, so the
// read and the write cannot interleave with another increment.
func (s *JSONStore) IncrementDownloadCount(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.doc.Sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.DownloadCount++

	if err := s.flush(); err != nil {
		session.DownloadCount--
		return err
	}
	return nil
}

func (s *JSONStore) CreateFileRecord(ctx context.Context, record *FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.doc.Sessions[record.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if _, exists := s.doc.Files[record.ID]; exists {
		return fmt.Errorf("file record %s already exists", record.ID)
	}

	stored := *record
	s.doc.Files[record.ID] = &stored
	session.FileIDs = append(session.FileIDs, record.ID)

	if err := s.flush(); err != nil {
		delete(s.doc.Files, record.ID)
		session.FileIDs = session.FileIDs[:len(session.FileIDs)-1]
		return err
	}
	return nil
}

func (s *JSONStore) GetFileRecord(ctx context.Context, id string) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.doc.Files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	out := *record
	return &out, nil
}

// ListFilesForSession returns the session's files in upload order.
func (s *JSONStore) ListFilesForSession(ctx context.Context, sessionID string) ([]*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var files []*FileRecord
	for _, record := range s.doc.Files {
		if record.SessionID == sessionID {
			out := *record
			files = append(files, &out)
		}
	}

	order := map[string]int{}
	if session, ok := s.doc.Sessions[sessionID]; ok {
		for i, id := range session.FileIDs {
			order[id] = i
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		oi, iok := order[files[i].ID]
		oj, jok := order[files[j].ID]
		if iok && jok {
			return oi < oj
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files, nil
}

func (s *JSONStore) DeleteFileRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.doc.Files[id]
	if !ok {
		return ErrFileNotFound
	}
	delete(s.doc.Files, id)

	var previousIDs []string
	session := s.doc.Sessions[record.SessionID]
	if session != nil {
		previousIDs = session.FileIDs
		session.FileIDs = slices.DeleteFunc(slices.Clone(session.FileIDs), func(fid string) bool { return fid == id })
	}

	if err := s.flush(); err != nil {
		s.doc.Files[id] = record
		if session != nil {
			session.FileIDs = previousIDs
		}
		return err
	}
	return nil
}

func (s *JSONStore) ListExpiredSessions(ctx context.Context, asOf time.Time) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Session
	for _, session := range s.doc.Sessions {
		if session.Expired(asOf) {
			expired = append(expired, copySession(session))
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	return expired, nil
}

func (s *JSONStore) Stats(ctx context.Context, asOf time.Time) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{
		TotalSessions: int64(len(s.doc.Sessions)),
		TotalFiles:    int64(len(s.doc.Files)),
	}
	for _, session := range s.doc.Sessions {
		stats.TotalDownloads += int64(session.DownloadCount)
		if !session.Expired(asOf) {
			stats.ActiveSessions++
		}
	}
	for _, record := range s.doc.Files {
		if session, ok := s.doc.Sessions[record.SessionID]; ok && !session.Expired(asOf) {
			stats.StorageUsed += record.FileSize
		}
	}
	return stats, nil
}

// flush writes the document to a temp file and renames it over the target,
// so a crash never leaves a half-written document behind. Callers hold mu.
func (s *JSONStore) flush() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close metadata file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace metadata file: %w", err)
	}
	return nil
}

func copySession(s *Session) *Session {
	out := *s
	out.FileIDs = slices.Clone(s.FileIDs)
	return &out
}
