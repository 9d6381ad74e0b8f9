package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileSystemStore stores blobs on the local filesystem, one directory per
// session. References are slash-separated paths relative to the base path.
type FileSystemStore struct {
	basePath string
	maxSize  int64
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string, maxSize int64) *FileSystemStore {
	return &FileSystemStore{basePath: basePath, maxSize: maxSize}
}

func (fs *FileSystemStore) Backend() string { return "local" }

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

func (fs *FileSystemStore) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("failed to stat storage directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %s is not a directory", fs.basePath)
	}
	return ctx.Err()
}

// Put writes r to {base}/{sessionId}/{fileId}-{filename}. The filename part
// is shortened so the whole entry fits the filesystem's name limit.
func (fs *FileSystemStore) Put(ctx context.Context, key BlobKey, r io.Reader, contentType string) (string, int64, error) {
	if strings.ContainsAny(key.Filename, `/\`) || strings.ContainsAny(key.SessionID, `/\`) || strings.ContainsAny(key.FileID, `/\`) {
		return "", 0, fmt.Errorf("invalid blob key %q", key.ObjectKey())
	}
	if len(key.FileID)+1 >= MaxNameLen {
		return "", 0, fmt.Errorf("file id too long: %d bytes", len(key.FileID))
	}
	key.Filename = TruncateName(key.Filename, MaxNameLen-len(key.FileID)-1)
	ref := key.ObjectKey()
	filePath, err := fs.resolve(ref)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create session directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}

	n, err := io.Copy(file, &ctxReader{ctx: ctx, r: newSizeLimitReader(r, fs.maxSize)})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Clean up partial file on error
		os.Remove(filePath)
		fs.removeEmptyDir(filepath.Dir(filePath))
		if errors.Is(err, ErrBlobTooLarge) {
			return "", 0, ErrBlobTooLarge
		}
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}

	return ref, n, nil
}

func (fs *FileSystemStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	filePath, err := fs.resolve(ref)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes the stored file and, once empty, its session directory.
func (fs *FileSystemStore) Delete(ctx context.Context, ref string) error {
	filePath, err := fs.resolve(ref)
	if err != nil {
		return nil
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	fs.removeEmptyDir(filepath.Dir(filePath))
	return nil
}

// Path returns the on-disk location of a stored blob.
func (fs *FileSystemStore) Path(ref string) (string, error) {
	filePath, err := fs.resolve(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrBlobNotFound
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	return filePath, nil
}

// resolve maps a reference onto the base path. References that would escape
// it are reported as not found.
func (fs *FileSystemStore) resolve(ref string) (string, error) {
	clean := path.Clean(ref)
	if ref == "" || clean != ref || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", ErrBlobNotFound
	}
	return filepath.Join(fs.basePath, filepath.FromSlash(clean)), nil
}

// removeEmptyDir removes a session directory once its last file is gone.
// os.Remove refuses non-empty directories, which is what we want.
func (fs *FileSystemStore) removeEmptyDir(dir string) {
	if filepath.Clean(dir) == filepath.Clean(fs.basePath) {
		return
	}
	os.Remove(dir)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
