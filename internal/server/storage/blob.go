package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// MaxNameLen is the longest file name, in bytes, most filesystems accept.
const MaxNameLen = 255

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrBlobTooLarge    = errors.New("blob exceeds maximum size")
	ErrSweepInProgress = errors.New("sweep already in progress")
)

// BlobKey names the bytes being stored. Backends decide how (and whether) to
// use each part when building the storage reference.
type BlobKey struct {
	SessionID string
	FileID    string
	Filename  string
}

// ObjectKey is the `{sessionId}/{fileId}-{filename}` layout shared by the
// filesystem and S3 backends.
func (k BlobKey) ObjectKey() string {
	return k.SessionID + "/" + k.FileID + "-" + k.Filename
}

// TruncateName shortens name to at most max bytes, keeping a short
// extension and never splitting a multi-byte character.
func TruncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	if max <= 0 {
		return ""
	}

	ext := filepath.Ext(name)
	if len(ext) > 16 || len(ext) >= max {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]

	cut := max - len(ext)
	for cut > 0 && !utf8.RuneStart(stem[cut]) {
		cut--
	}
	return stem[:cut] + ext
}

// BlobStore stores raw file bytes. The returned reference is opaque to
// callers and only meaningful to the store that produced it.
type BlobStore interface {
	// Put stores r and returns its reference and size. Content beyond the
	// store's maximum size fails with ErrBlobTooLarge and leaves nothing behind.
	Put(ctx context.Context, key BlobKey, r io.Reader, contentType string) (string, int64, error)
	// Open fails with ErrBlobNotFound for unknown or deleted references.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete is idempotent.
	Delete(ctx context.Context, ref string) error
	Backend() string
	Ping(ctx context.Context) error
}

// URLSigner is implemented by stores that can hand out time-boxed download URLs.
type URLSigner interface {
	PresignGet(ctx context.Context, ref, filename string, ttl time.Duration) (string, error)
}

// sizeLimitReader reads at most max bytes from r. Reading past max returns
// ErrBlobTooLarge. A non-positive max disables the limit.
type sizeLimitReader struct {
	r        io.Reader
	max      int64
	n        int64
	exceeded bool
}

func newSizeLimitReader(r io.Reader, max int64) *sizeLimitReader {
	return &sizeLimitReader{r: r, max: max}
}

func (l *sizeLimitReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrBlobTooLarge
	}
	if l.max > 0 {
		if remaining := l.max - l.n + 1; int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		l.exceeded = true
		return n, ErrBlobTooLarge
	}
	return n, err
}
