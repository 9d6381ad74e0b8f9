package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"handoff/internal/server/config"
	"handoff/internal/server/database"
	"handoff/internal/server/storage"
)

type testEnv struct {
	svc   *SessionService
	meta  *database.JSONStore
	blobs *storage.FileSystemStore
	cfg   *config.Config
	clock time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	meta, err := database.OpenJSONStore(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("failed to open metadata store: %v", err)
	}
	blobs := storage.NewFileSystemStore(filepath.Join(dir, "files"), 1024*1024)
	if err := blobs.EnsureDir(); err != nil {
		t.Fatalf("failed to create blob dir: %v", err)
	}

	cfg := config.Default()
	env := &testEnv{
		meta:  meta,
		blobs: blobs,
		cfg:   cfg,
		clock: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	env.svc = NewSessionService(meta, blobs, cfg)
	env.svc.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) createSession(t *testing.T) *CreatedSession {
	t.Helper()
	created, err := e.svc.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return created
}

func (e *testEnv) addFile(t *testing.T, sessionID, name, mimeType, content string) *database.FileRecord {
	t.Helper()
	rec, err := e.svc.AddFile(context.Background(), sessionID, strings.NewReader(content), name, mimeType)
	if err != nil {
		t.Fatalf("failed to add file: %v", err)
	}
	return rec
}

func readDownload(t *testing.T, d *Download) string {
	t.Helper()
	defer d.Body.Close()
	data, err := io.ReadAll(d.Body)
	if err != nil {
		t.Fatalf("failed to read download: %v", err)
	}
	return string(data)
}

type sequenceGenerator struct {
	codes []string
	i     int
}

func (g *sequenceGenerator) Generate() string {
	code := g.codes[g.i%len(g.codes)]
	g.i++
	return code
}

func TestSessionService_CreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("generates a valid code and default expiry", func(t *testing.T) {
		env := newTestEnv(t)

		created, err := env.svc.CreateSession(ctx, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ValidShareCode(created.ShareCode) {
			t.Errorf("invalid share code %q", created.ShareCode)
		}
		if created.SessionID == "" {
			t.Error("expected a session id")
		}
		if want := env.clock.Add(24 * time.Hour); !created.ExpiresAt.Equal(want) {
			t.Errorf("expected expiry %v, got %v", want, created.ExpiresAt)
		}

		stored, err := env.meta.GetSession(ctx, created.SessionID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stored.MaxDownloads != 100 || stored.DownloadCount != 0 {
			t.Errorf("unexpected counters: %+v", stored)
		}
	})

	t.Run("uses requested code upper-cased", func(t *testing.T) {
		env := newTestEnv(t)

		created, err := env.svc.CreateSession(ctx, "abcd1234")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if created.ShareCode != "ABCD1234" {
			t.Errorf("expected ABCD1234, got %s", created.ShareCode)
		}
	})

	t.Run("rejects malformed requested code", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.svc.CreateSession(ctx, "short")
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("rejects requested code held by live session", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.CreateSession(ctx, "ABCD1234")

		_, err := env.svc.CreateSession(ctx, "ABCD1234")
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("retries generated code on collision", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.CreateSession(ctx, "AAAAAAAA")
		gen := &sequenceGenerator{codes: []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}}
		env.svc.codes = gen

		created, err := env.svc.CreateSession(ctx, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if created.ShareCode != "BBBBBBBB" {
			t.Errorf("expected BBBBBBBB, got %s", created.ShareCode)
		}
		if gen.i != 3 {
			t.Errorf("expected 3 generations, got %d", gen.i)
		}
	})

	t.Run("gives up after bounded attempts", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.CreateSession(ctx, "AAAAAAAA")
		gen := &sequenceGenerator{codes: []string{"AAAAAAAA"}}
		env.svc.codes = gen

		_, err := env.svc.CreateSession(ctx, "")
		if !errors.Is(err, ErrStorage) {
			t.Errorf("expected ErrStorage, got %v", err)
		}
		if gen.i != maxCodeAttempts {
			t.Errorf("expected %d attempts, got %d", maxCodeAttempts, gen.i)
		}
	})

	t.Run("reuses code of expired session", func(t *testing.T) {
		env := newTestEnv(t)
		first, _ := env.svc.CreateSession(ctx, "AAAAAAAA")
		env.clock = env.clock.Add(25 * time.Hour)

		second, err := env.svc.CreateSession(ctx, "AAAAAAAA")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := env.svc.GetSession(ctx, "AAAAAAAA")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.ID != second.SessionID || info.ID == first.SessionID {
			t.Errorf("expected the new session, got %s", info.ID)
		}
	})

	t.Run("times out when the store hangs", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.CreateTimeout = 20 * time.Millisecond
		env.svc.meta = &hangingStore{MetadataStore: env.meta}

		_, err := env.svc.CreateSession(ctx, "")
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("storage failure is not a timeout", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.meta = &brokenStore{MetadataStore: env.meta, failCreate: true}

		_, err := env.svc.CreateSession(ctx, "")
		if !errors.Is(err, ErrStorage) || errors.Is(err, ErrTimeout) {
			t.Errorf("expected ErrStorage, got %v", err)
		}
		if !strings.Contains(err.Error(), "connection refused") {
			t.Errorf("expected cause in message, got %q", err.Error())
		}
	})
}

func TestSessionService_GetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("expiry boundary", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		start := env.clock

		env.clock = start.Add(23*time.Hour + 59*time.Minute)
		if _, err := env.svc.GetSession(ctx, created.ShareCode); err != nil {
			t.Errorf("expected session at T+23h59m, got %v", err)
		}

		env.clock = start.Add(24 * time.Hour)
		if _, err := env.svc.GetSession(ctx, created.ShareCode); err != nil {
			t.Errorf("expected session at exactly T+24h, got %v", err)
		}

		env.clock = start.Add(24*time.Hour + time.Second)
		if _, err := env.svc.GetSession(ctx, created.ShareCode); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound at T+24h00m01s, got %v", err)
		}
	})

	t.Run("lazy expiry without sweep", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		env.clock = env.clock.Add(48 * time.Hour)

		if _, err := env.svc.GetSession(ctx, created.ShareCode); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := env.meta.GetSession(ctx, created.SessionID); err != nil {
			t.Errorf("expected record to still exist physically, got %v", err)
		}
	})

	t.Run("unknown and malformed codes", func(t *testing.T) {
		env := newTestEnv(t)

		if _, err := env.svc.GetSession(ctx, "ZZZZZZZZ"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := env.svc.GetSession(ctx, "??"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := env.svc.GetSession(ctx, " "); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)

		if _, err := env.svc.GetSession(ctx, strings.ToLower(created.ShareCode)); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("files in upload order", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		env.addFile(t, created.SessionID, "one.txt", "text/plain", "1")
		env.addFile(t, created.SessionID, "two.txt", "text/plain", "22")

		info, err := env.svc.GetSession(ctx, created.ShareCode)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(info.Files) != 2 {
			t.Fatalf("expected 2 files, got %d", len(info.Files))
		}
		if info.Files[0].OriginalFilename != "one.txt" || info.Files[1].OriginalFilename != "two.txt" {
			t.Errorf("unexpected order: %s, %s", info.Files[0].OriginalFilename, info.Files[1].OriginalFilename)
		}
	})
}

func TestSessionService_AddFile(t *testing.T) {
	ctx := context.Background()

	t.Run("validates inputs", func(t *testing.T) {
		env := newTestEnv(t)

		if _, err := env.svc.AddFile(ctx, "", strings.NewReader("x"), "a.txt", ""); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation for missing session id, got %v", err)
		}
		if _, err := env.svc.AddFile(ctx, "some-id", nil, "a.txt", ""); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation for missing file, got %v", err)
		}
	})

	t.Run("requires existing session", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.svc.AddFile(ctx, "missing", strings.NewReader("x"), "a.txt", "text/plain")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rejects expired session", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		env.clock = env.clock.Add(25 * time.Hour)

		_, err := env.svc.AddFile(ctx, created.SessionID, strings.NewReader("x"), "a.txt", "text/plain")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("records size, checksum and storage name", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)

		rec := env.addFile(t, created.SessionID, `C:\docs\report.txt`, "text/plain", "hello")
		if rec.FileSize != 5 {
			t.Errorf("expected size 5, got %d", rec.FileSize)
		}
		if rec.OriginalFilename != "report.txt" {
			t.Errorf("expected report.txt, got %s", rec.OriginalFilename)
		}
		if rec.Filename != rec.ID+"-report.txt" {
			t.Errorf("unexpected storage filename %s", rec.Filename)
		}
		// blake2b-256("hello")
		if rec.Checksum != "324dcf027dd4a30a932c441f365a25e86b173defa4b8e58948253471b81b72cf" {
			t.Errorf("unexpected checksum %s", rec.Checksum)
		}

		session, _ := env.meta.GetSession(ctx, created.SessionID)
		if len(session.FileIDs) != 1 || session.FileIDs[0] != rec.ID {
			t.Errorf("expected session to list the file, got %v", session.FileIDs)
		}
	})

	t.Run("long names round trip on the local store", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)

		for _, name := range []string{
			strings.Repeat("a", 226) + ".txt",
			strings.Repeat("é", 150) + ".txt",
		} {
			rec := env.addFile(t, created.SessionID, name, "text/plain", "abc")
			if !utf8.ValidString(rec.OriginalFilename) {
				t.Errorf("stored name is not valid UTF-8: %q", rec.OriginalFilename)
			}
			if len(name) <= 255 && rec.OriginalFilename != name {
				t.Errorf("expected name to be kept, got %q", rec.OriginalFilename)
			}

			d, err := env.svc.ResolveDownload(ctx, rec.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := readDownload(t, d); got != "abc" {
				t.Errorf("expected abc, got %q", got)
			}
			if d.Filename != rec.OriginalFilename {
				t.Errorf("expected filename %q, got %q", rec.OriginalFilename, d.Filename)
			}
		}
	})

	t.Run("sniffs missing mime type", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)

		png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"
		rec := env.addFile(t, created.SessionID, "image", "", png)
		if rec.MimeType != "image/png" {
			t.Errorf("expected image/png, got %s", rec.MimeType)
		}

		rec = env.addFile(t, created.SessionID, "image2", "application/octet-stream", png)
		if rec.MimeType != "image/png" {
			t.Errorf("expected image/png for octet-stream upload, got %s", rec.MimeType)
		}
	})

	t.Run("rejects oversized file", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)

		big := strings.Repeat("x", 1024*1024+1)
		_, err := env.svc.AddFile(ctx, created.SessionID, strings.NewReader(big), "big.bin", "")
		if !errors.Is(err, ErrFileTooLarge) {
			t.Errorf("expected ErrFileTooLarge, got %v", err)
		}

		session, _ := env.meta.GetSession(ctx, created.SessionID)
		if len(session.FileIDs) != 0 {
			t.Errorf("expected no file record, got %v", session.FileIDs)
		}
	})

	t.Run("removes blob when metadata write fails", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		recorder := &recordingBlobStore{BlobStore: env.blobs}
		env.svc.blobs = recorder
		env.svc.meta = &brokenStore{MetadataStore: env.meta, failFiles: true}

		_, err := env.svc.AddFile(ctx, created.SessionID, strings.NewReader("abc"), "a.txt", "text/plain")
		if !errors.Is(err, ErrStorage) {
			t.Fatalf("expected ErrStorage, got %v", err)
		}
		if len(recorder.deleted) != 1 {
			t.Fatalf("expected orphan blob to be deleted, got %v", recorder.deleted)
		}
		if _, err := env.blobs.Path(recorder.deleted[0]); !errors.Is(err, storage.ErrBlobNotFound) {
			t.Errorf("expected blob to be gone, got %v", err)
		}
	})
}

func TestSessionService_Download(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		payload := "binary\x00payload\xff"
		rec := env.addFile(t, created.SessionID, "data.bin", "application/x-custom", payload)

		d, err := env.svc.ResolveDownload(ctx, rec.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := readDownload(t, d); got != payload {
			t.Errorf("expected %q, got %q", payload, got)
		}
		if d.Filename != "data.bin" || d.MimeType != "application/x-custom" {
			t.Errorf("unexpected metadata: %s %s", d.Filename, d.MimeType)
		}
		if d.Size != int64(len(payload)) || d.Checksum != rec.Checksum {
			t.Errorf("unexpected size or checksum: %d %s", d.Size, d.Checksum)
		}
	})

	t.Run("unknown file", func(t *testing.T) {
		env := newTestEnv(t)

		if _, err := env.svc.ResolveDownload(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := env.svc.DownloadURL(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("missing blob", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		rec := env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")
		env.blobs.Delete(ctx, rec.StorageRef)

		if _, err := env.svc.ResolveDownload(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("expired session", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		rec := env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")
		env.clock = env.clock.Add(25 * time.Hour)

		if _, err := env.svc.ResolveDownload(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("download url falls back to file route", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.BaseURL = "https://share.example.com"
		created := env.createSession(t)
		rec := env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")

		url, err := env.svc.DownloadURL(ctx, rec.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := "https://share.example.com/download/" + rec.ID + "/file"; url != want {
			t.Errorf("expected %s, got %s", want, url)
		}
	})

	t.Run("download url uses signer", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		rec := env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")
		env.svc.blobs = &signingBlobStore{BlobStore: env.blobs}

		url, err := env.svc.DownloadURL(ctx, rec.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if url != "https://signed.example.com/"+rec.StorageRef+"?name=a.txt" {
			t.Errorf("unexpected url %s", url)
		}
	})
}

func TestSessionService_RecordDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		rec := env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")

		const n = 100
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := env.svc.RecordDownload(ctx, rec.ID); err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		session, _ := env.meta.GetSession(ctx, created.SessionID)
		if session.DownloadCount != n {
			t.Errorf("expected %d downloads, got %d", n, session.DownloadCount)
		}
	})

	t.Run("unknown file", func(t *testing.T) {
		env := newTestEnv(t)

		if err := env.svc.RecordDownload(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("expired session is not found and not counted", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		rec := env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")

		env.clock = env.clock.Add(48 * time.Hour)
		if err := env.svc.RecordDownload(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		session, _ := env.meta.GetSession(ctx, created.SessionID)
		if session.DownloadCount != 0 {
			t.Errorf("expected no download counted, got %d", session.DownloadCount)
		}
	})

	t.Run("counter failure is swallowed", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		rec := env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")
		env.svc.meta = &brokenStore{MetadataStore: env.meta, failIncrement: true}

		if err := env.svc.RecordDownload(ctx, rec.ID); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})

	t.Run("counts past the advisory limit", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.MaxDownloads = 1
		created := env.createSession(t)
		rec := env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")

		for range 3 {
			env.svc.RecordDownload(ctx, rec.ID)
		}
		if _, err := env.svc.ResolveDownload(ctx, rec.ID); err != nil {
			t.Errorf("expected download past maxDownloads to succeed, got %v", err)
		}
		session, _ := env.meta.GetSession(ctx, created.SessionID)
		if session.DownloadCount != 3 {
			t.Errorf("expected 3 downloads, got %d", session.DownloadCount)
		}
	})
}

func TestSessionService_CleanupExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("removes expired sessions and is idempotent", func(t *testing.T) {
		env := newTestEnv(t)
		old := env.createSession(t)
		oldFile := env.addFile(t, old.SessionID, "a.txt", "text/plain", "abc")

		env.clock = env.clock.Add(12 * time.Hour)
		fresh := env.createSession(t)
		env.addFile(t, fresh.SessionID, "b.txt", "text/plain", "def")

		asOf := env.clock.Add(13 * time.Hour)
		n, err := env.svc.CleanupExpired(ctx, asOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 cleaned, got %d", n)
		}

		if _, err := env.meta.GetSession(ctx, old.SessionID); !errors.Is(err, database.ErrSessionNotFound) {
			t.Errorf("expected old session to be deleted, got %v", err)
		}
		if _, err := env.meta.GetFileRecord(ctx, oldFile.ID); !errors.Is(err, database.ErrFileNotFound) {
			t.Errorf("expected old file record to be deleted, got %v", err)
		}
		if _, err := env.blobs.Path(oldFile.StorageRef); !errors.Is(err, storage.ErrBlobNotFound) {
			t.Errorf("expected old blob to be deleted, got %v", err)
		}
		if _, err := env.meta.GetSession(ctx, fresh.SessionID); err != nil {
			t.Errorf("expected fresh session to survive, got %v", err)
		}

		n, err = env.svc.CleanupExpired(ctx, asOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 0 {
			t.Errorf("expected second run to clean 0, got %d", n)
		}
	})

	t.Run("keeps session when a blob delete fails", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		good := env.addFile(t, created.SessionID, "good.txt", "text/plain", "1")
		bad := env.addFile(t, created.SessionID, "bad.txt", "text/plain", "2")
		other := env.createSession(t)

		env.svc.blobs = &recordingBlobStore{BlobStore: env.blobs, failRef: bad.StorageRef}
		asOf := env.clock.Add(25 * time.Hour)

		n, err := env.svc.CleanupExpired(ctx, asOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 1 {
			t.Errorf("expected only the healthy session to be cleaned, got %d", n)
		}
		if _, err := env.meta.GetSession(ctx, other.SessionID); !errors.Is(err, database.ErrSessionNotFound) {
			t.Errorf("expected other session to be cleaned, got %v", err)
		}

		session, err := env.meta.GetSession(ctx, created.SessionID)
		if err != nil {
			t.Fatalf("expected session to be kept, got %v", err)
		}
		if len(session.FileIDs) != 1 || session.FileIDs[0] != bad.ID {
			t.Errorf("expected only the failed file to remain, got %v", session.FileIDs)
		}
		if _, err := env.meta.GetFileRecord(ctx, good.ID); !errors.Is(err, database.ErrFileNotFound) {
			t.Errorf("expected deleted file record to be gone, got %v", err)
		}

		env.svc.blobs = env.blobs
		n, err = env.svc.CleanupExpired(ctx, asOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 1 {
			t.Errorf("expected next sweep to finish the session, got %d", n)
		}
	})

	t.Run("upload landing mid-sweep keeps the session", func(t *testing.T) {
		env := newTestEnv(t)
		created := env.createSession(t)
		env.addFile(t, created.SessionID, "a.txt", "text/plain", "abc")

		late := &database.FileRecord{
			ID:         "late-file",
			SessionID:  created.SessionID,
			Filename:   "late-file-b.txt",
			StorageRef: created.SessionID + "/late-file-b.txt",
			CreatedAt:  env.clock,
		}
		env.svc.meta = &lateUploadStore{MetadataStore: env.meta, late: late}
		asOf := env.clock.Add(25 * time.Hour)

		n, err := env.svc.CleanupExpired(ctx, asOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 0 {
			t.Errorf("expected session with a late file to be kept, got %d cleaned", n)
		}
		if _, err := env.meta.GetSession(ctx, created.SessionID); err != nil {
			t.Fatalf("expected session to survive, got %v", err)
		}
		if _, err := env.meta.GetFileRecord(ctx, late.ID); err != nil {
			t.Fatalf("expected late file record to still belong to its session, got %v", err)
		}

		n, err = env.svc.CleanupExpired(ctx, asOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 1 {
			t.Errorf("expected next sweep to remove the session, got %d", n)
		}
		if _, err := env.meta.GetFileRecord(ctx, late.ID); !errors.Is(err, database.ErrFileNotFound) {
			t.Errorf("expected late file record to be removed with its session, got %v", err)
		}
	})

	t.Run("listing failure is reported", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.meta = &brokenStore{MetadataStore: env.meta, failList: true}

		if _, err := env.svc.CleanupExpired(ctx, env.clock); !errors.Is(err, ErrStorage) {
			t.Errorf("expected ErrStorage, got %v", err)
		}
	})
}

func TestSessionService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.svc.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := env.svc.AddFile(ctx, created.SessionID, strings.NewReader("abc"), "a.txt", "text/plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := env.svc.GetSession(ctx, created.ShareCode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(info.Files))
	}
	if info.Files[0].FileSize != 3 {
		t.Errorf("expected size 3, got %d", info.Files[0].FileSize)
	}

	d, err := env.svc.ResolveDownload(ctx, rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readDownload(t, d); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
	if d.Filename != "a.txt" || d.MimeType != "text/plain" {
		t.Errorf("unexpected download metadata: %s %s", d.Filename, d.MimeType)
	}
}

func TestSessionService_Health(t *testing.T) {
	env := newTestEnv(t)

	report := env.svc.Health(context.Background())
	if report.Status != "ok" {
		t.Errorf("expected ok, got %s", report.Status)
	}
	if report.Metadata.Backend != "json" || report.Storage.Backend != "local" {
		t.Errorf("unexpected backends: %+v", report)
	}

	env.svc.meta = &brokenStore{MetadataStore: env.meta, failPing: true}
	report = env.svc.Health(context.Background())
	if report.Status != "degraded" || report.Metadata.OK {
		t.Errorf("expected degraded metadata, got %+v", report)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name", "file.txt", "file.txt"},
		{"strips directory", "/path/to/file.txt", "file.txt"},
		{"strips windows path", "C:\\Users\\test\\file.txt", "file.txt"},
		{"empty name", "", "upload"},
		{"dot name", ".", "upload"},
		{"dot dot", "..", "upload"},
		{"replaces slashes", "a/b/c.txt", "c.txt"},
		{"drops control characters", "evil\r\nname.txt", "evilname.txt"},
		{"keeps unicode", "résumé.pdf", "résumé.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}

	t.Run("limits length", func(t *testing.T) {
		long := strings.Repeat("a", 300) + ".txt"
		result := sanitizeFilename(long)
		if len(result) != 255 || !strings.HasSuffix(result, ".txt") {
			t.Errorf("expected 255 chars ending in .txt, got %d chars", len(result))
		}
	})

	t.Run("truncates multi-byte names on a character boundary", func(t *testing.T) {
		long := strings.Repeat("é", 150) + ".txt"
		result := sanitizeFilename(long)
		if !utf8.ValidString(result) {
			t.Errorf("expected valid UTF-8, got %q", result)
		}
		if len(result) > 255 || !strings.HasSuffix(result, ".txt") {
			t.Errorf("expected at most 255 bytes ending in .txt, got %d bytes", len(result))
		}
	})
}

// --- Test doubles ---

// hangingStore blocks CreateSession until the context is done.
type hangingStore struct {
	database.MetadataStore
}

func (h *hangingStore) CreateSession(ctx context.Context, session *database.Session) error {
	<-ctx.Done()
	return ctx.Err()
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connection refused")

type brokenStore struct {
	database.MetadataStore
	failCreate    bool
	failFiles     bool
	failIncrement bool
	failList      bool
	failPing      bool
}

func (b *brokenStore) CreateSession(ctx context.Context, session *database.Session) error {
	if b.failCreate {
		return errConnRefused
	}
	return b.MetadataStore.CreateSession(ctx, session)
}

func (b *brokenStore) CreateFileRecord(ctx context.Context, record *database.FileRecord) error {
	if b.failFiles {
		return errConnRefused
	}
	return b.MetadataStore.CreateFileRecord(ctx, record)
}

func (b *brokenStore) IncrementDownloadCount(ctx context.Context, sessionID string) error {
	if b.failIncrement {
		return errConnRefused
	}
	return b.MetadataStore.IncrementDownloadCount(ctx, sessionID)
}

func (b *brokenStore) ListExpiredSessions(ctx context.Context, asOf time.Time) ([]*database.Session, error) {
	if b.failList {
		return nil, errConnRefused
	}
	return b.MetadataStore.ListExpiredSessions(ctx, asOf)
}

func (b *brokenStore) Ping(ctx context.Context) error {
	if b.failPing {
		return errConnRefused
	}
	return b.MetadataStore.Ping(ctx)
}

// lateUploadStore commits one extra file record right after the first
// listing of its session, as an upload racing the sweep would.
type lateUploadStore struct {
	database.MetadataStore
	late *database.FileRecord
	done bool
}

func (l *lateUploadStore) ListFilesForSession(ctx context.Context, sessionID string) ([]*database.FileRecord, error) {
	files, err := l.MetadataStore.ListFilesForSession(ctx, sessionID)
	if err == nil && !l.done && sessionID == l.late.SessionID {
		l.done = true
		if err := l.MetadataStore.CreateFileRecord(ctx, l.late); err != nil {
			return nil, err
		}
	}
	return files, err
}

type recordingBlobStore struct {
	storage.BlobStore
	failRef string
	deleted []string
}

func (r *recordingBlobStore) Delete(ctx context.Context, ref string) error {
	if ref == r.failRef {
		return errors.New("access denied")
	}
	r.deleted = append(r.deleted, ref)
	return r.BlobStore.Delete(ctx, ref)
}

type signingBlobStore struct {
	storage.BlobStore
}

func (s *signingBlobStore) PresignGet(ctx context.Context, ref, filename string, ttl time.Duration) (string, error) {
	return "https://signed.example.com/" + ref + "?name=" + filename, nil
}
