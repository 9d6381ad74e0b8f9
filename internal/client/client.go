package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

// DefaultServer is used when HANDOFF_SERVER is unset.
const DefaultServer = "http://localhost:8080"

const transferConcurrency = 4

var ErrChecksumMismatch = errors.New("checksum mismatch")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Session is the server's reply to session creation.
type Session struct {
	SessionID string    `json:"sessionId"`
	ShareCode string    `json:"shareCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RemoteFile is a file listed in a shared session.
type RemoteFile struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"originalFilename"`
	FileSize         int64  `json:"fileSize"`
	Checksum         string `json:"checksum"`
}

// RemoteSession is a session as returned by the lookup endpoint.
type RemoteSession struct {
	ID        string       `json:"id"`
	ShareCode string       `json:"shareCode"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Files     []RemoteFile `json:"files"`
}

// Client talks to a handoff server.
type Client struct {
	baseURL string
	http    *http.Client
	out     io.Writer
	outMu   sync.Mutex
}

// New returns a client for the server at baseURL. Progress lines go to out.
func New(baseURL string, httpClient *http.Client, out io.Writer) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if out == nil {
		out = io.Discard
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		out:     out,
	}
}

// Send creates a session and uploads every file into it.
func (c *Client) Send(ctx context.Context, files []LocalFile) (*Session, error) {
	if len(files) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var session Session
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", nil, "", &session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)

	for _, f := range files {
		g.Go(func() error {
			if err := c.upload(gctx, session.SessionID, f); err != nil {
				return fmt.Errorf("upload %s: %w", f.Path, err)
			}
			c.printf("  sent %s (%s)\n", f.Name, humanize.Bytes(uint64(f.Size)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &session, nil
}

func (c *Client) upload(ctx context.Context, sessionID string, f LocalFile) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadForm(mw, sessionID, f))
	}()

	err := c.doJSON(ctx, http.MethodPost, "/upload", pr, mw.FormDataContentType(), nil)
	pr.Close()
	return err
}

func writeUploadForm(mw *multipart.Writer, sessionID string, f LocalFile) error {
	if err := mw.WriteField("sessionId", sessionID); err != nil {
		return err
	}

	src, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}

	return mw.Close()
}

// Lookup fetches a session and its file list by share code.
func (c *Client) Lookup(ctx context.Context, code string) (*RemoteSession, error) {
	var session RemoteSession
	path := "/sessions/" + url.PathEscape(strings.ToUpper(strings.TrimSpace(code)))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, "", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Receive downloads every file of the session into dir and records each
// download. It returns the written paths in the session's file order.
func (c *Client) Receive(ctx context.Context, code, dir string) ([]string, error) {
	session, err := c.Lookup(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", code, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	written := make([]string, len(session.Files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)

	for i, f := range session.Files {
		g.Go(func() error {
			p, err := c.download(gctx, f, dir)
			if err != nil {
				return fmt.Errorf("download %s: %w", f.OriginalFilename, err)
			}
			written[i] = p

			// Counting is best effort; the bytes are already on disk.
			if err := c.doJSON(gctx, http.MethodPost, "/files/"+url.PathEscape(f.ID)+"/download", nil, "", nil); err != nil {
				c.printf("  warning: could not record download of %s: %v\n", f.OriginalFilename, err)
			}

			c.printf("  received %s (%s)\n", filepath.Base(p), humanize.Bytes(uint64(f.FileSize)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return written, nil
}

func (c *Client) download(ctx context.Context, f RemoteFile, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+url.PathEscape(f.ID)+"/file", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	dst, err := createUnique(dir, f.OriginalFilename)
	if err != nil {
		return "", err
	}

	hasher, _ := blake2b.New256(nil)
	_, err = io.Copy(io.MultiWriter(dst, hasher), resp.Body)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && f.Checksum != "" && hex.EncodeToString(hasher.Sum(nil)) != f.Checksum {
		err = ErrChecksumMismatch
	}
	if err != nil {
		os.Remove(dst.Name())
		return "", err
	}

	return dst.Name(), nil
}

// createUnique creates name inside dir, appending -1, -2, ... before the
// extension when the name is already taken.
func createUnique(dir, name string) (*os.File, error) {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if !filepath.IsLocal(name) {
		name = "download"
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, err
	}

	return nil, fmt.Errorf("no free filename for %s in %s", name, dir)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}

func (c *Client) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
