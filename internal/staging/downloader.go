package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrFailed wraps every staging failure: bad locator, network error,
// non-200 status or disk write failure.
var ErrFailed = errors.New("staging failed")

// File is a staged audio resource.
type File struct {
	// Path is absolute and private to the staging directory.
	Path        string
	ContentType string
	Name        string
}

// Downloader fetches remote call audio into a private local directory so the
// classifier can be handed a stable file.
type Downloader struct {
	dir    string
	client *http.Client
	now    func() time.Time
}

func NewDownloader(dir string, client *http.Client) (*Downloader, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("staging: dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("staging: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("staging: create dir: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{dir: abs, client: client, now: time.Now}, nil
}

// Dir returns the absolute staging directory.
func (d *Downloader) Dir() string { return d.dir }

// Stage downloads rawURL for callID. One file is written per call; the name
// combines the call id and a timestamp so concurrent calls never collide.
// A partially written file is removed before the error is returned.
func (d *Downloader) Stage(ctx context.Context, callID, rawURL string) (File, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return File{}, fmt.Errorf("%w: invalid audio url %q", ErrFailed, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("%w: fetch: %v", ErrFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return File{}, fmt.Errorf("%w: fetch returned status %d", ErrFailed, resp.StatusCode)
	}

	ext := audioExt(u.Path)
	name := fmt.Sprintf("call_%s_%d%s", sanitize(callID), d.now().UnixNano(), ext)
	p := filepath.Join(d.dir, name)

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return File{}, fmt.Errorf("%w: create: %v", ErrFailed, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return File{}, fmt.Errorf("%w: write: %v", ErrFailed, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(p)
		return File{}, fmt.Errorf("%w: close: %v", ErrFailed, err)
	}

	return File{Path: p, ContentType: ContentTypeFor(ext), Name: "call_audio" + ext}, nil
}

// Release deletes a staged file. Paths outside the staging directory are refused.
func (d *Downloader) Release(p string) error {
	if p == "" {
		return nil
	}
	if filepath.Dir(filepath.Clean(p)) != d.dir {
		return fmt.Errorf("staging: refusing to remove %q outside %q", p, d.dir)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ContentTypeFor maps a file extension to the MIME type sent to the classifier.
func ContentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".wav":
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}

func audioExt(p string) string {
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".wav", ".mp3":
		return ext
	default:
		return ".mp3"
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func sanitize(id string) string {
	s := unsafeName.ReplaceAllString(id, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		s = "anon"
	}
	return s
}
