package fetch

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
)

// DefaultTimeout is the ceiling for one whole download, not per read.
const DefaultTimeout = 30 * time.Minute

// FetchError wraps any network, HTTP status or filesystem failure during a download.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// IntegrityError reports a digest mismatch. The file at Path is left in place.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sha256 mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

type Fetcher struct {
	Client    *http.Client
	UserAgent string
	Logger    zerolog.Logger
}

func New(timeout time.Duration, logger zerolog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "kazeta-cart/1.0",
		Logger:    logger.With().Str("component", "fetch").Logger(),
	}
}

// Fetch streams rawURL to dst and returns the number of bytes written.
// onProgress, if set, receives the running byte count and the advertised length (-1 if unknown).
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dst string, onProgress func(written, total int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.UserAgent)
	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &FetchError{URL: rawURL, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, &FetchError{URL: rawURL, Err: err}
	}
	defer out.Close()

	var w io.Writer = out
	if onProgress != nil {
		w = &countingWriter{w: out, total: resp.ContentLength, fn: onProgress}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &FetchError{URL: rawURL, Err: err}
	}
	if err := out.Sync(); err != nil {
		return n, &FetchError{URL: rawURL, Err: err}
	}
	f.Logger.Info().Str("url", rawURL).Str("dst", dst).Int64("bytes", n).Msg("downloaded")
	return n, nil
}

// Verify hashes the whole file at p and compares it with expected, ignoring case
// and an optional "sha256:" prefix.
func Verify(p, expected string) error {
	fh, err := os.Open(p)
	if err != nil {
		return err
	}
	defer fh.Close()
	dgst, err := digest.SHA256.FromReader(fh)
	if err != nil {
		return err
	}
	want := normalize(expected)
	if want == "" {
		return errors.New("empty expected digest")
	}
	if !strings.EqualFold(dgst.Encoded(), want) {
		return &IntegrityError{Path: p, Expected: want, Actual: dgst.Encoded()}
	}
	return nil
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 && strings.EqualFold(s[:i], string(digest.SHA256)) {
		s = s[i+1:]
	}
	return s
}

// FileName is the basename the runtime archive is stored under at the cart root.
func FileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if b := path.Base(u.Path); b != "" && b != "." && b != "/" {
			return b
		}
	}
	return "runtime.kzr"
}

type countingWriter struct {
	w       io.Writer
	written int64
	total   int64
	fn      func(written, total int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += int64(n)
	c.fn(c.written, c.total)
	return n, err
}
