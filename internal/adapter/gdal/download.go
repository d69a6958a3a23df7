package gdal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var errEmptyDownload = errors.New("empty response body")

// Downloader streams forecast grids to disk.
type Downloader struct {
	httpClient *http.Client
}

// NewDownloader creates a Downloader whose requests time out after timeout.
func NewDownloader(timeout time.Duration) *Downloader {
	return &Downloader{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch writes the body of url to dest. The body is streamed into dest.part and
// renamed on success, so dest either holds a complete file or does not exist.
func (d *Downloader) Fetch(ctx context.Context, url, dest string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream error: status %d: %s", resp.StatusCode, body)
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	defer func() {
		if err != nil {
			os.Remove(part) //nolint:errcheck // best-effort cleanup of a partial file
		}
	}()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close() //nolint:errcheck // copy error takes precedence
		return fmt.Errorf("write body: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", part, err)
	}
	if n == 0 {
		return errEmptyDownload
	}
	if err = os.Rename(part, dest); err != nil {
		return fmt.Errorf("rename %s: %w", part, err)
	}
	return nil
}

