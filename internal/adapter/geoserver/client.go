package geoserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Client harvests colorized rasters into GeoServer ImageMosaic stores.
// It implements gdal.Indexer.
type Client struct {
	baseURL    string
	workspace  string
	user       string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a GeoServer REST client. baseURL is the GeoServer root,
// e.g. "http://geoserver:8080/geoserver".
func NewClient(baseURL, workspace, user, password string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		workspace: workspace,
		user:      user,
		password:  password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Publish adds the file at path to the mosaic named collection. GeoServer reads
// the file from its own filesystem, so path must be visible to the server.
func (c *Client) Publish(ctx context.Context, path, collection string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	endpoint := fmt.Sprintf("%s/rest/workspaces/%s/coveragestores/%s/external.imagemosaic",
		c.baseURL, url.PathEscape(c.workspace), url.PathEscape(collection))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("file://"+filepath.ToSlash(abs)))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("harvest request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("geoserver error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.logger.Debug("granule harvested",
		"collection", collection,
		"path", abs,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return nil
}
