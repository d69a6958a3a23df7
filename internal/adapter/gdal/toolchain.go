package gdal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
)

// CommandRunner runs one external command to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// Indexer notifies the tile server that a file belongs to a mosaic.
type Indexer interface {
	Publish(ctx context.Context, path, collection string) error
}

// Toolchain implements pipeline.RasterToolchain with GDAL command-line tools
// and grib2json. Every method is a file-to-file transform that overwrites dest.
type Toolchain struct {
	runner     CommandRunner
	downloader *Downloader
	indexer    Indexer
	logger     *slog.Logger
}

// NewToolchain creates a Toolchain. Pass a nil indexer to disable mosaic
// publication.
func NewToolchain(runner CommandRunner, downloader *Downloader, indexer Indexer, logger *slog.Logger) *Toolchain {
	return &Toolchain{
		runner:     runner,
		downloader: downloader,
		indexer:    indexer,
		logger:     logger,
	}
}

// Download fetches url into dest. No partial file is left behind on failure.
func (t *Toolchain) Download(ctx context.Context, url, dest string) error {
	if err := t.downloader.Fetch(ctx, url, dest); err != nil {
		return &domain.DownloadFailedError{URL: url, Err: err}
	}
	return nil
}

// ConvertToRaster converts a GRIB2 grid into a GeoTIFF.
func (t *Toolchain) ConvertToRaster(ctx context.Context, src, dest string) error {
	return t.transform(ctx, "convert", src, "gdal_translate", "-of", "GTiff", "-r", "bilinear", src, dest)
}

// Reproject warps src into the target spatial reference, e.g. "EPSG:4326".
func (t *Toolchain) Reproject(ctx context.Context, src, dest, targetSRS string) error {
	return t.transform(ctx, "reproject", src, "gdalwarp", "-overwrite", "-t_srs", targetSRS, src, dest)
}

// ExtractBand copies the selected bands, in order, into a new raster.
func (t *Toolchain) ExtractBand(ctx context.Context, src, dest string, sel domain.BandSelector) error {
	if len(sel.Bands) == 0 {
		return &domain.ConversionFailedError{Operation: "extract_band", Err: fmt.Errorf("no bands selected")}
	}
	format := sel.Format
	if format == "" {
		format = "GTiff"
	}
	args := []string{"-of", format}
	for _, b := range sel.Bands {
		args = append(args, "-b", strconv.Itoa(b))
	}
	args = append(args, src, dest)
	return t.transform(ctx, "extract_band", src, "gdal_translate", args...)
}

// Scale linearly remaps pixel values from the source range to the target range.
func (t *Toolchain) Scale(ctx context.Context, src, dest string, r domain.ScaleRange) error {
	args := append([]string{"-of", "GTiff", "-scale"}, r.Args()...)
	args = append(args, src, dest)
	return t.transform(ctx, "scale", src, "gdal_translate", args...)
}

// Colorize applies a color-relief table, producing an RGBA GeoTIFF.
func (t *Toolchain) Colorize(ctx context.Context, src, dest, colormap string) error {
	if _, err := os.Stat(colormap); err != nil {
		return &domain.ConversionFailedError{Operation: "colorize", Err: fmt.Errorf("colormap: %w", err)}
	}
	return t.transform(ctx, "colorize", src, "gdaldem", "color-relief", "-alpha", "-of", "GTiff", src, colormap, dest)
}

// Regrid resamples src onto a regular grid with the given cell size in degrees.
func (t *Toolchain) Regrid(ctx context.Context, src, dest string, resolution float64) error {
	res := strconv.FormatFloat(resolution, 'f', -1, 64)
	return t.transform(ctx, "regrid", src, "gdalwarp", "-overwrite", "-of", "GRIB", "-r", "bilinear", "-tr", res, res, src, dest)
}

// ExportVectorJSON dumps a GRIB2 file, headers and data, as grib2json JSON.
func (t *Toolchain) ExportVectorJSON(ctx context.Context, src, dest string) error {
	return t.transform(ctx, "export_json", src, "grib2json", "--data", "--names", "--output", dest, src)
}

// PublishToIndex hands path to the tile server's mosaic for collection. It is a
// no-op when no indexer is configured.
func (t *Toolchain) PublishToIndex(ctx context.Context, path, collection string) error {
	if t.indexer == nil {
		return nil
	}
	if err := t.indexer.Publish(ctx, path, collection); err != nil {
		return &domain.IndexPublishFailedError{Path: path, Collection: collection, Err: err}
	}
	return nil
}

func (t *Toolchain) transform(ctx context.Context, operation, src, name string, args ...string) error {
	if _, err := os.Stat(src); err != nil {
		return &domain.ConversionFailedError{Operation: operation, Err: fmt.Errorf("input: %w", err)}
	}
	if err := t.runner.Run(ctx, name, args...); err != nil {
		return &domain.ConversionFailedError{Operation: operation, Err: err}
	}
	return nil
}
