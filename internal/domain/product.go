package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Variable tags a raster product with the physical quantity it carries.
type Variable string

const (
	VariableWindSpeed     Variable = "wind_speed"
	VariableTemperature   Variable = "temperature"
	VariablePrecipitation Variable = "precipitation"
	VariableWindVector    Variable = "wind_vector"
)

// TargetSRS is the spatial reference every product is warped to.
const TargetSRS = "EPSG:4326"

// ScaleRange linearly maps [SrcMin, SrcMax] onto [DstMin, DstMax].
type ScaleRange struct {
	SrcMin, SrcMax float64
	DstMin, DstMax float64
}

// Args renders the range as gdal_translate -scale operands.
func (r ScaleRange) Args() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return []string{f(r.SrcMin), f(r.SrcMax), f(r.DstMin), f(r.DstMax)}
}

// BandSelector picks bands out of a multi-band raster. Format is the GDAL
// driver of the output, e.g. "GTiff" or "GRIB".
type BandSelector struct {
	Bands  []int
	Format string
}

// LayerSpec describes one colorized mosaic layer derived from a single band.
type LayerSpec struct {
	Variable   Variable
	Band       int
	Scale      *ScaleRange // nil when the band is colorized as-is
	Colormap   string      // color-relief table file name
	Collection string      // mosaic the colorized file is published to
	Dir        string      // output subdirectory for colorized files
	Prefix     string      // file name prefix, "<prefix>_colorized_<stamp>.tif"
}

// ColorizedName is the file name of the layer's colorized product for t.
func (l LayerSpec) ColorizedName(t time.Time) string {
	return fmt.Sprintf("%s_colorized_%s.tif", l.Prefix, Stamp(t))
}

// DefaultLayers is the product catalog for the default GFS request.
var DefaultLayers = []LayerSpec{
	{
		Variable:   VariableWindSpeed,
		Band:       1,
		Colormap:   "wind-colormap.txt",
		Collection: "windgust_mosaic",
		Dir:        "WindGust",
		Prefix:     "windSpeed",
	},
	{
		Variable:   VariableTemperature,
		Band:       3,
		Colormap:   "tmp-colormap.txt",
		Collection: "temperature_mosaic",
		Dir:        "Temperature",
		Prefix:     "tmp",
	},
	{
		Variable:   VariablePrecipitation,
		Band:       6,
		Scale:      &ScaleRange{SrcMin: 0, SrcMax: 0.016, DstMin: 0, DstMax: 60},
		Colormap:   "rain-colormap.txt",
		Collection: "precipitation_mosaic",
		Dir:        "Precipitation",
		Prefix:     "precip",
	},
}

var (
	// WindVectorBands are the U and V components exported as the wind-vector product.
	WindVectorBands = []int{4, 5}
	// StoreBands is the band subset written to the spatial store.
	StoreBands = []int{1, 3, 6}
)

const (
	// WindVectorDir is the output subdirectory of the wind-vector JSON product.
	WindVectorDir = "UV_Wind"
	// WindVectorResolution is the cell size, in degrees, the U/V bands are
	// regridded to before export. Keeps the JSON small enough for browsers.
	WindVectorResolution = 1.0
)

// WindVectorName is the file name of the wind-vector product for t.
func WindVectorName(t time.Time) string {
	return "uvWind_" + Stamp(t) + ".json"
}

// GribName is the scratch name of the downloaded grid for t.
func GribName(t time.Time) string { return "data_" + Stamp(t) + ".grib2" }

func GeoTIFFName(t time.Time) string { return "geoTiff_" + Stamp(t) + ".tif" }

func ReprojectedName(t time.Time) string { return "epsgGeoTiff_" + Stamp(t) + ".tif" }

func StoreSubsetName(t time.Time) string { return "3banddata_" + Stamp(t) + ".tif" }

func WindBandsName(t time.Time) string { return "uvBands_" + Stamp(t) + ".grib2" }

func WindRegriddedName(t time.Time) string { return "uvRegridded_" + Stamp(t) + ".grib2" }

func BandName(prefix string, t time.Time) string { return prefix + "Band_" + Stamp(t) + ".tif" }

func ScaledName(prefix string, t time.Time) string { return prefix + "Scaled_" + Stamp(t) + ".tif" }

// Stage is a step of the per-hour ingestion state machine.
type Stage string

const (
	StagePending     Stage = "pending"
	StageDownloading Stage = "downloading"
	StageConverting  Stage = "converting"
	StagePublishing  Stage = "publishing"
	StageStoring     Stage = "storing"
	StageCleaned     Stage = "cleaned"
)

// RasterProduct is one materialized file for a (valid time, variable) pair,
// owned by the task that created it.
type RasterProduct struct {
	Instant  time.Time
	Variable Variable
	Path     string
}
