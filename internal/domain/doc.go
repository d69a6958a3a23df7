// Package domain models Global Forecast System (GFS) grid ingestion.
//
// # Data Source
//
// Forecast grids come from the NOAA Operational Model Archive and Distribution
// System (NOMADS) GRIB filter, which serves a subset of a GFS output file
// selected by query parameters:
//
//	https://nomads.ncep.noaa.gov/cgi-bin/filter_gfs_0p25.pl
//	  ?dir=/gfs.20240426/00/atmos
//	  &file=gfs.t00z.pgrb2.0p25.f003
//	  &var_TMP=on&var_GUST=on
//	  &lev_surface=on&lev_2_m_above_ground=on
//
// # GFS Naming Conventions
//
// Cycle directory:
//
//	"gfs.<yyyyMMdd>/<HH>"  →  e.g. "gfs.20240426/00"
//	The model runs four times a day. HH is the cycle hour: 00, 06, 12 or 18 UTC.
//
// Output file:
//
//	"gfs.t<HH>z.pgrb2.0p25.f<FFF>"  →  e.g. "gfs.t00z.pgrb2.0p25.f003"
//	FFF is the forecast offset in hours from the cycle time, zero-padded to three digits.
//
// The valid time of a grid is cycle date + cycle hour + forecast offset. It is the
// [time.Time] every downstream artifact and stored row is keyed by. See
// [ParseFromDownloadURL].
//
// Level names:
//
//	Levels contain spaces upstream ("2 m above ground") and are sent with
//	underscores ("lev_2_m_above_ground=on").
//
// # Scratch Names
//
// Files materialized during ingestion carry the valid time as a
// "yyyyMMdd_HHmmss" stamp, e.g. "data_20240426_030000.grib2". The stamp is the
// only identity a scratch file has; [ParseFromScratchName] recovers it.
//
// # Band Layout
//
// After conversion to GeoTIFF the filtered grid has one band per requested
// (variable, level) pair in request order. The default request yields:
//
//	1 GUST surface            → wind speed (m/s)
//	2 reserved
//	3 TMP 2 m above ground    → temperature (K)
//	4 UGRD 10 m above ground  → wind vector U
//	5 VGRD 10 m above ground  → wind vector V
//	6 PRATE surface           → precipitation rate (kg/m²/s)
//
// [DefaultLayers] maps those bands to colorized mosaics; [StoreBands] is the subset
// written to the spatial store.
package domain
