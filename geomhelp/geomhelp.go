package geomhelp

import (
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
)

// LonLat builds a point with x = longitude and y = latitude.
func LonLat(lat, lon float64) geom.Point {
	return geom.Point{lon, lat}
}

// WktMustEncode encodes a geometry for log messages, cut off after maxLen characters (0 = no limit).
func WktMustEncode(g geom.Geometry, maxLen uint) string {
	if g == nil {
		return "EMPTY"
	}
	if maxLen == 0 {
		return wkt.MustEncode(g)
	}
	return truncate.StringWithTail(wkt.MustEncode(g), maxLen, "...")
}
