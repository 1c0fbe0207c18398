package geomhelp

import (
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
)

func TestWktMustEncode(t *testing.T) {
	pt := LonLat(60.5, 24.25)
	assert.Equal(t, geom.Point{24.25, 60.5}, pt)
	encoded := WktMustEncode(pt, 0)
	assert.Contains(t, encoded, "POINT")
	assert.Contains(t, encoded, "24.25 60.5")

	ls := geom.LineString{{0, 0}, {1, 1}, {2, 2}, {3, 3}}
	short := WktMustEncode(ls, 12)
	assert.Len(t, short, 12)
	assert.Equal(t, "...", short[len(short)-3:])

	assert.Equal(t, "EMPTY", WktMustEncode(nil, 10))
}
