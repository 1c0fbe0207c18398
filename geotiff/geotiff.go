// Package geotiff reads single band elevation rasters from classic (non Big) GeoTIFF files.
// Only the header and directory are read on Open, pixel blocks are read on demand.
package geotiff

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/hoogte/mathhelp"
)

const blockCacheSize = 8

var (
	ErrOutOfBounds = errors.New("coordinate outside raster")
	ErrNoData      = errors.New("no data at coordinate")
	ErrFormat      = errors.New("invalid geotiff")
	ErrUnsupported = errors.New("unsupported geotiff")
)

const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// Raster is an open GeoTIFF. The pixel grid is georeferenced by a single tie point and a pixel scale.
type Raster struct {
	path string
	f    *os.File
	ifd  *directory

	// dimensions of a block (tile or strip), blocks may be cut off at the right and bottom
	blockW, blockH int
	blocksAcross   int
	// samples interleaved in a block, 1 for planar images
	stride int

	originX, originY float64
	scaleX, scaleY   float64

	mu    sync.Mutex
	cache *orderedmap.OrderedMap[int, []float64]
}

// Open reads the directory of the GeoTIFF at path. The file stays open until Close.
func Open(path string) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ifd, err := readDirectory(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r := &Raster{
		path:  path,
		f:     f,
		ifd:   ifd,
		cache: orderedmap.New[int, []float64](orderedmap.WithCapacity[int, []float64](blockCacheSize)),
	}
	if err = r.layout(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Load opens and verifies the GeoTIFF at path.
func Load(path string) (*Raster, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err = r.Verify(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Raster) layout() error {
	d := r.ifd
	if d.width <= 0 || d.height <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrFormat, d.width, d.height)
	}
	if d.tiled {
		r.blockW, r.blockH = d.tileWidth, d.tileHeight
	} else {
		r.blockW, r.blockH = d.width, d.rowsPerStrip
		if r.blockH <= 0 || r.blockH > d.height {
			r.blockH = d.height
		}
	}
	if r.blockW <= 0 || r.blockH <= 0 {
		return fmt.Errorf("%w: block size %dx%d", ErrFormat, r.blockW, r.blockH)
	}
	r.blocksAcross = (d.width + r.blockW - 1) / r.blockW
	blocksDown := (d.height + r.blockH - 1) / r.blockH
	if len(d.offsets) < r.blocksAcross*blocksDown || len(d.byteCounts) < len(d.offsets) {
		return fmt.Errorf("%w: expected %d blocks, directory lists %d offsets and %d byte counts",
			ErrFormat, r.blocksAcross*blocksDown, len(d.offsets), len(d.byteCounts))
	}
	r.stride = d.samplesPerPixel
	if d.planar == 2 {
		r.stride = 1
	}

	switch d.sampleFormat {
	case sampleFormatUint, sampleFormatInt:
		if d.bitsPerSample != 8 && d.bitsPerSample != 16 && d.bitsPerSample != 32 {
			return fmt.Errorf("%w: %d bit integer samples", ErrUnsupported, d.bitsPerSample)
		}
	case sampleFormatFloat:
		if d.bitsPerSample != 32 && d.bitsPerSample != 64 {
			return fmt.Errorf("%w: %d bit float samples", ErrUnsupported, d.bitsPerSample)
		}
	default:
		return fmt.Errorf("%w: sample format %d", ErrUnsupported, d.sampleFormat)
	}
	switch d.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupported, d.compression)
	}
	switch d.predictor {
	case predictorNone, predictorHorizontal:
	case predictorFloat:
		if d.sampleFormat != sampleFormatFloat {
			return fmt.Errorf("%w: floating point predictor on integer samples", ErrFormat)
		}
	default:
		return fmt.Errorf("%w: predictor %d", ErrUnsupported, d.predictor)
	}

	if len(d.pixelScale) < 2 || len(d.tiePoint) < 6 {
		return fmt.Errorf("%w: missing ModelPixelScale or ModelTiepoint", ErrFormat)
	}
	r.scaleX, r.scaleY = d.pixelScale[0], d.pixelScale[1]
	if r.scaleX <= 0 || r.scaleY <= 0 || !mathhelp.IsFinite(r.scaleX, r.scaleY) {
		return fmt.Errorf("%w: pixel scale %v", ErrFormat, d.pixelScale)
	}
	// model coordinate of the upper left corner of pixel (0, 0)
	r.originX = d.tiePoint[3] - d.tiePoint[0]*r.scaleX
	r.originY = d.tiePoint[4] + d.tiePoint[1]*r.scaleY
	return nil
}

func (r *Raster) Path() string {
	return r.path
}

func (r *Raster) Width() int {
	return r.ifd.width
}

func (r *Raster) Height() int {
	return r.ifd.height
}

// Extent returns the area covered by the raster in model coordinates.
func (r *Raster) Extent() geom.Extent {
	return geom.Extent{
		r.originX,
		r.originY - float64(r.ifd.height)*r.scaleY,
		r.originX + float64(r.ifd.width)*r.scaleX,
		r.originY,
	}
}

// NoData returns the nodata value, if the raster declares one.
func (r *Raster) NoData() (float64, bool) {
	return r.ifd.noData, r.ifd.hasNoData
}

// Verify decodes every block once, so a truncated or otherwise corrupt file is noticed up front.
func (r *Raster) Verify() error {
	blocksDown := (r.ifd.height + r.blockH - 1) / r.blockH
	for b := 0; b < r.blocksAcross*blocksDown; b++ {
		if _, err := r.decodeBlock(b); err != nil {
			return err
		}
	}
	return nil
}

// Sample returns the value of the pixel containing model coordinate (x, y).
// ErrOutOfBounds and ErrNoData are expected outcomes, any other error means the file is unreadable.
func (r *Raster) Sample(x, y float64) (float64, error) {
	if !mathhelp.IsFinite(x, y) {
		return 0, fmt.Errorf("%w: (%v, %v)", ErrOutOfBounds, x, y)
	}
	col := mathhelp.FloorDiv(x, r.originX, r.scaleX)
	row := mathhelp.FloorDiv(-y, -r.originY, r.scaleY)
	if col < 0 || col >= r.ifd.width || row < 0 || row >= r.ifd.height {
		return 0, fmt.Errorf("%w: (%v, %v) is pixel (%d, %d) of %dx%d", ErrOutOfBounds, x, y, col, row, r.ifd.width, r.ifd.height)
	}
	v, err := r.pixel(col, row)
	if err != nil {
		return 0, err
	}
	if r.isNoData(v) {
		return v, fmt.Errorf("%w: (%v, %v)", ErrNoData, x, y)
	}
	return v, nil
}

// pixel returns the raw value at column col and row row.
func (r *Raster) pixel(col, row int) (float64, error) {
	bIdx := (row/r.blockH)*r.blocksAcross + col/r.blockW
	values, err := r.cachedBlock(bIdx)
	if err != nil {
		return 0, err
	}
	i := ((row%r.blockH)*r.blockW + col%r.blockW) * r.stride
	if i >= len(values) {
		return 0, fmt.Errorf("%w: %s block %d too short", ErrFormat, r.path, bIdx)
	}
	return values[i], nil
}

func (r *Raster) isNoData(v float64) bool {
	if !r.ifd.hasNoData {
		return false
	}
	if math.IsNaN(r.ifd.noData) {
		return math.IsNaN(v)
	}
	return v == r.ifd.noData
}

func (r *Raster) cachedBlock(bIdx int) ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if values, err := r.cache.GetAndMoveToBack(bIdx); err == nil {
		return values, nil
	}
	values, err := r.decodeBlock(bIdx)
	if err != nil {
		return nil, err
	}
	if r.cache.Len() >= blockCacheSize {
		r.cache.Delete(r.cache.Oldest().Key)
	}
	r.cache.Set(bIdx, values)
	return values, nil
}

// Close releases the file handle and the cached blocks.
func (r *Raster) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = orderedmap.New[int, []float64]()
	return r.f.Close()
}

func (r *Raster) String() string {
	return fmt.Sprintf("%s (%dx%d, %d bit, compression %d)", r.path, r.ifd.width, r.ifd.height, r.ifd.bitsPerSample, r.ifd.compression)
}

func parseNoData(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
