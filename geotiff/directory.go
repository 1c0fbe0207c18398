package geotiff

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGDALNoData      = 42113
)

const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	predictorNone       = 1
	predictorHorizontal = 2
	predictorFloat      = 3
)

const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
)

var dataTypeSize = map[uint16]uint32{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8, dtSByte: 1,
	dtUndefined: 1, dtSShort: 2, dtSLong: 4, dtSRational: 8, dtFloat: 4, dtDouble: 8,
}

// the first image file directory, reduced to what sampling needs
type directory struct {
	order binary.ByteOrder

	width, height   int
	bitsPerSample   int
	samplesPerPixel int
	sampleFormat    int
	compression     int
	predictor       int
	planar          int

	tiled                 bool
	tileWidth, tileHeight int
	rowsPerStrip          int
	offsets, byteCounts   []uint64

	pixelScale []float64
	tiePoint   []float64
	noData     float64
	hasNoData  bool
}

func (d *directory) bytesPerSample() int {
	return d.bitsPerSample / 8
}

func readDirectory(r io.ReaderAt) (*directory, error) {
	var header [8]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrFormat, err)
	}
	d := &directory{
		samplesPerPixel: 1,
		sampleFormat:    sampleFormatUint,
		compression:     compressionNone,
		predictor:       predictorNone,
		planar:          1,
		bitsPerSample:   1,
	}
	switch string(header[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad byte order mark %q", ErrFormat, header[:2])
	}
	switch d.order.Uint16(header[2:4]) {
	case 42:
	case 43:
		return nil, fmt.Errorf("%w: BigTIFF", ErrUnsupported)
	default:
		return nil, fmt.Errorf("%w: bad magic number", ErrFormat)
	}

	ifdOffset := int64(d.order.Uint32(header[4:8]))
	var countBuf [2]byte
	if _, err := r.ReadAt(countBuf[:], ifdOffset); err != nil {
		return nil, fmt.Errorf("%w: reading directory: %v", ErrFormat, err)
	}
	n := int(d.order.Uint16(countBuf[:]))
	entries := make([]byte, 12*n)
	if _, err := r.ReadAt(entries, ifdOffset+2); err != nil {
		return nil, fmt.Errorf("%w: reading directory entries: %v", ErrFormat, err)
	}

	for i := 0; i < n; i++ {
		if err := d.parseEntry(r, entries[12*i:12*i+12]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *directory) parseEntry(r io.ReaderAt, e []byte) error {
	tag := d.order.Uint16(e[0:2])
	dt := d.order.Uint16(e[2:4])
	count := d.order.Uint32(e[4:8])

	size, known := dataTypeSize[dt]
	if !known {
		// types beyond the baseline set are only used by tags we skip
		return nil
	}
	raw := e[8:12]
	if total := uint64(size) * uint64(count); total > 4 {
		if total > 1<<30 {
			return fmt.Errorf("%w: tag %d claims %d bytes", ErrFormat, tag, total)
		}
		raw = make([]byte, total)
		if _, err := r.ReadAt(raw, int64(d.order.Uint32(e[8:12]))); err != nil {
			return fmt.Errorf("%w: reading tag %d: %v", ErrFormat, tag, err)
		}
	} else {
		raw = raw[:total]
	}

	var err error
	switch tag {
	case tagImageWidth:
		d.width, err = d.firstInt(tag, dt, raw)
	case tagImageLength:
		d.height, err = d.firstInt(tag, dt, raw)
	case tagBitsPerSample:
		d.bitsPerSample, err = d.firstInt(tag, dt, raw)
	case tagCompression:
		d.compression, err = d.firstInt(tag, dt, raw)
	case tagSamplesPerPixel:
		d.samplesPerPixel, err = d.firstInt(tag, dt, raw)
	case tagRowsPerStrip:
		d.rowsPerStrip, err = d.firstInt(tag, dt, raw)
	case tagPlanarConfig:
		d.planar, err = d.firstInt(tag, dt, raw)
	case tagPredictor:
		d.predictor, err = d.firstInt(tag, dt, raw)
	case tagSampleFormat:
		d.sampleFormat, err = d.firstInt(tag, dt, raw)
	case tagTileWidth:
		d.tiled = true
		d.tileWidth, err = d.firstInt(tag, dt, raw)
	case tagTileLength:
		d.tiled = true
		d.tileHeight, err = d.firstInt(tag, dt, raw)
	case tagStripOffsets, tagTileOffsets:
		d.offsets, err = d.uints(tag, dt, raw)
	case tagStripByteCounts, tagTileByteCounts:
		d.byteCounts, err = d.uints(tag, dt, raw)
	case tagModelPixelScale:
		d.pixelScale, err = d.doubles(tag, dt, raw)
	case tagModelTiepoint:
		d.tiePoint, err = d.doubles(tag, dt, raw)
	case tagGDALNoData:
		d.noData, d.hasNoData = parseNoData(string(raw))
	}
	return err
}

func (d *directory) uints(tag, dt uint16, raw []byte) ([]uint64, error) {
	var out []uint64
	switch dt {
	case dtByte, dtUndefined:
		out = make([]uint64, len(raw))
		for i, b := range raw {
			out[i] = uint64(b)
		}
	case dtShort:
		out = make([]uint64, len(raw)/2)
		for i := range out {
			out[i] = uint64(d.order.Uint16(raw[2*i:]))
		}
	case dtLong:
		out = make([]uint64, len(raw)/4)
		for i := range out {
			out[i] = uint64(d.order.Uint32(raw[4*i:]))
		}
	default:
		return nil, fmt.Errorf("%w: tag %d has non integer type %d", ErrFormat, tag, dt)
	}
	return out, nil
}

func (d *directory) firstInt(tag, dt uint16, raw []byte) (int, error) {
	vs, err := d.uints(tag, dt, raw)
	if err != nil {
		return 0, err
	}
	if len(vs) == 0 {
		return 0, fmt.Errorf("%w: tag %d is empty", ErrFormat, tag)
	}
	return int(vs[0]), nil
}

func (d *directory) doubles(tag, dt uint16, raw []byte) ([]float64, error) {
	switch dt {
	case dtDouble:
		out := make([]float64, len(raw)/8)
		for i := range out {
			out[i] = math.Float64frombits(d.order.Uint64(raw[8*i:]))
		}
		return out, nil
	case dtFloat:
		out := make([]float64, len(raw)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(d.order.Uint32(raw[4*i:])))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: tag %d has non floating point type %d", ErrFormat, tag, dt)
}
